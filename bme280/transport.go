// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
)

// Transport is the register level access the device needs. Both methods are
// single blocking transactions; errors are returned as is and never retried.
type Transport interface {
	// ReadBlock writes the register address then reads len(b) bytes starting
	// there.
	ReadBlock(reg byte, b []byte) error
	// WriteRegister writes a single register.
	WriteRegister(reg, v byte) error
}

// ChipSelect is the slave select line of a four-wire bus. Any gpio.PinOut
// satisfies it.
type ChipSelect interface {
	Out(l gpio.Level) error
}

// i2cTransport talks to the device over I²C.
type i2cTransport struct {
	d *i2c.Dev
}

func (t *i2cTransport) ReadBlock(reg byte, b []byte) error {
	return t.d.Tx([]byte{reg}, b)
}

func (t *i2cTransport) WriteRegister(reg, v byte) error {
	return t.d.Tx([]byte{reg, v}, nil)
}

func (t *i2cTransport) String() string {
	return t.d.String()
}

// spiTransport talks to the device over four-wire SPI.
//
// When cs is nil, the SPI port drives its own CS line.
type spiTransport struct {
	c  conn.Conn
	cs ChipSelect
}

func (t *spiTransport) ReadBlock(reg byte, b []byte) error {
	// MSB is 0 for write and 1 for read.
	read := make([]byte, len(b)+1)
	write := make([]byte, len(read))
	// Rest of the write buffer is ignored.
	write[0] = reg | 0x80
	if err := t.tx(write, read); err != nil {
		return err
	}
	copy(b, read[1:])
	return nil
}

func (t *spiTransport) WriteRegister(reg, v byte) error {
	// set RW bit 7 to 0.
	return t.tx([]byte{reg & 0x7F, v}, nil)
}

// tx wraps one transaction in a chip select assert/deassert. The line is
// released even when the transfer fails.
func (t *spiTransport) tx(w, r []byte) error {
	if t.cs == nil {
		return t.c.Tx(w, r)
	}
	if err := t.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("chip select: %w", err)
	}
	err := t.c.Tx(w, r)
	if errCS := t.cs.Out(gpio.High); err == nil && errCS != nil {
		err = fmt.Errorf("chip select: %w", errCS)
	}
	return err
}

func (t *spiTransport) String() string {
	return t.c.String()
}

var _ Transport = &i2cTransport{}
var _ Transport = &spiTransport{}
