// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

// csRecorder is a chip select line recording every level it is driven to.
type csRecorder struct {
	levels []gpio.Level
	err    error
}

func (c *csRecorder) Out(l gpio.Level) error {
	c.levels = append(c.levels, l)
	return c.err
}

func TestI2CTransport(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x77, W: []byte{0xF7}, R: []byte{1, 2, 3}},
			{Addr: 0x77, W: []byte{0xE0, 0xB6}},
		},
	}
	tr := &i2cTransport{d: &i2c.Dev{Bus: &bus, Addr: 0x77}}
	b := make([]byte, 3)
	require.NoError(t, tr.ReadBlock(0xF7, b))
	assert.Equal(t, []byte{1, 2, 3}, b)
	require.NoError(t, tr.WriteRegister(0xE0, 0xB6))
	require.NoError(t, bus.Close())
}

func TestSPITransport(t *testing.T) {
	c := &conntest.Playback{
		Ops: []conntest.IO{
			// Read: RW bit set, one dummy byte clocked out first.
			{W: []byte{0xF7, 0x00, 0x00}, R: []byte{0xFF, 0x12, 0x34}},
			// Write: RW bit cleared.
			{W: []byte{0x74, 0x25}},
			{W: []byte{0x88, 0x00}, R: []byte{0x00, 0xAA}},
		},
	}
	cs := &csRecorder{}
	tr := &spiTransport{c: c, cs: cs}

	b := make([]byte, 2)
	require.NoError(t, tr.ReadBlock(0xF7, b))
	assert.Equal(t, []byte{0x12, 0x34}, b)
	require.NoError(t, tr.WriteRegister(0xF4, 0x25))
	// Addresses below 0x80 get the read bit too.
	b = b[:1]
	require.NoError(t, tr.ReadBlock(0x08, b))
	assert.Equal(t, []byte{0xAA}, b)
	require.NoError(t, c.Close())

	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High}, cs.levels)
}

func TestSPITransport_txError(t *testing.T) {
	c := &conntest.Playback{DontPanic: true}
	cs := &csRecorder{}
	tr := &spiTransport{c: c, cs: cs}

	require.Error(t, tr.WriteRegister(0xE0, 0xB6))
	// The line is released even though the transfer failed.
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High}, cs.levels)
}

func TestSPITransport_csError(t *testing.T) {
	c := &conntest.Playback{DontPanic: true}
	fail := errors.New("pin fault")
	cs := &csRecorder{err: fail}
	tr := &spiTransport{c: c, cs: cs}

	err := tr.ReadBlock(0xD0, make([]byte, 1))
	require.ErrorIs(t, err, fail)
	assert.Equal(t, []gpio.Level{gpio.Low}, cs.levels)
}

func TestSPITransport_noCS(t *testing.T) {
	c := &conntest.Playback{
		Ops: []conntest.IO{{W: []byte{0x75, 0x10}}},
	}
	tr := &spiTransport{c: c}
	require.NoError(t, tr.WriteRegister(0xF5, 0x10))
	require.NoError(t, c.Close())
}
