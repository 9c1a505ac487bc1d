// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"periph.io/x/conn/v3/physic"
)

const (
	// CalTPLen is the size of the temperature/pressure calibration block at
	// AddrCalTP (0x88~0xA1).
	CalTPLen = 26
	// CalHLen is the size of the humidity calibration block at AddrCalH
	// (0xE1~0xE7).
	CalHLen = 7
	// DataLen is the size of the raw data block at AddrData (0xF7~0xFE).
	DataLen = 8

	// humidityMax is 100%RH in Q22.10 before the final >>12.
	humidityMax = 419430400
)

// Calibration holds the factory calibration coefficients of one sensor.
//
// It is immutable once parsed. The fine temperature is not stored here; it is
// returned by the temperature step and passed to the pressure and humidity
// steps.
type Calibration struct {
	t1     uint16
	t2, t3 int16

	p1                             uint16
	p2, p3, p4, p5, p6, p7, p8, p9 int16
	h1, h3                         uint8
	h2, h4, h5                     int16
	h6                             int8
}

// NewCalibration parses calibration data from both buffers.
//
// tp covers 0x88 through 0xA1, h covers 0xE1 through 0xE7. Any input decodes;
// an absent device yields meaningless but harmless coefficients.
func NewCalibration(tp [CalTPLen]byte, h [CalHLen]byte) (c Calibration) {
	getInt16 := func(lsb, msb byte) int16 {
		return int16(uint16(msb)<<8 | uint16(lsb))
	}

	getUInt16 := func(lsb, msb byte) uint16 {
		return uint16(msb)<<8 | uint16(lsb)
	}

	c.t1 = getUInt16(tp[0], tp[1])
	c.t2 = getInt16(tp[2], tp[3])
	c.t3 = getInt16(tp[4], tp[5])

	c.p1 = getUInt16(tp[6], tp[7])
	c.p2 = getInt16(tp[8], tp[9])
	c.p3 = getInt16(tp[10], tp[11])
	c.p4 = getInt16(tp[12], tp[13])
	c.p5 = getInt16(tp[14], tp[15])
	c.p6 = getInt16(tp[16], tp[17])
	c.p7 = getInt16(tp[18], tp[19])
	c.p8 = getInt16(tp[20], tp[21])
	c.p9 = getInt16(tp[22], tp[23])
	// tp[24] (0xA0) is unused.
	c.h1 = tp[25]

	c.h2 = getInt16(h[0], h[1])
	c.h3 = h[2]
	// 0xE4/0xE5/0xE6 share a nibble. Both sides are sign extended from 8 bits.
	c.h4 = int16(int8(h[3]))*16 | int16(int8(h[4]))&0x0F
	c.h5 = int16(int8(h[5]))*16 | (int16(int8(h[4]))&0xF0)>>4
	c.h6 = int8(h[6])

	return c
}

// Measurement is one converted sample.
type Measurement struct {
	// Temperature in °C.
	Temperature float32
	// Pressure in Pa. Exactly 0 when the calibration makes the pressure
	// formula divide by zero.
	Pressure float32
	// Humidity in %RH, within [0, 100].
	Humidity float32

	// TempCentiC is the temperature in 0.01°C.
	TempCentiC int32
	// PressQ8 is the pressure in Pa in Q24.8 format.
	PressQ8 uint32
	// HumQ10 is the humidity in %RH in Q22.10 format.
	HumQ10 uint32
}

// Env converts the fixed-point values into physic units.
func (m *Measurement) Env() physic.Env {
	return physic.Env{
		// Convert CentiCelsius to Kelvin.
		Temperature: physic.Temperature(m.TempCentiC)*10*physic.MilliCelsius + physic.ZeroCelsius,
		// It has 8 bits of fractional Pascal.
		Pressure: physic.Pressure(m.PressQ8) * 15625 * physic.MicroPascal / 4,
		// Convert base 1024 to base 1000.
		Humidity: physic.RelativeHumidity(m.HumQ10) * 10000 / 1024 * physic.MicroRH,
	}
}

// Convert decodes a raw data block and compensates it.
//
// Temperature is always computed first since its fine value feeds both other
// formulas.
func (c Calibration) Convert(raw [DataLen]byte) Measurement {
	pRaw, tRaw, hRaw := decodeRaw(raw)

	t, tFine := c.compensateTemp(tRaw)
	p := c.compensatePressure(pRaw, tFine)
	h := c.compensateHumidity(hRaw, tFine)

	return Measurement{
		Temperature: float32(t) / 100.0,
		Pressure:    float32(p) / 256.0,
		Humidity:    float32(h) / 1024.0,
		TempCentiC:  t,
		PressQ8:     p,
		HumQ10:      h,
	}
}

// decodeRaw unpacks the burst read of 0xF7~0xFE.
func decodeRaw(b [DataLen]byte) (pRaw, tRaw, hRaw int32) {
	// These values are 20 bits as per doc.
	pRaw = int32(b[0])<<12 | int32(b[1])<<4 | int32(b[2])>>4
	tRaw = int32(b[3])<<12 | int32(b[4])<<4 | int32(b[5])>>4
	// This value is 16 bits as per doc.
	hRaw = int32(b[6])<<8 | int32(b[7])
	return pRaw, tRaw, hRaw
}

// compensateTemp returns temperature in °C, resolution is 0.01 °C.
// Output value of 5123 equals 51.23 C. The second value is the fine
// temperature needed by compensatePressure and compensateHumidity.
//
// raw has 20 bits of resolution. The arithmetic is 32 bits and wraps.
func (c *Calibration) compensateTemp(raw int32) (int32, int32) {
	x := (raw >> 3) - (int32(c.t1) << 1)
	var1 := (x * int32(c.t2)) >> 11
	y := (raw >> 4) - int32(c.t1)
	var2 := (((y * y) >> 12) * int32(c.t3)) >> 14
	tFine := var1 + var2
	return (tFine*5 + 128) >> 8, tFine
}

// compensatePressure returns pressure in Pa in Q24.8 format (24 integer
// bits and 8 fractional bits). Output value of 24674867 represents
// 24674867/256 = 96386.2 Pa = 963.862 hPa.
//
// raw has 20 bits of resolution.
func (c *Calibration) compensatePressure(raw, tFine int32) uint32 {
	var1 := int64(tFine) - 128000
	var2 := var1 * var1 * int64(c.p6)
	var2 += (var1 * int64(c.p5)) << 17
	var2 += int64(c.p4) << 35
	var1 = ((var1 * var1 * int64(c.p3)) >> 8) + ((var1 * int64(c.p2)) << 12)
	var1 = (((int64(1) << 47) + var1) * int64(c.p1)) >> 33
	if var1 == 0 {
		// Avoid exception caused by division by zero.
		return 0
	}
	p := 1048576 - int64(raw)
	p = (((p << 31) - var2) * 3125) / var1
	var1 = (int64(c.p9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(c.p8) * p) >> 19
	return uint32(((p + var1 + var2) >> 8) + (int64(c.p7) << 4))
}

// compensateHumidity returns humidity in %RH in Q22.10 format (22 integer
// and 10 fractional bits). Output value of 47445 represents 47445/1024 =
// 46.333%
//
// raw has 16 bits of resolution.
func (c *Calibration) compensateHumidity(raw, tFine int32) uint32 {
	x := tFine - 76800
	a := (((raw << 14) - (int32(c.h4) << 20) - (int32(c.h5) * x)) + 16384) >> 15
	b := (((((((x*int32(c.h6))>>10)*(((x*int32(c.h3))>>11)+32768))>>10)+2097152)*int32(c.h2) + 8192) >> 14)
	x = a * b
	x -= ((((x >> 15) * (x >> 15)) >> 7) * int32(c.h1)) >> 4
	if x < 0 {
		x = 0
	} else if x > humidityMax {
		x = humidityMax
	}
	return uint32(x >> 12)
}
