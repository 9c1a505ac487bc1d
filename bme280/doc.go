// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bme280 controls a Bosch BME280 temperature, pressure and humidity
// sensor over I²C or four-wire SPI.
//
// The calibration coefficients are read once when the device is opened. Each
// sample is one 8 bytes burst read that is compensated with Bosch's 32 and 64
// bits integer formulas, so results match the vendor reference bit for bit.
//
// # Datasheet
//
// The URLs tend to rot, visit https://www.bosch-sensortec.com if they become
// invalid.
//
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bme280-ds002.pdf
//
// C Reference code can be found from Bosh at
// https://github.com/boschsensortec/BME280_SensorAPI
package bme280
