// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	AddrChipID byte = 0xD0 // read-only, should contain 0x60

	// calibration ranges

	AddrCalTP byte = 0x88 // 26 bytes, t1~p9 and h1
	AddrCalH  byte = 0xE1 // 7 bytes, h2~h6

	// control registers from this point on

	AddrReset    byte = 0xE0
	AddrCtrlHum  byte = 0xF2
	AddrCtrlMeas byte = 0xF4
	AddrConfig   byte = 0xF5

	// data registers, read in one burst

	AddrData byte = 0xF7 // press_msb through hum_lsb

	// ChipID is the value of AddrChipID on a BME280.
	ChipID byte = 0x60
	// ResetCode triggers a soft reset when written to AddrReset.
	ResetCode byte = 0xB6
)

// ErrContinuous is returned by Sense and Measure while SenseContinuous is
// running.
var ErrContinuous = errors.New("already sensing continuously")

// Oversampling affects how much time is taken to measure each of temperature,
// pressure and humidity.
//
// Using high oversampling and low standby results in highest power
// consumption, but this is still below 1mA so we generally don't care.
type Oversampling uint8

// Possible oversampling values.
//
// The higher the more time and power it takes to take a measurement. Even at
// 16x for all 3 sensors, it is less than 100ms albeit increased power
// consumption may increase the temperature reading.
const (
	Off  Oversampling = 0
	O1x  Oversampling = 1
	O2x  Oversampling = 2
	O4x  Oversampling = 3
	O8x  Oversampling = 4
	O16x Oversampling = 5
)

const oversamplingName = "Off1x2x4x8x16x"

var oversamplingIndex = [...]uint8{0, 3, 5, 7, 9, 11, 14}

func (o Oversampling) String() string {
	if o >= Oversampling(len(oversamplingIndex)-1) {
		return fmt.Sprintf("Oversampling(%d)", o)
	}
	return oversamplingName[oversamplingIndex[o]:oversamplingIndex[o+1]]
}

func (o Oversampling) asValue() int {
	switch o {
	case Off:
		return 0
	case O1x:
		return 1
	case O2x:
		return 2
	case O4x:
		return 4
	case O8x:
		return 8
	default:
		// 6 and 7 are also 16x on the BME280.
		return 16
	}
}

// Filter specifies the internal IIR filter to get steadier measurements.
//
// Oversampling will get better measurements than filtering but at a larger
// power consumption cost, which may slightly affect temperature measurement.
type Filter uint8

// Possible filtering values.
//
// The higher the filter, the slower the value converges but the more stable
// the measurement is.
const (
	NoFilter Filter = 0
	F2       Filter = 1
	F4       Filter = 2
	F8       Filter = 3
	F16      Filter = 4
)

// Standby is the time between two measurements in normal mode.
type Standby uint8

// Possible standby values, these determines the refresh rate.
const (
	S500us Standby = 0
	S62ms  Standby = 1
	S125ms Standby = 2
	S250ms Standby = 3
	S500ms Standby = 4
	S1s    Standby = 5
	S10ms  Standby = 6
	S20ms  Standby = 7
)

// Mode is the operating mode, the two low bits of ctrl_meas.
type Mode uint8

const (
	// Sleep is no operation, all registers accessible, lowest power, selected
	// after startup.
	Sleep Mode = 0
	// Forced performs one measurement, stores results and returns to sleep.
	// 0b01 and 0b10 are both forced; 0b10 is what DefaultSettings uses.
	Forced Mode = 2
	// Normal cycles measurements and standby periods.
	Normal Mode = 3
)

// Settings is the raw content of the three configuration registers.
type Settings struct {
	// Config is t_sb[7:5], filter[4:2], spi3w_en[0].
	Config byte
	// CtrlMeas is osrs_t[7:5], osrs_p[4:2], mode[1:0].
	CtrlMeas byte
	// CtrlHum is osrs_h[2:0].
	CtrlHum byte
}

// DefaultSettings are the weather monitoring settings: every sensor at 1x,
// forced mode, filter off.
var DefaultSettings = Settings{Config: 0x00, CtrlMeas: 0x26, CtrlHum: 0x01}

// Mode returns the operating mode bits of CtrlMeas.
func (s Settings) Mode() Mode {
	return Mode(s.CtrlMeas & 0x03)
}

// NeedsTrigger reports whether each read must be preceded by a ctrl_meas
// write. That is the case in forced mode only.
func (s Settings) NeedsTrigger() bool {
	switch s.Mode() {
	case Sleep, Normal:
		return false
	default:
		return true
	}
}

// measurementTime is the datasheet maximum conversion time (appendix B).
func (s Settings) measurementTime() time.Duration {
	t := Oversampling(s.CtrlMeas >> 5).asValue()
	p := Oversampling((s.CtrlMeas >> 2) & 0x07).asValue()
	h := Oversampling(s.CtrlHum & 0x07).asValue()
	us := 1250 + 2300*t
	if p != 0 {
		us += 2300*p + 575
	}
	if h != 0 {
		us += 2300*h + 575
	}
	return time.Duration(us) * time.Microsecond
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Temperature: O1x,
	Pressure:    O1x,
	Humidity:    O1x,
	Mode:        Forced,
}

// Opts defines the options for the device.
//
// Recommended sensing settings as per the datasheet:
//
// → Weather monitoring: forced sampling once per minute, all sensors O1x,
// filter NoFilter.
//
// → Humidity sensing: forced sampling once per second, pressure Off, humidity
// and temperature O1X, filter NoFilter.
//
// → Indoor navigation: normal mode with standby S500us, pressure O16x,
// temperature O2x, humidity O1x, filter F16.
//
// → Gaming: normal mode with standby S500us, pressure O4x, temperature O1x,
// humidity Off, filter F16.
//
// See the datasheet for more details about the trade offs.
type Opts struct {
	// Temperature must be measured for pressure and humidity to be measured.
	Temperature Oversampling
	Pressure    Oversampling
	Humidity    Oversampling
	Filter      Filter
	// Standby is only used in Normal mode.
	Standby Standby
	Mode    Mode
}

// Settings encodes the options into register values.
func (o *Opts) Settings() Settings {
	return Settings{
		Config:   byte(o.Standby&0x07)<<5 | byte(o.Filter&0x07)<<2,
		CtrlMeas: byte(o.Temperature&0x07)<<5 | byte(o.Pressure&0x07)<<2 | byte(o.Mode&0x03),
		CtrlHum:  byte(o.Humidity & 0x07),
	}
}

// New returns an object that communicates with a BME280 through t.
//
// It reads the chip ID and the calibration once, then writes the settings.
// opts may be nil, DefaultOpts is used then.
func New(t Transport, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{t: t, name: "BME280"}
	if err := d.makeDev(opts.Settings()); err != nil {
		return nil, err
	}
	return d, nil
}

// NewI2C returns an object that communicates over I²C to a BME280
// environmental sensor.
//
// The address must be 0x76 or 0x77. The value used depends on HW
// configuration of the sensor's SDO pin.
//
// It is recommended to call Halt() when done with the device so it stops
// sampling.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case 0x76, 0x77:
	default:
		return nil, errors.New("bme280: given address not supported by device")
	}
	return New(&i2cTransport{d: &i2c.Dev{Bus: b, Addr: addr}}, opts)
}

// NewSPI returns an object that communicates over SPI to a BME280
// environmental sensor.
//
// cs is toggled around every transaction when the port cannot drive the CS
// line itself; pass nil otherwise.
//
// It is recommended to call Halt() when done with the device so it stops
// sampling.
func NewSPI(p spi.Port, cs ChipSelect, opts *Opts) (*Dev, error) {
	// It works both in Mode0 and Mode3.
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return nil, fmt.Errorf("bme280: %w", err)
	}
	if cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("bme280: chip select: %w", err)
		}
	}
	return New(&spiTransport{c: c, cs: cs}, opts)
}

// Dev is a handle to an initialized BME280 device.
//
// It is meant to be used by one owner; the lock only guards against the
// goroutine started by SenseContinuous.
type Dev struct {
	t         Transport
	name      string
	settings  Settings
	measDelay time.Duration
	cal       Calibration
	// asleep is set when Halt put a normal mode device to sleep.
	asleep    bool

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%v}", d.name, d.t)
}

// Calibration returns the coefficients read at initialization.
func (d *Dev) Calibration() Calibration {
	return d.cal
}

// Settings returns the current register settings. After Halt the device
// sleeps until the next measurement restores them.
func (d *Dev) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// UpdateSettings replaces the configuration and writes it to the device.
func (d *Dev) UpdateSettings(s Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeSettings(s)
}

// Reset soft resets the chip. The registers go back to their power-on values;
// call UpdateSettings to configure it again.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.t.WriteRegister(AddrReset, ResetCode); err != nil {
		return d.wrap(err)
	}
	// Start-up time.
	doSleep(2 * time.Millisecond)
	return nil
}

// Measure takes one sample and returns it in °C, Pa and %RH.
//
// In forced mode a measurement is triggered first. The very first
// measurements may be of poor quality.
func (d *Dev) Measure() (Measurement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return Measurement{}, d.wrap(ErrContinuous)
	}
	return d.measure()
}

// Sense requests a one time measurement as °C, Pa and % of relative humidity.
func (d *Dev) Sense(e *physic.Env) error {
	m, err := d.Measure()
	if err != nil {
		return err
	}
	*e = m.Env()
	return nil
}

// SenseContinuous returns measurements as °C, Pa and % of relative humidity
// on a continuous basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	// Don't send the stop command to the device.
	d.stopSensing()

	d.mu.Lock()
	defer d.mu.Unlock()
	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}(d.stop)
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = 15625 * physic.MicroPascal / 4
	e.Humidity = 10000 / 1024 * physic.MicroRH
}

// Halt stops the BME280 from acquiring measurements as initiated by
// SenseContinuous() and puts it to sleep. The next measurement wakes it up
// again.
//
// It is recommended to call this function before terminating the process to
// reduce idle power usage and a goroutine leak.
func (d *Dev) Halt() error {
	if !d.stopSensing() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.t.WriteRegister(AddrCtrlMeas, d.settings.CtrlMeas&^0x03); err != nil {
		return d.wrap(err)
	}
	d.asleep = d.settings.Mode() == Normal
	return nil
}

func (d *Dev) makeDev(s Settings) error {
	var chipID [1]byte
	if err := d.t.ReadBlock(AddrChipID, chipID[:]); err != nil {
		return d.wrap(err)
	}
	if chipID[0] != ChipID {
		return fmt.Errorf("bme280: unexpected chip id %#x", chipID[0])
	}

	var tp [CalTPLen]byte
	if err := d.t.ReadBlock(AddrCalTP, tp[:]); err != nil {
		return d.wrap(err)
	}
	var h [CalHLen]byte
	if err := d.t.ReadBlock(AddrCalH, h[:]); err != nil {
		return d.wrap(err)
	}
	d.cal = NewCalibration(tp, h)

	return d.writeSettings(s)
}

// writeSettings must be called with d.mu lock held.
func (d *Dev) writeSettings(s Settings) error {
	regs := [...]struct{ addr, v byte }{
		// ctrl_meas; put it to sleep otherwise the config update may be
		// ignored.
		{AddrCtrlMeas, s.CtrlMeas &^ 0x03},
		{AddrCtrlHum, s.CtrlHum},
		{AddrConfig, s.Config},
		// ctrl_meas must be re-written last for ctrl_hum to take effect.
		{AddrCtrlMeas, s.CtrlMeas},
	}
	for _, r := range regs {
		if err := d.t.WriteRegister(r.addr, r.v); err != nil {
			return d.wrap(err)
		}
	}
	d.settings = s
	d.measDelay = s.measurementTime()
	d.asleep = false
	return nil
}

// measure must be called with d.mu lock held.
func (d *Dev) measure() (Measurement, error) {
	if d.settings.NeedsTrigger() || d.asleep {
		if err := d.t.WriteRegister(AddrCtrlMeas, d.settings.CtrlMeas); err != nil {
			return Measurement{}, d.wrap(err)
		}
		d.asleep = false
		doSleep(d.measDelay)
	}
	var raw [DataLen]byte
	if err := d.t.ReadBlock(AddrData, raw[:]); err != nil {
		return Measurement{}, d.wrap(err)
	}
	return d.cal.Convert(raw), nil
}

// stopSensing stops the continuous sensing goroutine, if any. It must be
// called without d.mu held since the goroutine takes it.
func (d *Dev) stopSensing() bool {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return false
	}
	close(stop)
	d.wg.Wait()
	return true
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		d.mu.Lock()
		m, err := d.measure()
		d.mu.Unlock()
		if err != nil {
			slog.Error("failed to sense", "dev", d.String(), "err", err)
			return
		}
		select {
		case sensing <- m.Env():
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var doSleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
