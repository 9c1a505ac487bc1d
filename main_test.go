package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"bme280d/bme280"
)

func parseArgs(t *testing.T, argv ...string) ProgramArgs {
	t.Helper()
	args := ProgramArgs{}
	_, err := flags.NewParser(&args, flags.None).ParseArgs(argv)
	require.NoError(t, err)
	return args
}

func TestProgramArgs_defaults(t *testing.T) {
	args := parseArgs(t)
	assert.Equal(t, "127.0.0.1", args.Host)
	assert.Equal(t, uint16(27315), args.Port)
	assert.Equal(t, uint16(5), args.Interval)
	assert.Equal(t, "i2c", args.Bus)
	assert.Equal(t, uint16(0x76), args.I2CAddr)
	assert.Equal(t, "info", args.LogLevel)
	assert.False(t, args.Once)
}

func TestProgramArgs_flags(t *testing.T) {
	args := parseArgs(t, "--bus", "spi", "--addr", "77", "-O", "16", "-F", "4", "--once", "--cs", "GPIO8")
	assert.Equal(t, "spi", args.Bus)
	assert.Equal(t, uint16(0x77), args.I2CAddr)
	assert.Equal(t, uint8(16), args.Oversampling)
	assert.Equal(t, uint8(4), args.Filter)
	assert.True(t, args.Once)
	assert.Equal(t, "GPIO8", args.CSPin)
}

func TestProgramArgs_env(t *testing.T) {
	t.Setenv("BME280_PORT", "8080")
	t.Setenv("MQTT_BROKER", "broker.local")
	args := parseArgs(t)
	assert.Equal(t, uint16(8080), args.Port)
	assert.Equal(t, "broker.local", args.MQTTBroker)
}

func TestProgramArgs_badChoice(t *testing.T) {
	args := ProgramArgs{}
	_, err := flags.NewParser(&args, flags.None).ParseArgs([]string{"--bus", "uart"})
	assert.Error(t, err)
}

func TestDeviceOpts(t *testing.T) {
	args := parseArgs(t, "-O", "4", "-F", "16")
	o := args.deviceOpts()
	assert.Equal(t, bme280.O4x, o.Temperature)
	assert.Equal(t, bme280.O4x, o.Pressure)
	assert.Equal(t, bme280.O4x, o.Humidity)
	assert.Equal(t, bme280.F16, o.Filter)
	assert.Equal(t, bme280.Forced, o.Mode)

	// The defaults match the driver's.
	defaults := parseArgs(t)
	assert.Equal(t, bme280.DefaultOpts, *defaults.deviceOpts())
}

func TestOversampling(t *testing.T) {
	data := map[uint8]bme280.Oversampling{
		0: bme280.Off, 1: bme280.O1x, 2: bme280.O2x, 4: bme280.O4x, 8: bme280.O8x, 16: bme280.O16x,
	}
	for in, want := range data {
		assert.Equal(t, want, oversampling(in), "factor %d", in)
	}
}

func TestFilter(t *testing.T) {
	data := map[uint8]bme280.Filter{
		0: bme280.NoFilter, 2: bme280.F2, 4: bme280.F4, 8: bme280.F8, 16: bme280.F16,
	}
	for in, want := range data {
		assert.Equal(t, want, filter(in), "coefficient %d", in)
	}
}

func TestReadingFromEnv(t *testing.T) {
	env := physic.Env{
		Temperature: 25080*physic.MilliCelsius + physic.ZeroCelsius,
		Pressure:    100653 * physic.Pascal,
		Humidity:    55 * physic.PercentRH,
	}
	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := readingFromEnv(env, date)
	assert.InDelta(t, 25.08, r.Temperature, 0.001)
	assert.InDelta(t, 1006.53, r.Pressure, 0.001)
	assert.InDelta(t, 55, r.Humidity, 0.001)
	assert.Nil(t, r.CO2)
	assert.Equal(t, "2024-01-02 03:04:05", r.UpdatedStr)
}

func TestTelemetry(t *testing.T) {
	co2 := uint16(700)
	r := NewSensorReading(time.Unix(1700000000, 0))
	r.Temperature = 20
	r.CO2 = &co2
	tm := r.telemetry(3)
	require.NotNil(t, tm.Temperature)
	assert.Equal(t, 20.0, *tm.Temperature)
	assert.Equal(t, &co2, tm.CO2)
	require.NotNil(t, tm.Sequence)
	assert.Equal(t, 3, *tm.Sequence)
	assert.True(t, tm.Timestamp.Equal(r.Updated))
}

func TestUpdateReading(t *testing.T) {
	ch := make(chan physic.Env)
	store := &readingStore{}
	var published []SensorReading
	co2 := func() (uint16, error) { return 450, nil }
	done := make(chan error, 1)
	go func() {
		done <- updateReading(context.Background(), ch, store, co2, func(r SensorReading) {
			published = append(published, r)
		})
	}()

	ch <- physic.Env{Temperature: physic.ZeroCelsius + 20*physic.Celsius, Pressure: 1000 * HectoPascal}
	ch <- physic.Env{Temperature: physic.ZeroCelsius + 21*physic.Celsius, Pressure: 1001 * HectoPascal}
	close(ch)

	// A closed channel means the sensor gave up.
	require.Error(t, <-done)
	got, ok := store.Get()
	require.True(t, ok)
	assert.InDelta(t, 21, got.Temperature, 0.001)
	assert.InDelta(t, 1001, got.Pressure, 0.001)
	require.NotNil(t, got.CO2)
	assert.Equal(t, uint16(450), *got.CO2)
	assert.Len(t, published, 2)
}

func TestUpdateReading_co2Error(t *testing.T) {
	ch := make(chan physic.Env, 1)
	store := &readingStore{}
	ch <- physic.Env{Temperature: physic.ZeroCelsius}
	close(ch)

	err := updateReading(context.Background(), ch, store, func() (uint16, error) {
		return 0, errors.New("not ready")
	}, nil)
	require.Error(t, err)
	got, ok := store.Get()
	require.True(t, ok)
	assert.Nil(t, got.CO2)
}

func TestUpdateReading_cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateReading(ctx, make(chan physic.Env), &readingStore{}, nil, nil)
	assert.NoError(t, err)
}
