package main

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"bme280d/bme280"
	"bme280d/internal/mqtt"
)

const HectoPascal = 100 * physic.Pascal

type SensorReading struct {
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Humidity    float64   `json:"humidity"`
	CO2         *uint16   `json:"co2,omitempty"`
	Updated     time.Time `json:"-"`
	UpdatedStr  string    `json:"updated"`
}

func NewSensorReading(date time.Time) SensorReading {
	return SensorReading{
		Updated:    date,
		UpdatedStr: date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}

// readingFromEnv converts a BME280 sample: °C, hPa and %RH.
func readingFromEnv(env physic.Env, date time.Time) SensorReading {
	reading := NewSensorReading(date)
	reading.Temperature = env.Temperature.Celsius()
	reading.Pressure = float64(env.Pressure) / float64(HectoPascal)
	reading.Humidity = float64(env.Humidity) / float64(physic.PercentRH)
	return reading
}

func (r SensorReading) telemetry(seq int) mqtt.Telemetry {
	return mqtt.Telemetry{
		Timestamp:   r.Updated,
		Temperature: &r.Temperature,
		Humidity:    &r.Humidity,
		Pressure:    &r.Pressure,
		CO2:         r.CO2,
		Sequence:    &seq,
	}
}

// SettingsBody is the JSON form of the three configuration registers.
type SettingsBody struct {
	Config   byte `json:"config"`
	CtrlMeas byte `json:"ctrl_meas"`
	CtrlHum  byte `json:"ctrl_hum"`
}

func newSettingsBody(s bme280.Settings) SettingsBody {
	return SettingsBody{Config: s.Config, CtrlMeas: s.CtrlMeas, CtrlHum: s.CtrlHum}
}

func (b SettingsBody) settings() bme280.Settings {
	return bme280.Settings{Config: b.Config, CtrlMeas: b.CtrlMeas, CtrlHum: b.CtrlHum}
}
