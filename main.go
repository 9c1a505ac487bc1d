package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aldernero/scd4x"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"bme280d/bme280"
	"bme280d/internal/logging"
	"bme280d/internal/mqtt"
)

type ProgramArgs struct {
	// Server Options
	Host string `short:"H" long:"host" env:"BME280_HOST" default:"127.0.0.1" description:"IP to listen on"`
	Port uint16 `short:"P" long:"port" env:"BME280_PORT" default:"27315" description:"Port to listen on"`

	// Sensor Options
	Interval     uint16 `short:"I" long:"interval" env:"BME280_INTERVAL" default:"5" description:"Interval between readings in seconds"`
	Once         bool   `long:"once" description:"Print one reading as JSON and exit"`
	Bus          string `short:"B" long:"bus" env:"BME280_BUS" default:"i2c" choice:"i2c" choice:"spi" description:"Bus the BME280 is wired to"`
	I2CDevice    string `short:"D" long:"i2cdev" env:"BME280_I2C_DEV" description:"The used I2C device (default: auto)"`
	I2CAddr      uint16 `short:"A" long:"addr" env:"BME280_I2C_ADDR" default:"76" base:"16" description:"I2C address of the BME280, 76 or 77"`
	SPIPort      string `long:"spiport" env:"BME280_SPI_PORT" description:"The used SPI port (default: auto)"`
	CSPin        string `long:"cs" env:"BME280_CS_PIN" description:"GPIO driven as chip select (default: the port's own CS line)"`
	Oversampling uint8  `short:"O" long:"oversampling" env:"BME280_OVERSAMPLING" default:"1" choice:"0" choice:"1" choice:"2" choice:"4" choice:"8" choice:"16" description:"Oversampling of all three measurements"`
	Filter       uint8  `short:"F" long:"filter" env:"BME280_FILTER" default:"0" choice:"0" choice:"2" choice:"4" choice:"8" choice:"16" description:"IIR filter coefficient"`
	SCD4x        bool   `long:"scd4x" env:"BME280_SCD4X" description:"Also read CO2 from an SCD4x on the I2C bus"`

	// Telemetry Options
	MQTTBroker   string `long:"mqtt-broker" env:"MQTT_BROKER" description:"Publish readings to this MQTT broker"`
	MQTTPort     int    `long:"mqtt-port" env:"MQTT_PORT" default:"1883" description:"MQTT broker port"`
	MQTTClientID string `long:"mqtt-client-id" env:"MQTT_CLIENT_ID" default:"bme280d" description:"MQTT client ID"`
	StationID    string `long:"station" env:"DEVICE_STATION_ID" default:"home" description:"Station ID readings are published under"`

	// Logging Options
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum log level"`
	DevLog   bool   `long:"dev" env:"APP_DEV" description:"Colored human readable logs"`
}

const (
	MIN_TIMEOUT_SECONDS = 2
)

func oversampling(factor uint8) bme280.Oversampling {
	switch factor {
	case 0:
		return bme280.Off
	case 1:
		return bme280.O1x
	case 2:
		return bme280.O2x
	case 4:
		return bme280.O4x
	case 8:
		return bme280.O8x
	default:
		return bme280.O16x
	}
}

func filter(coef uint8) bme280.Filter {
	switch coef {
	case 0:
		return bme280.NoFilter
	case 2:
		return bme280.F2
	case 4:
		return bme280.F4
	case 8:
		return bme280.F8
	default:
		return bme280.F16
	}
}

func (args *ProgramArgs) deviceOpts() *bme280.Opts {
	o := oversampling(args.Oversampling)
	return &bme280.Opts{
		Temperature: o,
		Pressure:    o,
		Humidity:    o,
		Filter:      filter(args.Filter),
		Mode:        bme280.Forced,
	}
}

func getOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP, nil
}

// sensors owns the opened buses and devices. close releases all of them.
type sensors struct {
	bme     *bme280.Dev
	scd     *scd4x.SCD4x
	closers []func() error
}

func (s *sensors) close() {
	if s.scd != nil {
		if err := s.scd.StopMeasurements(); err != nil {
			slog.Warn("couldn't stop SCD4x", "err", err)
		}
	}
	if s.bme != nil {
		if err := s.bme.Halt(); err != nil {
			slog.Warn("couldn't halt BME280", "err", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func setupSensors(args *ProgramArgs) (*sensors, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	s := &sensors{}

	var i2cBus i2c.BusCloser
	if args.Bus == "i2c" || args.SCD4x {
		bus, err := i2creg.Open(args.I2CDevice)
		if err != nil {
			return nil, fmt.Errorf("couldn't open I2C device: %w", err)
		}
		s.closers = append(s.closers, bus.Close)
		i2cBus = bus
	}

	var err error
	switch args.Bus {
	case "spi":
		s.bme, err = setupSPISensor(args, s)
	default:
		s.bme, err = bme280.NewI2C(i2cBus, args.I2CAddr, args.deviceOpts())
	}
	if err != nil {
		s.close()
		return nil, fmt.Errorf("couldn't initialize sensor: %w", err)
	}
	slog.Info("sensor ready", "dev", s.bme.String())

	if args.SCD4x {
		s.scd, err = setupSCDSensor(i2cBus)
		if err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func setupSPISensor(args *ProgramArgs, s *sensors) (*bme280.Dev, error) {
	port, err := spireg.Open(args.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("couldn't open SPI port: %w", err)
	}
	s.closers = append(s.closers, port.Close)

	if args.CSPin == "" {
		return bme280.NewSPI(port, nil, args.deviceOpts())
	}
	pin := gpioreg.ByName(args.CSPin)
	if pin == nil {
		return nil, fmt.Errorf("unknown chip select pin %q", args.CSPin)
	}
	return bme280.NewSPI(port, pin, args.deviceOpts())
}

func setupSCDSensor(i2cBus i2c.BusCloser) (*scd4x.SCD4x, error) {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize SCD4x: %w", err)
	}

	slog.Info("initializing SCD4x")
	if err := sensor.StopMeasurements(); err != nil {
		return nil, fmt.Errorf("error while trying to stop periodic measurements: %w", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		return nil, fmt.Errorf("error while trying to start periodic measurements: %w", err)
	}
	return sensor, nil
}

// updateReading stores every sample from ch until ctx is done or the sensor
// fails, which closes ch.
func updateReading(ctx context.Context, ch <-chan physic.Env, store *readingStore, co2 func() (uint16, error), publish func(SensorReading)) error {
	for {
		var env physic.Env
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case env, ok = <-ch:
		}
		if !ok {
			return errors.New("sensor stopped sampling")
		}

		reading := readingFromEnv(env, time.Now())
		if co2 != nil {
			v, err := co2()
			if err != nil {
				slog.Warn("error while reading SCD4x data", "err", err)
			} else {
				reading.CO2 = &v
			}
		}
		slog.Debug("new reading", "temperature", reading.Temperature, "pressure", reading.Pressure, "humidity", reading.Humidity)

		store.Set(reading)
		if publish != nil {
			publish(reading)
		}
	}
}

func run(ctx context.Context, args *ProgramArgs) error {
	s, err := setupSensors(args)
	if err != nil {
		return err
	}
	defer s.close()

	if args.Once {
		m, err := s.bme.Measure()
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(readingFromEnv(m.Env(), time.Now()))
	}

	var co2 func() (uint16, error)
	if s.scd != nil {
		co2 = func() (uint16, error) {
			data, err := s.scd.ReadMeasurement()
			if err != nil {
				return 0, err
			}
			return data.CO2, nil
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	var publish func(SensorReading)
	if args.MQTTBroker != "" {
		client := mqtt.NewClient(mqtt.Config{
			Broker:    args.MQTTBroker,
			Port:      args.MQTTPort,
			ClientID:  args.MQTTClientID,
			StationID: args.StationID,
		}, slog.Default())
		defer client.Disconnect()

		g.Go(func() error {
			// Telemetry is optional; the sensor keeps being served without it.
			if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("mqtt connect failed", "err", err)
			}
			return nil
		})

		seq := 0
		publish = func(r SensorReading) {
			seq++
			if err := client.PublishTelemetry(r.telemetry(seq)); err != nil {
				slog.Warn("couldn't publish reading", "err", err)
			}
		}
	}

	// SenseContinuous will take one reading immediately before looping
	readingChannel, err := s.bme.SenseContinuous(time.Duration(args.Interval) * time.Second)
	if err != nil {
		return fmt.Errorf("couldn't start taking readings: %w", err)
	}

	store := &readingStore{}
	g.Go(func() error {
		return updateReading(ctx, readingChannel, store, co2, publish)
	})

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(args.Interval))

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      newRouter(store, s.bme),
	}

	g.Go(func() error {
		if args.Host == "0.0.0.0" {
			// resolve local IP for easier debugging
			if localIP, err := getOutboundIP(); err == nil {
				slog.Info("listening", "addr", fmt.Sprintf("%s:%d", localIP, args.Port))
			}
		} else {
			slog.Info("listening", "addr", addr)
		}

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		// Give the server a timeout period of 4 seconds
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	args := ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	if _, err := argParser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	level, err := logging.ParseLevel(args.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logging.New(os.Stderr, level, args.DevLog))

	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C) or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &args); err != nil {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown")
}
