/*
ah-monitor - Amp-hour monitoring for battery powered devices
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/TheCacophonyProject/ah-monitor/kvstore"
	"github.com/TheCacophonyProject/ah-monitor/powersensor"
	"github.com/TheCacophonyProject/ah-monitor/telemetry"
	"github.com/alexflint/go-arg"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	log     = logrus.New()
	version = "<not set>"
)

type Args struct {
	Config     string `arg:"-c,--config" help:"Path to the config file"`
	LogLevel   string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
	Timestamps bool   `arg:"--timestamps" help:"Prefix log lines with the time"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	Config: DefaultConfigFile,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct {
	timestamps bool
}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	msg := fmt.Sprintf("[%s] %s", strings.ToUpper(entry.Level.String()), entry.Message)
	if battery, ok := entry.Data["battery"]; ok && battery != "" {
		msg = fmt.Sprintf("[%s] %v: %s", strings.ToUpper(entry.Level.String()), battery, entry.Message)
	}
	if f.timestamps {
		msg = entry.Time.Format("2006-01-02 15:04:05.000") + " " + msg
	}
	return []byte(msg + "\n"), nil
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log.SetFormatter(&customFormatter{timestamps: args.Timestamps})
	setLogLevel(args.LogLevel)

	log.Infof("Running version: %s", version)

	conf, err := LoadConfig(args.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runMonitor(ctx, conf)
}

func runMonitor(ctx context.Context, conf Config) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open(conf.Monitor.I2CBus)
	if err != nil {
		return fmt.Errorf("failed to open i2c bus %s: %w", conf.Monitor.I2CBus, err)
	}
	defer bus.Close()

	db, err := kvstore.Open(conf.Monitor.StoragePath)
	if err != nil {
		return err
	}
	defer db.Close()
	store := db.Namespace(conf.Monitor.Namespace)

	bs := newBatteries()
	var pollers []*powersensor.Poller
	for _, bc := range conf.Batteries {
		b, poller, err := openBattery(bus, store, bc, conf.Monitor)
		if err != nil {
			return err
		}
		bs.add(b)
		pollers = append(pollers, poller)
	}

	var client mqtt.Client
	defer func() {
		if client != nil {
			client.Disconnect(250)
		}
	}()
	return runBatteries(ctx, bs, pollers, func(ctx context.Context) error {
		if conf.MQTT.Enabled {
			var err error
			if client, err = startMQTT(ctx, conf, bs); err != nil {
				return err
			}
		}

		if conf.Metrics.Listen != "" {
			go func() {
				if err := serveMetrics(ctx, conf.Metrics.Listen, bs); err != nil {
					log.Errorf("Metrics server stopped: %v", err)
				}
			}()
		}

		log.Debug("Starting DBus service.")
		if err := startService(bs); err != nil {
			log.Errorf("Failed to start DBus service: %v", err)
		}
		return nil
	})
}

// runBatteries runs every accumulator and poller, then calls start. It
// returns once ctx is done, or straight away if start fails, and in both
// cases only after every accumulator has flushed its charge.
func runBatteries(ctx context.Context, bs *batteries, pollers []*powersensor.Poller, start func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, b := range bs.all() {
		wg.Add(1)
		go func(acc *amphour.Accumulator) {
			defer wg.Done()
			acc.Run(ctx)
		}(b.acc)
	}
	for _, p := range pollers {
		go p.Run(ctx)
	}

	err := start(ctx)
	if err == nil {
		<-ctx.Done()
	}
	log.Info("Shutting down, saving amp hours")
	cancel()
	wg.Wait()
	return err
}

func openBattery(bus i2c.Bus, store amphour.Store, bc Battery, m Monitor) (*battery, *powersensor.Poller, error) {
	opts := bc.accumulatorOptions(m)
	opts.Logger = log
	acc := amphour.New(store, opts)
	log.Infof("Battery %s starting at %.3f Ah", bc.Name, acc.Accumulated())

	sensor, err := powersensor.Open(bus, bc.sensorConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s sensor for battery %s: %w", bc.Sensor, bc.Name, err)
	}
	poller := powersensor.NewPoller(bc.Name, sensor, acc, m.ReadInterval, log)
	return &battery{
		name:     bc.Name,
		path:     bc.Path,
		acc:      acc,
		readings: poller,
	}, poller, nil
}

func startMQTT(ctx context.Context, conf Config, bs *batteries) (mqtt.Client, error) {
	var reporter *telemetry.Reporter
	opts := mqtt.NewClientOptions().
		AddBroker(conf.MQTT.Broker).
		SetClientID(conf.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Infof("Connected to MQTT broker %s", conf.MQTT.Broker)
			if err := reporter.Subscribe(); err != nil {
				log.Errorf("Failed to subscribe to commands: %v", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("Lost connection to MQTT broker: %v", err)
		})
	if conf.MQTT.Username != "" {
		opts.SetUsername(conf.MQTT.Username).SetPassword(conf.MQTT.Password)
	}

	client := mqtt.NewClient(opts)
	reporter = newReporter(client, conf.MQTT, bs)

	token := client.Connect()
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", conf.MQTT.Broker, token.Error())
	}
	go reporter.Run(ctx, conf.Monitor.ReportInterval)
	return client, nil
}

func newReporter(client telemetry.Client, conf MQTT, bs *batteries) *telemetry.Reporter {
	reporter := telemetry.NewReporter(client, conf.TopicPrefix, conf.QoS, conf.Retained, log)
	for _, b := range bs.all() {
		tb := &telemetry.Battery{Name: b.name, Path: b.path, Accumulator: b.acc}
		if b.readings != nil {
			tb.Readings = b.readings
		}
		reporter.Add(tb)
	}
	reporter.OnOverride(func(name string, previous, value float64) {
		reportAmpHourReset(name, previous, value, "mqtt")
	})
	return reporter
}
