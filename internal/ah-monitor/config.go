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
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/TheCacophonyProject/ah-monitor/powersensor"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/cacophony/ah-monitor.toml"
	defaultPathPrefix = "electrical.batteries."
)

type Config struct {
	Monitor   Monitor   `mapstructure:"ah-monitor"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Batteries []Battery `mapstructure:"battery"`
}

type Monitor struct {
	I2CBus               string        `mapstructure:"i2c-bus"`
	StoragePath          string        `mapstructure:"storage-path"`
	Namespace            string        `mapstructure:"namespace"`
	ReadInterval         time.Duration `mapstructure:"read-interval"`
	ReportInterval       time.Duration `mapstructure:"report-interval"`
	IntegrationInterval  time.Duration `mapstructure:"integration-interval"`
	PersistCheckInterval time.Duration `mapstructure:"persist-check-interval"`
	MinPersistInterval   time.Duration `mapstructure:"min-persist-interval"`
	MinPersistDelta      float64       `mapstructure:"min-persist-delta"`
	PersistOnSet         bool          `mapstructure:"persist-on-set"`
}

type MQTT struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client-id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic-prefix"`
	QoS         byte   `mapstructure:"qos"`
	Retained    bool   `mapstructure:"retained"`
}

type Metrics struct {
	Listen string `mapstructure:"listen"` // empty disables the metrics endpoint
}

type Battery struct {
	Name         string  `mapstructure:"name"`
	Sensor       string  `mapstructure:"sensor"`
	Address      uint16  `mapstructure:"address"`
	ShuntOhms    float64 `mapstructure:"shunt-ohms"`
	CurrentLSBmA float64 `mapstructure:"current-lsb-ma"`
	Average      int     `mapstructure:"average"`
	MaxCurrent   float64 `mapstructure:"max-current"`
	Invert       bool    `mapstructure:"invert"`
	Path         string  `mapstructure:"path"`

	InitialAh           float64  `mapstructure:"initial-ah"`
	CapacityAh          float64  `mapstructure:"capacity-ah"`
	MarkedCapacityAh    float64  `mapstructure:"marked-capacity-ah"`
	ChargeEfficiency    *float64 `mapstructure:"charge-efficiency"`
	DischargeEfficiency *float64 `mapstructure:"discharge-efficiency"`
}

func DefaultConfig() Config {
	return Config{
		Monitor: Monitor{
			I2CBus:               "/dev/i2c-1",
			StoragePath:          "/var/lib/ah-monitor/ah-monitor.db",
			Namespace:            "amphour",
			ReadInterval:         time.Second,
			ReportInterval:       time.Second,
			IntegrationInterval:  amphour.DefaultIntegrationInterval,
			PersistCheckInterval: amphour.DefaultPersistCheckInterval,
			MinPersistInterval:   amphour.DefaultMinPersistInterval,
			MinPersistDelta:      amphour.DefaultMinPersistDelta,
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			ClientID:    "ah-monitor",
			TopicPrefix: "vessels/self",
		},
	}
}

// DefaultBattery holds the values used for fields a [[battery]] entry leaves
// unset. They match a 75 mV / 10 A shunt on an INA226.
func DefaultBattery() Battery {
	return Battery{
		Sensor:       powersensor.TypeINA226,
		Address:      0x40,
		ShuntOhms:    0.0075,
		CurrentLSBmA: 0.25,
		Average:      16,
	}
}

// LoadConfig reads the TOML file at path over the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	conf := DefaultConfig()
	if err := v.Unmarshal(&conf); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for i := range conf.Batteries {
		conf.Batteries[i] = withBatteryDefaults(conf.Batteries[i])
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func withBatteryDefaults(b Battery) Battery {
	d := DefaultBattery()
	if b.Sensor == "" {
		b.Sensor = d.Sensor
	}
	if b.Address == 0 {
		b.Address = d.Address
	}
	if b.ShuntOhms == 0 {
		b.ShuntOhms = d.ShuntOhms
	}
	if b.CurrentLSBmA == 0 {
		b.CurrentLSBmA = d.CurrentLSBmA
	}
	if b.Average == 0 {
		b.Average = d.Average
	}
	if b.Path == "" {
		b.Path = defaultPathPrefix + b.Name
	}
	return b
}

func (c Config) Validate() error {
	if len(c.Batteries) == 0 {
		return errors.New("no batteries configured")
	}
	m := c.Monitor
	for name, d := range map[string]time.Duration{
		"read-interval":          m.ReadInterval,
		"report-interval":        m.ReportInterval,
		"integration-interval":   m.IntegrationInterval,
		"persist-check-interval": m.PersistCheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if m.MinPersistInterval <= 0 {
		return fmt.Errorf("min-persist-interval must be positive, got %s", m.MinPersistInterval)
	}
	if m.MinPersistDelta <= 0 {
		return fmt.Errorf("min-persist-delta must be positive, got %g", m.MinPersistDelta)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}

	names := map[string]bool{}
	for _, b := range c.Batteries {
		if b.Name == "" {
			return errors.New("battery with no name")
		}
		if names[b.Name] {
			return fmt.Errorf("battery '%s' configured twice", b.Name)
		}
		names[b.Name] = true
		switch b.Sensor {
		case powersensor.TypeINA226, powersensor.TypeINA219, powersensor.TypeINA260:
		default:
			return fmt.Errorf("battery '%s' has unknown sensor type '%s'", b.Name, b.Sensor)
		}
		if b.CapacityAh < 0 || b.MarkedCapacityAh < 0 {
			return fmt.Errorf("battery '%s' capacity can't be negative", b.Name)
		}
	}
	return nil
}

func (b Battery) sensorConfig() powersensor.Config {
	return powersensor.Config{
		Type:         b.Sensor,
		Address:      b.Address,
		ShuntOhms:    b.ShuntOhms,
		CurrentLSBmA: b.CurrentLSBmA,
		Average:      b.Average,
		MaxCurrent:   b.MaxCurrent,
		Invert:       b.Invert,
	}
}

func (b Battery) accumulatorOptions(m Monitor) amphour.Options {
	return amphour.Options{
		Key:                  b.Name,
		InitialAh:            b.InitialAh,
		CurrentCapacity:      b.CapacityAh,
		MarkedCapacity:       b.MarkedCapacityAh,
		ChargeEfficiency:     b.ChargeEfficiency,
		DischargeEfficiency:  b.DischargeEfficiency,
		MinPersistInterval:   m.MinPersistInterval,
		MinPersistDelta:      m.MinPersistDelta,
		PersistOnSet:         m.PersistOnSet,
		IntegrationInterval:  m.IntegrationInterval,
		PersistCheckInterval: m.PersistCheckInterval,
	}
}
