// Package powersensor gives the supported I2C power monitors one interface
// and polls them, handing the current to an amp-hour accumulator.
package powersensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/ina226"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ina219"
	"periph.io/x/devices/v3/ina260"
)

const (
	TypeINA226 = "ina226"
	TypeINA219 = "ina219"
	TypeINA260 = "ina260"
)

// Reading is one measurement. Current is positive when charging.
type Reading struct {
	Voltage float64 // V
	Current float64 // A
	Power   float64 // W
	Time    time.Time
}

type Sensor interface {
	Sense() (Reading, error)
}

// Config describes a sensor on the bus. Fields not used by a sensor type are
// ignored.
type Config struct {
	Type         string
	Address      uint16
	ShuntOhms    float64
	CurrentLSBmA float64 // ina226
	Average      int     // ina226, samples per conversion
	MaxCurrent   float64 // ina219, A
	// Invert flips the sign of the current, for shunts wired so discharge
	// reads positive.
	Invert bool
}

// Open initialises the sensor described by cfg.
func Open(bus i2c.Bus, cfg Config) (Sensor, error) {
	var s Sensor
	var err error
	switch strings.ToLower(cfg.Type) {
	case TypeINA226, "":
		s, err = openINA226(bus, cfg)
	case TypeINA219:
		s, err = openINA219(bus, cfg)
	case TypeINA260:
		s = &ina260Sensor{dev: ina260.New(bus)}
	default:
		return nil, fmt.Errorf("unknown sensor type '%s'", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Invert {
		s = inverted{s}
	}
	return s, nil
}

type ina226Sensor struct {
	dev *ina226.Dev
}

func openINA226(bus i2c.Bus, cfg Config) (Sensor, error) {
	address := cfg.Address
	if address == 0 {
		address = ina226.DefaultAddress
	}
	dev := ina226.New(bus, address)
	if err := dev.Begin(); err != nil {
		return nil, err
	}
	if err := dev.Configure(cfg.ShuntOhms, cfg.CurrentLSBmA); err != nil {
		return nil, err
	}
	if cfg.Average > 0 {
		avg, err := ina226.AverageFromSamples(cfg.Average)
		if err != nil {
			return nil, err
		}
		if err := dev.SetAverage(avg); err != nil {
			return nil, err
		}
	}
	return &ina226Sensor{dev: dev}, nil
}

func (s *ina226Sensor) Sense() (Reading, error) {
	voltage, err := s.dev.BusVoltage()
	if err != nil {
		return Reading{}, err
	}
	current, err := s.dev.Current()
	if err != nil {
		return Reading{}, err
	}
	power, err := s.dev.Power()
	if err != nil {
		return Reading{}, err
	}
	return Reading{Voltage: voltage, Current: current, Power: power, Time: time.Now()}, nil
}

type ina219Sensor struct {
	dev *ina219.Dev
}

func openINA219(bus i2c.Bus, cfg Config) (Sensor, error) {
	opts := ina219.DefaultOpts
	if cfg.Address != 0 {
		opts.Address = int(cfg.Address)
	}
	if cfg.ShuntOhms > 0 {
		opts.SenseResistor = physic.ElectricResistance(cfg.ShuntOhms * float64(physic.Ohm))
	}
	if cfg.MaxCurrent > 0 {
		opts.MaxCurrent = physic.ElectricCurrent(cfg.MaxCurrent * float64(physic.Ampere))
	}
	dev, err := ina219.New(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ina219 at 0x%02X: %w", opts.Address, err)
	}
	return &ina219Sensor{dev: dev}, nil
}

func (s *ina219Sensor) Sense() (Reading, error) {
	p, err := s.dev.Sense()
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Voltage: float64(p.Voltage) / float64(physic.Volt),
		Current: float64(p.Current) / float64(physic.Ampere),
		Power:   float64(p.Power) / float64(physic.Watt),
		Time:    time.Now(),
	}, nil
}

type ina260Sensor struct {
	dev *ina260.Dev
}

func (s *ina260Sensor) Sense() (Reading, error) {
	f, err := s.dev.Read()
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Voltage: float64(f.Voltage),
		Current: float64(f.Current),
		Power:   float64(f.Power),
		Time:    time.Now(),
	}, nil
}

type inverted struct {
	Sensor
}

func (s inverted) Sense() (Reading, error) {
	r, err := s.Sensor.Sense()
	r.Current = -r.Current
	return r, err
}
