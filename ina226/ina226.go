// Package ina226 reads current, voltage and power from a Texas Instruments
// INA226 shunt monitor over I2C.
//
// Datasheet: https://www.ti.com/lit/ds/symlink/ina226.pdf
package ina226

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
)

type Register uint8

const (
	configReg       Register = 0x00
	shuntVoltageReg Register = 0x01
	busVoltageReg   Register = 0x02
	powerReg        Register = 0x03
	currentReg      Register = 0x04
	calibrationReg  Register = 0x05
	manufacturerReg Register = 0xFE
	dieIDReg        Register = 0xFF
)

const (
	DefaultAddress = 0x40

	manufacturerID = 0x5449 // "TI"
	resetBit       = 1 << 15
	averageMask    = 0x0E00
	averageShift   = 9

	busVoltageLSB   = 1.25e-3 // V
	shuntVoltageLSB = 2.5e-6  // V
	powerLSBFactor  = 25
	calibrationK    = 0.00512
	maxCalibration  = 0x7FFF
	maxShuntVoltage = 0.08192 // V
)

// Average is the number of samples averaged per conversion (config bits 11:9).
type Average uint8

const (
	Average1 Average = iota
	Average4
	Average16
	Average64
	Average128
	Average256
	Average512
	Average1024
)

var averageSamples = []int{1, 4, 16, 64, 128, 256, 512, 1024}

// AverageFromSamples returns the Average setting for n samples.
func AverageFromSamples(n int) (Average, error) {
	for i, s := range averageSamples {
		if s == n {
			return Average(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported sample count %d, must be one of %v", n, averageSamples)
}

func (a Average) Samples() int {
	if int(a) >= len(averageSamples) {
		return 0
	}
	return averageSamples[a]
}

var ErrNotConfigured = errors.New("ina226 not configured, call Configure first")

// Dev is a handle to one INA226.
type Dev struct {
	mu         sync.Mutex
	dev        *i2c.Dev
	currentLSB float64 // A per bit
	shuntOhms  float64
}

func New(bus i2c.Bus, address uint16) *Dev {
	return &Dev{dev: &i2c.Dev{Bus: bus, Addr: address}}
}

func (d *Dev) String() string {
	return fmt.Sprintf("INA226{0x%02X}", d.dev.Addr)
}

// Begin checks that an INA226 answers at the address.
func (d *Dev) Begin() error {
	id, err := d.readRegister(manufacturerReg)
	if err != nil {
		return fmt.Errorf("failed to read manufacturer ID from %s: %w", d, err)
	}
	if id != manufacturerID {
		return fmt.Errorf("unexpected manufacturer ID 0x%04X from %s", id, d)
	}
	return nil
}

// DieID returns the die ID register, 0x2260 for the INA226 revision A.
func (d *Dev) DieID() (uint16, error) {
	return d.readRegister(dieIDReg)
}

// Configure sets the shunt resistance and the current resolution and writes
// the matching calibration register.
func (d *Dev) Configure(shuntOhms, currentLSBmA float64) error {
	if shuntOhms <= 0 {
		return fmt.Errorf("shunt resistance must be positive, got %g", shuntOhms)
	}
	if currentLSBmA <= 0 {
		return fmt.Errorf("current LSB must be positive, got %g", currentLSBmA)
	}
	lsb := currentLSBmA / 1000
	cal := calibrationK / (lsb * shuntOhms)
	if cal < 1 || cal > maxCalibration {
		return fmt.Errorf("calibration value %.0f out of range for shunt %g ohm and LSB %g mA", cal, shuntOhms, currentLSBmA)
	}
	if err := d.writeRegister(calibrationReg, uint16(cal)); err != nil {
		return err
	}
	d.mu.Lock()
	d.currentLSB = lsb
	d.shuntOhms = shuntOhms
	d.mu.Unlock()
	return nil
}

// MaxCurrent is the largest current the shunt can measure, in amps.
func (d *Dev) MaxCurrent() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuntOhms == 0 {
		return 0
	}
	return maxShuntVoltage / d.shuntOhms
}

func (d *Dev) SetAverage(avg Average) error {
	if int(avg) >= len(averageSamples) {
		return fmt.Errorf("invalid average setting %d", avg)
	}
	config, err := d.readRegister(configReg)
	if err != nil {
		return err
	}
	config = config&^averageMask | uint16(avg)<<averageShift
	return d.writeRegister(configReg, config)
}

// Reset restores the power on defaults, including the calibration.
func (d *Dev) Reset() error {
	if err := d.writeRegister(configReg, resetBit); err != nil {
		return err
	}
	d.mu.Lock()
	d.currentLSB = 0
	d.shuntOhms = 0
	d.mu.Unlock()
	return nil
}

// BusVoltage returns the bus voltage in volts.
func (d *Dev) BusVoltage() (float64, error) {
	raw, err := d.readRegister(busVoltageReg)
	if err != nil {
		return 0, err
	}
	return float64(raw) * busVoltageLSB, nil
}

// ShuntVoltage returns the voltage across the shunt in volts.
func (d *Dev) ShuntVoltage() (float64, error) {
	raw, err := d.readRegister(shuntVoltageReg)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)) * shuntVoltageLSB, nil
}

// Current returns the current in amps. Positive is current flowing from
// IN+ to IN-.
func (d *Dev) Current() (float64, error) {
	lsb, err := d.lsb()
	if err != nil {
		return 0, err
	}
	raw, err := d.readRegister(currentReg)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)) * lsb, nil
}

// Power returns the power in watts.
func (d *Dev) Power() (float64, error) {
	lsb, err := d.lsb()
	if err != nil {
		return 0, err
	}
	raw, err := d.readRegister(powerReg)
	if err != nil {
		return 0, err
	}
	return float64(raw) * lsb * powerLSBFactor, nil
}

func (d *Dev) lsb() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentLSB == 0 {
		return 0, ErrNotConfigured
	}
	return d.currentLSB, nil
}

func (d *Dev) readRegister(reg Register) (uint16, error) {
	data := make([]byte, 2)
	if err := d.dev.Tx([]byte{byte(reg)}, data); err != nil {
		return 0, fmt.Errorf("failed to read register 0x%02X: %w", reg, err)
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

func (d *Dev) writeRegister(reg Register, val uint16) error {
	if _, err := d.dev.Write([]byte{byte(reg), byte(val >> 8), byte(val)}); err != nil {
		return fmt.Errorf("failed to write register 0x%02X: %w", reg, err)
	}
	return nil
}
