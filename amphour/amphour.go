/*
ah-monitor - Amp-hour monitoring for batteries on I2C power sensors.
Copyright (C) 2025, The Cacophony Project

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

// Package amphour integrates a battery current into accumulated charge (Ah).
//
// An Accumulator keeps the latest current sample, advances the charge on a
// fixed rate integration tick and saves the charge to a Store when it has
// drifted far enough from the last saved value.
package amphour

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultIntegrationInterval  = 10 * time.Millisecond
	DefaultPersistCheckInterval = time.Second
	DefaultMinPersistInterval   = 5 * time.Second
	DefaultMinPersistDelta      = 0.01

	MinCapacity   = 0.1
	MaxCapacity   = 10000.0
	MinEfficiency = 0.0
	MaxEfficiency = 100.0
)

// Field suffixes used for the storage keys, stored as "<key>_<field>".
const (
	FieldAccumulatedCharge   = "accumulated_charge"
	FieldMarkedCapacity      = "marked_capacity"
	FieldCurrentCapacity     = "current_capacity"
	FieldChargeEfficiency    = "charge_efficiency"
	FieldDischargeEfficiency = "discharge_efficiency"
)

// Store is the durable storage used to persist accumulator state.
// GetFloat reports false when the key has never been written.
type Store interface {
	GetFloat(key string) (float64, bool, error)
	SetFloat(key string, v float64) error
}

// Options configures a new Accumulator. Zero values fall back to defaults,
// except CurrentCapacity where 0 disables clamping.
type Options struct {
	Key string // Storage identifier, persistence is disabled when empty.

	InitialAh           float64
	CurrentCapacity     float64
	MarkedCapacity      float64
	ChargeEfficiency    *float64 // Percent, nil means 100.
	DischargeEfficiency *float64 // Percent, nil means 100.

	MinPersistInterval time.Duration
	MinPersistDelta    float64
	// PersistOnSet writes the charge straight away after SetAccumulated
	// instead of waiting for the next persistence check.
	PersistOnSet bool

	IntegrationInterval  time.Duration
	PersistCheckInterval time.Duration

	Now    func() time.Time
	Logger logrus.FieldLogger
}

// Accumulator is a coulomb counter for a single battery.
type Accumulator struct {
	mu sync.Mutex

	accumulated         float64
	lastCurrent         float64
	chargeEfficiency    float64
	dischargeEfficiency float64
	markedCapacity      float64
	currentCapacity     float64
	lastUpdate          time.Time

	dirty           bool
	lastPersisted   float64
	lastPersistTime time.Time
	persistWrites   uint64
	persistFailures uint64

	// persistMu serialises storage writes, which happen without holding mu.
	persistMu sync.Mutex

	store Store
	opts  Options
	now   func() time.Time
	log   logrus.FieldLogger
}

// Snapshot is a consistent copy of the accumulator state.
type Snapshot struct {
	Key                 string
	Accumulated         float64
	LastCurrent         float64
	ChargeEfficiency    float64
	DischargeEfficiency float64
	MarkedCapacity      float64
	CurrentCapacity     float64
	LastUpdate          time.Time
	Dirty               bool
	LastPersisted       float64
	LastPersistTime     time.Time
	PersistWrites       uint64
	PersistFailures     uint64
}

// New creates an accumulator and loads any previously persisted values for
// opts.Key from store. Persisted values override the ones given in opts.
// store may be nil, in which case nothing is loaded or saved.
func New(store Store, opts Options) *Accumulator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinPersistInterval <= 0 {
		opts.MinPersistInterval = DefaultMinPersistInterval
	}
	if opts.MinPersistDelta <= 0 {
		opts.MinPersistDelta = DefaultMinPersistDelta
	}
	if opts.IntegrationInterval <= 0 {
		opts.IntegrationInterval = DefaultIntegrationInterval
	}
	if opts.PersistCheckInterval <= 0 {
		opts.PersistCheckInterval = DefaultPersistCheckInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	a := &Accumulator{
		accumulated:         opts.InitialAh,
		chargeEfficiency:    MaxEfficiency,
		dischargeEfficiency: MaxEfficiency,
		markedCapacity:      opts.MarkedCapacity,
		currentCapacity:     opts.CurrentCapacity,
		store:               store,
		opts:                opts,
		now:                 opts.Now,
		log:                 logger.WithField("battery", opts.Key),
	}
	if opts.ChargeEfficiency != nil {
		a.chargeEfficiency = clamp(*opts.ChargeEfficiency, MinEfficiency, MaxEfficiency)
	}
	if opts.DischargeEfficiency != nil {
		a.dischargeEfficiency = clamp(*opts.DischargeEfficiency, MinEfficiency, MaxEfficiency)
	}

	a.load()
	a.accumulated = a.clampCharge(a.accumulated)

	start := a.now()
	a.lastUpdate = start
	a.lastPersistTime = start
	a.lastPersisted = a.accumulated
	return a
}

func (a *Accumulator) load() {
	if !a.persistenceEnabled() {
		return
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{FieldAccumulatedCharge, &a.accumulated},
		{FieldMarkedCapacity, &a.markedCapacity},
		{FieldCurrentCapacity, &a.currentCapacity},
		{FieldChargeEfficiency, &a.chargeEfficiency},
		{FieldDischargeEfficiency, &a.dischargeEfficiency},
	}
	for _, f := range fields {
		v, ok, err := a.store.GetFloat(a.storageKey(f.name))
		if err != nil {
			a.log.Warnf("Could not load %s, using default: %v", f.name, err)
			continue
		}
		if !ok {
			continue
		}
		*f.dst = v
		a.log.Debugf("Loaded %s = %g", f.name, v)
	}
}

// UpdateSample records the latest current reading in amperes. Positive is
// charging. The charge is only advanced by Integrate.
func (a *Accumulator) UpdateSample(current float64) {
	a.mu.Lock()
	a.lastCurrent = current
	a.mu.Unlock()
}

// Accumulated returns the accumulated charge in Ah.
func (a *Accumulator) Accumulated() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accumulated
}

func (a *Accumulator) LastCurrent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCurrent
}

func (a *Accumulator) ChargeEfficiency() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chargeEfficiency
}

func (a *Accumulator) DischargeEfficiency() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dischargeEfficiency
}

func (a *Accumulator) CurrentCapacity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentCapacity
}

func (a *Accumulator) MarkedCapacity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markedCapacity
}

// Key returns the storage identifier of the accumulator.
func (a *Accumulator) Key() string {
	return a.opts.Key
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Key:                 a.opts.Key,
		Accumulated:         a.accumulated,
		LastCurrent:         a.lastCurrent,
		ChargeEfficiency:    a.chargeEfficiency,
		DischargeEfficiency: a.dischargeEfficiency,
		MarkedCapacity:      a.markedCapacity,
		CurrentCapacity:     a.currentCapacity,
		LastUpdate:          a.lastUpdate,
		Dirty:               a.dirty,
		LastPersisted:       a.lastPersisted,
		LastPersistTime:     a.lastPersistTime,
		PersistWrites:       a.persistWrites,
		PersistFailures:     a.persistFailures,
	}
}

// SetAccumulated overrides the accumulated charge, for a reset or a
// calibration. The value is clamped to the current capacity when set.
func (a *Accumulator) SetAccumulated(ah float64) {
	a.mu.Lock()
	a.accumulated = a.clampCharge(ah)
	a.dirty = true
	v := a.accumulated
	a.mu.Unlock()

	a.log.Infof("Accumulated charge set to %.3f Ah", v)
	if a.opts.PersistOnSet {
		a.persistCharge(a.now())
	}
}

// SetChargeEfficiency sets the efficiency applied while charging. The value
// is clamped to [0, 100] and saved straight away.
func (a *Accumulator) SetChargeEfficiency(pct float64) {
	a.setParam(FieldChargeEfficiency, &a.chargeEfficiency, clamp(pct, MinEfficiency, MaxEfficiency))
}

// SetDischargeEfficiency sets the efficiency applied while discharging. The
// value is clamped to [0, 100] and saved straight away.
func (a *Accumulator) SetDischargeEfficiency(pct float64) {
	a.setParam(FieldDischargeEfficiency, &a.dischargeEfficiency, clamp(pct, MinEfficiency, MaxEfficiency))
}

// SetMarkedCapacity sets the nameplate capacity, clamped to [0.1, 10000] Ah.
func (a *Accumulator) SetMarkedCapacity(ah float64) {
	a.setParam(FieldMarkedCapacity, &a.markedCapacity, clamp(ah, MinCapacity, MaxCapacity))
}

// SetCurrentCapacity sets the usable capacity used for clamping, limited to
// [0.1, 10000] Ah. The accumulated charge is clamped to the new capacity.
func (a *Accumulator) SetCurrentCapacity(ah float64) {
	a.setParam(FieldCurrentCapacity, &a.currentCapacity, clamp(ah, MinCapacity, MaxCapacity))

	a.mu.Lock()
	clamped := a.clampCharge(a.accumulated)
	if clamped != a.accumulated {
		a.accumulated = clamped
		a.dirty = true
	}
	a.mu.Unlock()
}

// setParam holds persistMu across the update and the write so the stored
// value always matches the last one set.
func (a *Accumulator) setParam(field string, dst *float64, v float64) {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	*dst = v
	a.mu.Unlock()

	a.log.Infof("%s set to %g", field, v)
	if !a.persistenceEnabled() {
		return
	}
	if err := a.store.SetFloat(a.storageKey(field), v); err != nil {
		a.log.Errorf("Failed to save %s: %v", field, err)
	}
}

func (a *Accumulator) persistenceEnabled() bool {
	return a.store != nil && a.opts.Key != ""
}

func (a *Accumulator) storageKey(field string) string {
	return a.opts.Key + "_" + field
}

// clampCharge must be called with mu held.
func (a *Accumulator) clampCharge(ah float64) float64 {
	if a.currentCapacity > 0 {
		return clamp(ah, 0, a.currentCapacity)
	}
	return ah
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
