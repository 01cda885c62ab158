package amphour

import (
	"math"
	"time"
)

// Integrate advances the accumulated charge by the latest current sample
// over the time elapsed since the previous call (or since New for the first
// call). A zero or negative elapsed time adds nothing.
func (a *Accumulator) Integrate(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dt := now.Sub(a.lastUpdate)
	a.lastUpdate = now
	if dt <= 0 {
		return
	}

	delta := a.lastCurrent * dt.Hours() * a.efficiencyFactor()
	a.accumulated = a.clampCharge(a.accumulated + delta)

	if a.exceedsDelta(a.accumulated - a.lastPersisted) {
		a.dirty = true
	}
}

// deltaTolerance is the relative slack allowed when comparing a change with
// MinPersistDelta. 10 + 0.1 - 10 comes out just under 0.1 in float64.
const deltaTolerance = 1e-9

// exceedsDelta reports whether a change of diff Ah reaches MinPersistDelta.
func (a *Accumulator) exceedsDelta(diff float64) bool {
	return math.Abs(diff) >= a.opts.MinPersistDelta*(1-deltaTolerance)
}

// efficiencyFactor must be called with mu held. A zero current counts as
// discharging, it contributes no charge either way.
func (a *Accumulator) efficiencyFactor() float64 {
	if a.lastCurrent > 0 {
		return a.chargeEfficiency / 100
	}
	return a.dischargeEfficiency / 100
}
