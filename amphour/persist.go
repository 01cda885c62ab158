package amphour

import (
	"context"
	"errors"
	"time"
)

var errPersistenceDisabled = errors.New("persistence disabled, no store or key")

// CheckPersist saves the accumulated charge when it is dirty, at least
// MinPersistInterval has passed since the last save and it has moved by at
// least MinPersistDelta. A smaller change just clears the dirty flag.
// Write failures are logged and retried on a later check.
func (a *Accumulator) CheckPersist(now time.Time) {
	if !a.persistenceEnabled() {
		return
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	if now.Sub(a.lastPersistTime) < a.opts.MinPersistInterval {
		a.mu.Unlock()
		return
	}
	if !a.exceedsDelta(a.accumulated - a.lastPersisted) {
		a.dirty = false
		a.mu.Unlock()
		return
	}
	v := a.accumulated
	a.mu.Unlock()

	a.writeCharge(now, v)
}

// Flush saves the accumulated charge regardless of the debounce thresholds.
// It is meant to be called on shutdown.
func (a *Accumulator) Flush() error {
	return a.persistCharge(a.now())
}

// persistCharge saves the current charge straight away. The charge is read
// after persistMu is taken so concurrent saves land in the store in the same
// order as the values they carry.
func (a *Accumulator) persistCharge(now time.Time) error {
	if !a.persistenceEnabled() {
		return errPersistenceDisabled
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	v := a.accumulated
	a.mu.Unlock()
	return a.writeCharge(now, v)
}

// writeCharge must be called with persistMu held and mu not held, so a slow
// store does not hold up integration. On success the bookkeeping is updated
// and the dirty flag is cleared only if the charge has not moved on past the
// threshold meanwhile.
func (a *Accumulator) writeCharge(now time.Time, v float64) error {
	err := a.store.SetFloat(a.storageKey(FieldAccumulatedCharge), v)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.persistFailures++
		a.log.Errorf("Failed to save accumulated charge %.4f Ah: %v", v, err)
		return err
	}
	a.persistWrites++
	a.lastPersisted = v
	a.lastPersistTime = now
	a.dirty = a.exceedsDelta(a.accumulated - v)
	a.log.Debugf("Saved accumulated charge %.4f Ah", v)
	return nil
}

// Run drives Integrate and CheckPersist from two tickers until ctx is done,
// then flushes the charge. Both ticks run from this one goroutine so each
// completes before the next starts.
func (a *Accumulator) Run(ctx context.Context) {
	integrateTicker := time.NewTicker(a.opts.IntegrationInterval)
	defer integrateTicker.Stop()
	persistTicker := time.NewTicker(a.opts.PersistCheckInterval)
	defer persistTicker.Stop()

	a.log.Debugf("Integrating every %s, checking persistence every %s",
		a.opts.IntegrationInterval, a.opts.PersistCheckInterval)
	for {
		select {
		case <-ctx.Done():
			a.Integrate(a.now())
			if err := a.Flush(); err != nil && !errors.Is(err, errPersistenceDisabled) {
				a.log.Errorf("Final save failed: %v", err)
			}
			return
		case <-integrateTicker.C:
			a.Integrate(a.now())
		case <-persistTicker.C:
			a.CheckPersist(a.now())
		}
	}
}
