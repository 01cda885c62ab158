package amphour

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPersisting(store Store, opts Options) *Accumulator {
	opts.Key = "house"
	if opts.Now == nil {
		opts.Now = fixedClock(startTime)
	}
	if opts.MinPersistInterval == 0 {
		opts.MinPersistInterval = 5 * time.Second
	}
	if opts.MinPersistDelta == 0 {
		opts.MinPersistDelta = 0.1
	}
	return New(store, opts)
}

func TestSmallDriftNeverPersists(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	// 0.09 Ah over 90 seconds, checking every second.
	a.UpdateSample(3.6)
	now := startTime
	for i := 0; i < 90; i++ {
		now = now.Add(time.Second)
		a.Integrate(now)
		a.CheckPersist(now)
	}
	assert.InDelta(t, 10.09, a.Accumulated(), 1e-9)
	assert.Equal(t, 0, store.chargeWrites())
}

func TestLargeStepPersistsOnce(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	// 0.5 Ah in one step after the minimum interval.
	a.UpdateSample(360)
	now := startTime.Add(5 * time.Second)
	a.Integrate(now)
	assert.True(t, a.Snapshot().Dirty)

	a.CheckPersist(now)
	a.CheckPersist(now.Add(10 * time.Second))

	assert.Equal(t, 1, store.chargeWrites())
	v, ok, err := store.GetFloat("house_" + FieldAccumulatedCharge)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10.5, v, 1e-9)

	s := a.Snapshot()
	assert.False(t, s.Dirty)
	assert.InDelta(t, 10.5, s.LastPersisted, 1e-9)
	assert.Equal(t, now, s.LastPersistTime)
	assert.Equal(t, uint64(1), s.PersistWrites)
}

func TestStepOfExactlyMinimumDeltaPersists(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	// 360 A for one second is 0.1 Ah, the minimum delta. In float64
	// 10.1 - 10 is fractionally less than 0.1.
	a.UpdateSample(360)
	a.Integrate(startTime.Add(time.Second))
	a.UpdateSample(0)
	assert.True(t, a.Snapshot().Dirty)

	now := startTime.Add(5 * time.Second)
	a.Integrate(now)
	a.CheckPersist(now)
	a.CheckPersist(now.Add(10 * time.Second))

	assert.Equal(t, 1, store.chargeWrites())
	v, ok, err := store.GetFloat("house_" + FieldAccumulatedCharge)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10.1, v, 1e-9)
	assert.False(t, a.Snapshot().Dirty)
}

func TestConcurrentSetsLeaveLatestValueStored(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10, PersistOnSet: true})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.SetChargeEfficiency(float64(50 + i))
			a.SetAccumulated(float64(i))
			a.CheckPersist(startTime.Add(time.Minute))
		}(i)
	}
	wg.Wait()

	eff, ok, err := store.GetFloat("house_" + FieldChargeEfficiency)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ChargeEfficiency(), eff)

	charge, ok, err := store.GetFloat("house_" + FieldAccumulatedCharge)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Accumulated(), charge)
}

func TestPersistWaitsForMinimumInterval(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	a.UpdateSample(720)
	now := startTime.Add(time.Second)
	a.Integrate(now)

	a.CheckPersist(now)
	a.CheckPersist(startTime.Add(4 * time.Second))
	assert.Equal(t, 0, store.chargeWrites())

	a.CheckPersist(startTime.Add(5 * time.Second))
	assert.Equal(t, 1, store.chargeWrites())
}

func TestDirtyClearedWhenChangeTooSmall(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	// An explicit set always marks dirty, even for a tiny change.
	a.SetAccumulated(10.01)
	require.True(t, a.Snapshot().Dirty)

	a.CheckPersist(startTime.Add(time.Minute))
	assert.False(t, a.Snapshot().Dirty)
	assert.Equal(t, 0, store.chargeWrites())
}

func TestSetAccumulatedDefersToDebounce(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	a.SetAccumulated(50)
	assert.Equal(t, 0, store.chargeWrites())

	a.CheckPersist(startTime.Add(5 * time.Second))
	assert.Equal(t, 1, store.chargeWrites())
	assert.Equal(t, 50.0, store.values["house_"+FieldAccumulatedCharge])
}

func TestPersistOnSetWritesImmediately(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10, PersistOnSet: true})

	a.SetAccumulated(50)
	assert.Equal(t, 1, store.chargeWrites())
	assert.Equal(t, 50.0, store.values["house_"+FieldAccumulatedCharge])
	assert.False(t, a.Snapshot().Dirty)
}

func TestParameterSettersPersistImmediately(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{})

	a.SetChargeEfficiency(95)
	a.SetDischargeEfficiency(85)
	a.SetMarkedCapacity(120)
	a.SetCurrentCapacity(100)

	assert.Equal(t, map[string]float64{
		"house_charge_efficiency":    95,
		"house_discharge_efficiency": 85,
		"house_marked_capacity":      120,
		"house_current_capacity":     100,
	}, store.values)
}

func TestFailedWriteIsRetried(t *testing.T) {
	store := newMemStore()
	store.fail = true
	a := newPersisting(store, Options{InitialAh: 10})

	a.UpdateSample(360)
	now := startTime.Add(5 * time.Second)
	a.Integrate(now)
	a.CheckPersist(now)

	s := a.Snapshot()
	assert.True(t, s.Dirty)
	assert.Equal(t, 10.0, s.LastPersisted)
	assert.Equal(t, startTime, s.LastPersistTime)
	assert.Equal(t, uint64(1), s.PersistFailures)
	assert.InDelta(t, 10.5, a.Accumulated(), 1e-9)

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	a.CheckPersist(now.Add(time.Second))

	s = a.Snapshot()
	assert.False(t, s.Dirty)
	assert.InDelta(t, 10.5, s.LastPersisted, 1e-9)
	assert.Equal(t, 1, store.chargeWrites())
}

func TestNoKeyDisablesPersistence(t *testing.T) {
	store := newMemStore()
	a := New(store, Options{InitialAh: 10, MinPersistDelta: 0.1, Now: fixedClock(startTime)})

	a.SetAccumulated(80)
	a.SetChargeEfficiency(90)
	a.CheckPersist(startTime.Add(time.Hour))

	assert.Empty(t, store.values)
	assert.Error(t, a.Flush())
}

func TestFlushIgnoresThresholds(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10})

	a.UpdateSample(1)
	a.Integrate(startTime.Add(time.Second))
	require.NoError(t, a.Flush())

	assert.Equal(t, 1, store.chargeWrites())
	assert.InDelta(t, 10+1.0/3600, store.values["house_"+FieldAccumulatedCharge], 1e-12)
}

func TestRoundTripPersistence(t *testing.T) {
	store := newMemStore()
	a := newPersisting(store, Options{InitialAh: 10, CurrentCapacity: 200})

	a.SetChargeEfficiency(97)
	a.SetDischargeEfficiency(91)
	a.SetMarkedCapacity(150)
	a.SetCurrentCapacity(140)
	a.SetAccumulated(123.4)
	a.CheckPersist(startTime.Add(time.Minute))

	b := newPersisting(store, Options{
		InitialAh:           1,
		CurrentCapacity:     5,
		MarkedCapacity:      5,
		ChargeEfficiency:    pct(50),
		DischargeEfficiency: pct(50),
	})
	assert.Equal(t, 123.4, b.Accumulated())
	assert.Equal(t, 97.0, b.ChargeEfficiency())
	assert.Equal(t, 91.0, b.DischargeEfficiency())
	assert.Equal(t, 150.0, b.MarkedCapacity())
	assert.Equal(t, 140.0, b.CurrentCapacity())
	assert.False(t, b.Snapshot().Dirty)
}

func TestMissingKeysUseDefaults(t *testing.T) {
	store := newMemStore()
	store.values["house_"+FieldChargeEfficiency] = 93

	a := newPersisting(store, Options{InitialAh: 33, CurrentCapacity: 100})
	assert.Equal(t, 33.0, a.Accumulated())
	assert.Equal(t, 93.0, a.ChargeEfficiency())
	assert.Equal(t, 100.0, a.DischargeEfficiency())
	assert.Equal(t, 100.0, a.CurrentCapacity())
}

type lockedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *lockedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *lockedClock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRunFlushesOnCancel(t *testing.T) {
	store := newMemStore()
	clock := &lockedClock{t: startTime}
	a := newPersisting(store, Options{
		InitialAh:            10,
		Now:                  clock.now,
		IntegrationInterval:  time.Millisecond,
		PersistCheckInterval: time.Hour,
	})
	a.UpdateSample(-36)
	clock.add(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, store.chargeWrites())
	assert.InDelta(t, 9.4, store.values["house_"+FieldAccumulatedCharge], 1e-9)
}
