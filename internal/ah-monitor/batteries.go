package monitor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/ahclient"
	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/TheCacophonyProject/ah-monitor/powersensor"
	"github.com/TheCacophonyProject/ah-monitor/telemetry"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

const ampHourResetEvent = "ampHourReset"

var ErrUnknownBattery = errors.New("unknown battery")

// addEvent is replaced in tests.
var addEvent = eventclient.AddEvent

type readingSource interface {
	Latest() (powersensor.Reading, bool)
	Errors() uint64
}

type battery struct {
	name     string
	path     string
	acc      *amphour.Accumulator
	readings readingSource
}

// batteries is the set of monitored batteries shared by the D-Bus service,
// the MQTT commands and the metrics collector.
type batteries struct {
	mu     sync.Mutex
	byName map[string]*battery
}

func newBatteries() *batteries {
	return &batteries{byName: map[string]*battery{}}
}

func (bs *batteries) add(b *battery) {
	bs.mu.Lock()
	bs.byName[b.name] = b
	bs.mu.Unlock()
}

func (bs *batteries) get(name string) (*battery, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownBattery, name)
	}
	return b, nil
}

func (bs *batteries) names() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	names := make([]string, 0, len(bs.byName))
	for name := range bs.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (bs *batteries) all() []*battery {
	var out []*battery
	for _, name := range bs.names() {
		b, err := bs.get(name)
		if err == nil {
			out = append(out, b)
		}
	}
	return out
}

func (bs *batteries) setAmpHours(name string, ah float64, source string) error {
	b, err := bs.get(name)
	if err != nil {
		return err
	}
	previous := b.acc.Accumulated()
	b.acc.SetAccumulated(ah)
	reportAmpHourReset(name, previous, b.acc.Accumulated(), source)
	return nil
}

func (bs *batteries) set(name string, set func(*amphour.Accumulator)) error {
	b, err := bs.get(name)
	if err != nil {
		return err
	}
	set(b.acc)
	return nil
}

func (bs *batteries) status(name string) (map[string]float64, error) {
	b, err := bs.get(name)
	if err != nil {
		return nil, err
	}
	snap := b.acc.Snapshot()
	status := map[string]float64{
		ahclient.KeyAmpHours:            snap.Accumulated,
		ahclient.KeyLastCurrent:         snap.LastCurrent,
		ahclient.KeyChargeEfficiency:    snap.ChargeEfficiency,
		ahclient.KeyDischargeEfficiency: snap.DischargeEfficiency,
		ahclient.KeyMarkedCapacity:      snap.MarkedCapacity,
		ahclient.KeyCurrentCapacity:     snap.CurrentCapacity,
		ahclient.KeyLastPersisted:       snap.LastPersisted,
	}
	if soc, ok := telemetry.StateOfCharge(snap); ok {
		status[ahclient.KeyStateOfCharge] = soc
	}
	if b.readings != nil {
		if r, ok := b.readings.Latest(); ok {
			status[ahclient.KeyVoltage] = r.Voltage
			status[ahclient.KeyPower] = r.Power
		}
	}
	return status, nil
}

func reportAmpHourReset(name string, previous, value float64, source string) {
	log.Infof("Amp hours for %s set from %.3f to %.3f (%s)", name, previous, value, source)
	err := addEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      ampHourResetEvent,
		Details: map[string]interface{}{
			"battery":  name,
			"previous": previous,
			"ampHours": value,
			"source":   source,
		},
	})
	if err != nil {
		log.Errorf("Failed to report %s event: %v", ampHourResetEvent, err)
	}
}
