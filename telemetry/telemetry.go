// Package telemetry publishes battery readings and amp-hour state over MQTT
// and applies remote set commands to the accumulators.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/TheCacophonyProject/ah-monitor/powersensor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const tokenTimeout = 5 * time.Second

// Path suffixes appended to a battery's base path.
const (
	VoltagePath       = "voltage"
	CurrentPath       = "current"
	PowerPath         = "power"
	AmpHoursPath      = "capacity.ampHours"
	StateOfChargePath = "capacity.stateOfCharge"
)

// Client is the part of mqtt.Client used by the reporter.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Accumulator is the part of *amphour.Accumulator used by the reporter.
type Accumulator interface {
	Snapshot() amphour.Snapshot
	SetAccumulated(ah float64)
	SetChargeEfficiency(pct float64)
	SetDischargeEfficiency(pct float64)
	SetMarkedCapacity(ah float64)
	SetCurrentCapacity(ah float64)
}

type ReadingSource interface {
	Latest() (powersensor.Reading, bool)
}

// Battery is one monitored battery. Readings may be nil.
type Battery struct {
	Name        string
	Path        string // e.g. "electrical.batteries.house"
	Accumulator Accumulator
	Readings    ReadingSource
}

// Value is the JSON payload of a published value.
type Value struct {
	Value       float64   `json:"value"`
	Units       string    `json:"units"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OverrideFunc is called after a remote command set the accumulated charge.
type OverrideFunc func(battery string, previous, value float64)

type Reporter struct {
	client   Client
	prefix   string
	qos      byte
	retained bool
	log      logrus.FieldLogger

	mu         sync.Mutex
	batteries  []*Battery
	onOverride OverrideFunc
}

func NewReporter(client Client, prefix string, qos byte, retained bool, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{
		client:   client,
		prefix:   strings.Trim(prefix, "/"),
		qos:      qos,
		retained: retained,
		log:      log,
	}
}

func (r *Reporter) Add(b *Battery) {
	r.mu.Lock()
	r.batteries = append(r.batteries, b)
	r.mu.Unlock()
}

func (r *Reporter) OnOverride(fn OverrideFunc) {
	r.mu.Lock()
	r.onOverride = fn
	r.mu.Unlock()
}

// Topic converts a dotted path into an MQTT topic under the prefix.
func (r *Reporter) Topic(path string) string {
	t := strings.ReplaceAll(path, ".", "/")
	if r.prefix == "" {
		return t
	}
	return r.prefix + "/" + t
}

// StateOfCharge is the accumulated charge as a ratio of the usable capacity,
// limited to [0, 1]. It reports false when the capacity is not set.
func StateOfCharge(s amphour.Snapshot) (float64, bool) {
	if s.CurrentCapacity <= 0 {
		return 0, false
	}
	soc := s.Accumulated / s.CurrentCapacity
	if soc < 0 {
		soc = 0
	} else if soc > 1 {
		soc = 1
	}
	return soc, true
}

// Publish samples every battery once and publishes its values. It carries on
// after a failed publish and returns the errors joined.
func (r *Reporter) Publish(now time.Time) error {
	r.mu.Lock()
	batteries := append([]*Battery(nil), r.batteries...)
	r.mu.Unlock()

	var errs []error
	for _, b := range batteries {
		for path, v := range r.values(b, now) {
			if err := r.publish(path, v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Reporter) values(b *Battery, now time.Time) map[string]Value {
	values := map[string]Value{}
	snap := b.Accumulator.Snapshot()
	values[b.Path+"."+AmpHoursPath] = Value{Value: snap.Accumulated, Units: "Ah", Description: "Ampere hours", Timestamp: now}
	if soc, ok := StateOfCharge(snap); ok {
		values[b.Path+"."+StateOfChargePath] = Value{Value: soc, Units: "ratio", Description: "State of Charge", Timestamp: now}
	}
	if b.Readings == nil {
		return values
	}
	if reading, ok := b.Readings.Latest(); ok {
		values[b.Path+"."+VoltagePath] = Value{Value: reading.Voltage, Units: "V", Description: "Voltage", Timestamp: reading.Time}
		values[b.Path+"."+CurrentPath] = Value{Value: reading.Current, Units: "A", Description: "Amps", Timestamp: reading.Time}
		values[b.Path+"."+PowerPath] = Value{Value: reading.Power, Units: "W", Description: "Power", Timestamp: reading.Time}
	}
	return values
}

func (r *Reporter) publish(path string, v Value) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	topic := r.Topic(path)
	token := r.client.Publish(topic, r.qos, r.retained, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Run publishes at the given interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.Publish(now); err != nil {
				r.log.Errorf("Error publishing telemetry: %v", err)
			}
		}
	}
}
