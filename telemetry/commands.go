package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command path suffixes, appended to the amp-hours path of a battery.
const (
	SetAmpHoursCmd            = "set"
	SetChargeEfficiencyCmd    = "chargeEfficiency/set"
	SetDischargeEfficiencyCmd = "dischargeEfficiency/set"
	SetMarkedCapacityCmd      = "markedCapacity/set"
	SetCurrentCapacityCmd     = "currentCapacity/set"
)

var commands = []string{
	SetAmpHoursCmd,
	SetChargeEfficiencyCmd,
	SetDischargeEfficiencyCmd,
	SetMarkedCapacityCmd,
	SetCurrentCapacityCmd,
}

var errBadPayload = errors.New("payload is not a number")

// Subscribe listens for set commands for every battery added so far.
func (r *Reporter) Subscribe() error {
	r.mu.Lock()
	batteries := append([]*Battery(nil), r.batteries...)
	r.mu.Unlock()

	for _, b := range batteries {
		for _, cmd := range commands {
			topic := r.commandTopic(b, cmd)
			token := r.client.Subscribe(topic, r.qos, func(_ mqtt.Client, m mqtt.Message) {
				if err := r.HandleCommand(m.Topic(), m.Payload()); err != nil {
					r.log.Errorf("Ignoring command on %s: %v", m.Topic(), err)
				}
			})
			if !token.WaitTimeout(tokenTimeout) {
				return fmt.Errorf("timed out subscribing to %s", topic)
			}
			if err := token.Error(); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
			r.log.Debugf("Subscribed to %s", topic)
		}
	}
	return nil
}

func (r *Reporter) commandTopic(b *Battery, cmd string) string {
	return r.Topic(b.Path+"."+AmpHoursPath) + "/" + cmd
}

// HandleCommand applies the command published on topic.
func (r *Reporter) HandleCommand(topic string, payload []byte) error {
	value, err := parsePayload(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	batteries := append([]*Battery(nil), r.batteries...)
	onOverride := r.onOverride
	r.mu.Unlock()

	for _, b := range batteries {
		for _, cmd := range commands {
			if topic != r.commandTopic(b, cmd) {
				continue
			}
			r.log.Infof("Remote command %s for %s: %g", cmd, b.Name, value)
			switch cmd {
			case SetAmpHoursCmd:
				previous := b.Accumulator.Snapshot().Accumulated
				b.Accumulator.SetAccumulated(value)
				if onOverride != nil {
					onOverride(b.Name, previous, b.Accumulator.Snapshot().Accumulated)
				}
			case SetChargeEfficiencyCmd:
				b.Accumulator.SetChargeEfficiency(value)
			case SetDischargeEfficiencyCmd:
				b.Accumulator.SetDischargeEfficiency(value)
			case SetMarkedCapacityCmd:
				b.Accumulator.SetMarkedCapacity(value)
			case SetCurrentCapacityCmd:
				b.Accumulator.SetCurrentCapacity(value)
			}
			return nil
		}
	}
	return fmt.Errorf("no battery command for topic %s", topic)
}

// parsePayload accepts a bare number or a JSON object {"value": n}.
func parsePayload(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var body struct {
			Value *float64 `json:"value"`
		}
		if jsonErr := json.Unmarshal([]byte(s), &body); jsonErr != nil || body.Value == nil {
			return 0, fmt.Errorf("%w: %q", errBadPayload, s)
		}
		v = *body.Value
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", errBadPayload, s)
	}
	return v, nil
}
