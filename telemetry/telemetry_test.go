package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/TheCacophonyProject/ah-monitor/powersensor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	mu         sync.Mutex
	published  map[string][]byte
	handlers   map[string]mqtt.MessageHandler
	publishErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: map[string][]byte{},
		handlers:  map[string]mqtt.MessageHandler{},
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &doneToken{err: c.publishErr}
	}
	c.published[topic] = payload.([]byte)
	return &doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &doneToken{}
}

func (c *fakeClient) value(t *testing.T, topic string) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.published[topic]
	require.True(t, ok, "nothing published to %s", topic)
	var v Value
	require.NoError(t, json.Unmarshal(payload, &v))
	return v
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type fixedReading struct {
	reading powersensor.Reading
	ok      bool
}

func (f fixedReading) Latest() (powersensor.Reading, bool) { return f.reading, f.ok }

func newBattery(ah, capacity float64) *Battery {
	acc := amphour.New(nil, amphour.Options{InitialAh: ah, CurrentCapacity: capacity})
	return &Battery{Name: "house", Path: "electrical.batteries.house", Accumulator: acc}
}

func TestTopic(t *testing.T) {
	r := NewReporter(newFakeClient(), "/vessels/self/", 0, false, nil)
	assert.Equal(t, "vessels/self/electrical/batteries/house/capacity/ampHours",
		r.Topic("electrical.batteries.house.capacity.ampHours"))

	r = NewReporter(newFakeClient(), "", 0, false, nil)
	assert.Equal(t, "electrical/batteries/house/voltage", r.Topic("electrical.batteries.house.voltage"))
}

func TestPublish(t *testing.T) {
	client := newFakeClient()
	r := NewReporter(client, "vessels/self", 0, false, nil)
	b := newBattery(50, 200)
	readingTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b.Readings = fixedReading{ok: true, reading: powersensor.Reading{
		Voltage: 12.6, Current: -8.5, Power: -107.1, Time: readingTime,
	}}
	r.Add(b)

	now := readingTime.Add(time.Second)
	require.NoError(t, r.Publish(now))

	base := "vessels/self/electrical/batteries/house/"
	ah := client.value(t, base+"capacity/ampHours")
	assert.Equal(t, 50.0, ah.Value)
	assert.Equal(t, "Ah", ah.Units)
	assert.True(t, now.Equal(ah.Timestamp))

	soc := client.value(t, base+"capacity/stateOfCharge")
	assert.InDelta(t, 0.25, soc.Value, 1e-12)
	assert.Equal(t, "ratio", soc.Units)

	assert.Equal(t, 12.6, client.value(t, base+"voltage").Value)
	assert.Equal(t, -8.5, client.value(t, base+"current").Value)
	power := client.value(t, base+"power")
	assert.Equal(t, "W", power.Units)
	assert.True(t, readingTime.Equal(power.Timestamp))
}

func TestPublishWithoutReadingOrCapacity(t *testing.T) {
	client := newFakeClient()
	r := NewReporter(client, "", 0, false, nil)
	b := newBattery(12, 0)
	b.Readings = fixedReading{ok: false}
	r.Add(b)

	require.NoError(t, r.Publish(time.Now()))
	assert.Len(t, client.published, 1)
	assert.Equal(t, 12.0, client.value(t, "electrical/batteries/house/capacity/ampHours").Value)
}

func TestPublishError(t *testing.T) {
	client := newFakeClient()
	client.publishErr = errors.New("not connected")
	r := NewReporter(client, "", 0, false, nil)
	r.Add(newBattery(10, 100))

	assert.ErrorContains(t, r.Publish(time.Now()), "not connected")
}

func TestStateOfCharge(t *testing.T) {
	soc, ok := StateOfCharge(amphour.Snapshot{Accumulated: 150, CurrentCapacity: 200})
	assert.True(t, ok)
	assert.Equal(t, 0.75, soc)

	_, ok = StateOfCharge(amphour.Snapshot{Accumulated: 150})
	assert.False(t, ok)
}

func TestParsePayload(t *testing.T) {
	for payload, want := range map[string]float64{
		"42":              42,
		" 17.5\n":         17.5,
		`{"value": 80}`:   80,
		`{"value":-1.25}`: -1.25,
	} {
		v, err := parsePayload([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, want, v, payload)
	}

	for _, payload := range []string{"", "full", `{"ah": 3}`, "NaN", "+Inf", `{"value": "3"}`} {
		_, err := parsePayload([]byte(payload))
		assert.ErrorIs(t, err, errBadPayload, payload)
	}
}

func TestCommands(t *testing.T) {
	client := newFakeClient()
	r := NewReporter(client, "vessels/self", 0, false, nil)
	b := newBattery(50, 200)
	r.Add(b)
	require.NoError(t, r.Subscribe())
	assert.Len(t, client.handlers, len(commands))

	var overrides [][2]float64
	r.OnOverride(func(battery string, previous, value float64) {
		assert.Equal(t, "house", battery)
		overrides = append(overrides, [2]float64{previous, value})
	})

	base := "vessels/self/electrical/batteries/house/capacity/ampHours/"
	send := func(cmd, payload string) {
		topic := base + cmd
		handler, ok := client.handlers[topic]
		require.True(t, ok, "not subscribed to %s", topic)
		handler(nil, message{topic: topic, payload: []byte(payload)})
	}

	send(SetAmpHoursCmd, "120")
	send(SetChargeEfficiencyCmd, `{"value": 92}`)
	send(SetDischargeEfficiencyCmd, "97.5")
	send(SetMarkedCapacityCmd, "220")
	send(SetCurrentCapacityCmd, "100")

	snap := b.Accumulator.Snapshot()
	assert.Equal(t, 100.0, snap.Accumulated, "charge clamped to the new capacity")
	assert.Equal(t, 92.0, snap.ChargeEfficiency)
	assert.Equal(t, 97.5, snap.DischargeEfficiency)
	assert.Equal(t, 220.0, snap.MarkedCapacity)
	assert.Equal(t, 100.0, snap.CurrentCapacity)
	assert.Equal(t, [][2]float64{{50, 120}}, overrides)

	// Bad payloads are ignored.
	send(SetAmpHoursCmd, "lots")
	assert.Equal(t, 100.0, b.Accumulator.Snapshot().Accumulated)
	assert.Len(t, overrides, 1)
}

func TestHandleCommandUnknownTopic(t *testing.T) {
	r := NewReporter(newFakeClient(), "", 0, false, nil)
	r.Add(newBattery(1, 10))
	assert.Error(t, r.HandleCommand("electrical/batteries/start/capacity/ampHours/set", []byte("3")))
}
