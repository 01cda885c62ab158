package ahclient

import (
	"errors"
	"testing"

	"github.com/godbus/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	method string
	args   []interface{}
}

func mockCall(t *testing.T, body []interface{}, err error) *[]recordedCall {
	calls := &[]recordedCall{}
	orig := call
	call = func(method string, args ...interface{}) *dbus.Call {
		*calls = append(*calls, recordedCall{method, args})
		return &dbus.Call{Body: body, Err: err}
	}
	t.Cleanup(func() { call = orig })
	return calls
}

func TestGetStatus(t *testing.T) {
	calls := mockCall(t, []interface{}{map[string]float64{
		KeyAmpHours:            42,
		KeyLastCurrent:         -8,
		KeyChargeEfficiency:    95,
		KeyDischargeEfficiency: 100,
		KeyMarkedCapacity:      200,
		KeyCurrentCapacity:     180,
		KeyStateOfCharge:       0.2333,
		KeyLastPersisted:       42.01,
	}}, nil)

	s, err := GetStatus("house")
	require.NoError(t, err)
	assert.Equal(t, []recordedCall{{"Status", []interface{}{"house"}}}, *calls)

	assert.Equal(t, "house", s.Battery)
	assert.Equal(t, 42.0, s.AmpHours)
	assert.Equal(t, -8.0, s.LastCurrent)
	assert.Equal(t, 180.0, s.CurrentCapacity)
	require.NotNil(t, s.StateOfCharge)
	assert.Equal(t, 0.2333, *s.StateOfCharge)
	assert.Nil(t, s.Voltage)
	assert.Nil(t, s.Power)
	assert.Contains(t, s.String(), "house: 42.000 Ah (23.3%)")
}

func TestBatteries(t *testing.T) {
	mockCall(t, []interface{}{[]string{"house", "start"}}, nil)
	names, err := Batteries()
	require.NoError(t, err)
	assert.Equal(t, []string{"house", "start"}, names)
}

func TestSetters(t *testing.T) {
	calls := mockCall(t, nil, nil)
	require.NoError(t, SetAmpHours("house", 100))
	require.NoError(t, SetChargeEfficiency("house", 90))
	require.NoError(t, SetDischargeEfficiency("house", 98))
	require.NoError(t, SetMarkedCapacity("house", 220))
	require.NoError(t, SetCurrentCapacity("house", 200))

	assert.Equal(t, []recordedCall{
		{"SetAmpHours", []interface{}{"house", 100.0}},
		{"SetChargeEfficiency", []interface{}{"house", 90.0}},
		{"SetDischargeEfficiency", []interface{}{"house", 98.0}},
		{"SetMarkedCapacity", []interface{}{"house", 220.0}},
		{"SetCurrentCapacity", []interface{}{"house", 200.0}},
	}, *calls)
}

func TestCallError(t *testing.T) {
	mockCall(t, nil, errors.New("no such battery"))
	assert.EqualError(t, SetAmpHours("boat", 1), "no such battery")
	_, err := GetStatus("boat")
	assert.Error(t, err)
}
