// Package ahclient talks to the ah-monitor service over D-Bus.
package ahclient

import (
	"fmt"

	"github.com/godbus/dbus"
)

const (
	DbusName = "org.cacophony.AmpHour"
	DbusPath = "/org/cacophony/AmpHour"
)

// Keys of the map returned by the Status method.
const (
	KeyAmpHours            = "ampHours"
	KeyLastCurrent         = "lastCurrent"
	KeyChargeEfficiency    = "chargeEfficiency"
	KeyDischargeEfficiency = "dischargeEfficiency"
	KeyMarkedCapacity      = "markedCapacity"
	KeyCurrentCapacity     = "currentCapacity"
	KeyStateOfCharge       = "stateOfCharge"
	KeyVoltage             = "voltage"
	KeyPower               = "power"
	KeyLastPersisted       = "lastPersisted"
)

type Status struct {
	Battery             string
	AmpHours            float64
	LastCurrent         float64
	ChargeEfficiency    float64
	DischargeEfficiency float64
	MarkedCapacity      float64
	CurrentCapacity     float64
	LastPersisted       float64
	// Only set when the service has a capacity or a sensor reading.
	StateOfCharge *float64
	Voltage       *float64
	Power         *float64
}

var call = func(method string, args ...interface{}) *dbus.Call {
	conn, err := dbus.SystemBus()
	if err != nil {
		return &dbus.Call{Err: err}
	}
	obj := conn.Object(DbusName, DbusPath)
	return obj.Call(DbusName+"."+method, 0, args...)
}

func Batteries() ([]string, error) {
	var names []string
	if err := call("Batteries").Store(&names); err != nil {
		return nil, err
	}
	return names, nil
}

func GetStatus(battery string) (Status, error) {
	values := map[string]float64{}
	if err := call("Status", battery).Store(&values); err != nil {
		return Status{}, err
	}
	return statusFromMap(battery, values), nil
}

func SetAmpHours(battery string, ah float64) error {
	return call("SetAmpHours", battery, ah).Store()
}

func SetChargeEfficiency(battery string, pct float64) error {
	return call("SetChargeEfficiency", battery, pct).Store()
}

func SetDischargeEfficiency(battery string, pct float64) error {
	return call("SetDischargeEfficiency", battery, pct).Store()
}

func SetMarkedCapacity(battery string, ah float64) error {
	return call("SetMarkedCapacity", battery, ah).Store()
}

func SetCurrentCapacity(battery string, ah float64) error {
	return call("SetCurrentCapacity", battery, ah).Store()
}

func statusFromMap(battery string, m map[string]float64) Status {
	s := Status{
		Battery:             battery,
		AmpHours:            m[KeyAmpHours],
		LastCurrent:         m[KeyLastCurrent],
		ChargeEfficiency:    m[KeyChargeEfficiency],
		DischargeEfficiency: m[KeyDischargeEfficiency],
		MarkedCapacity:      m[KeyMarkedCapacity],
		CurrentCapacity:     m[KeyCurrentCapacity],
		LastPersisted:       m[KeyLastPersisted],
	}
	if v, ok := m[KeyStateOfCharge]; ok {
		s.StateOfCharge = &v
	}
	if v, ok := m[KeyVoltage]; ok {
		s.Voltage = &v
	}
	if v, ok := m[KeyPower]; ok {
		s.Power = &v
	}
	return s
}

func (s Status) String() string {
	out := fmt.Sprintf("%s: %.3f Ah", s.Battery, s.AmpHours)
	if s.StateOfCharge != nil {
		out += fmt.Sprintf(" (%.1f%%)", *s.StateOfCharge*100)
	}
	out += fmt.Sprintf("\n  current:              %.3f A", s.LastCurrent)
	if s.Voltage != nil {
		out += fmt.Sprintf("\n  voltage:              %.3f V", *s.Voltage)
	}
	if s.Power != nil {
		out += fmt.Sprintf("\n  power:                %.3f W", *s.Power)
	}
	out += fmt.Sprintf("\n  charge efficiency:    %.1f%%", s.ChargeEfficiency)
	out += fmt.Sprintf("\n  discharge efficiency: %.1f%%", s.DischargeEfficiency)
	out += fmt.Sprintf("\n  marked capacity:      %.1f Ah", s.MarkedCapacity)
	out += fmt.Sprintf("\n  current capacity:     %.1f Ah", s.CurrentCapacity)
	out += fmt.Sprintf("\n  last saved:           %.3f Ah", s.LastPersisted)
	return out
}
