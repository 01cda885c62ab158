/*
ah-monitor - Amp-hour monitoring for battery powered devices
Copyright (C) 2024, The Cacophony Project

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

package monitor

import (
	"errors"
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/ah-monitor/ahclient"
	"github.com/TheCacophonyProject/ah-monitor/amphour"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = ahclient.DbusName
	dbusPath = ahclient.DbusPath
)

type service struct {
	batteries *batteries
}

func startService(bs *batteries) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{batteries: bs}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func (s service) Batteries() ([]string, *dbus.Error) {
	return s.batteries.names(), nil
}

func (s service) Status(battery string) (map[string]float64, *dbus.Error) {
	status, err := s.batteries.status(battery)
	if err != nil {
		return nil, dbusErr(err)
	}
	return status, nil
}

func (s service) SetAmpHours(battery string, ah float64) *dbus.Error {
	return dbusErr(s.batteries.setAmpHours(battery, ah, "dbus"))
}

func (s service) SetChargeEfficiency(battery string, pct float64) *dbus.Error {
	return dbusErr(s.batteries.set(battery, func(a *amphour.Accumulator) { a.SetChargeEfficiency(pct) }))
}

func (s service) SetDischargeEfficiency(battery string, pct float64) *dbus.Error {
	return dbusErr(s.batteries.set(battery, func(a *amphour.Accumulator) { a.SetDischargeEfficiency(pct) }))
}

func (s service) SetMarkedCapacity(battery string, ah float64) *dbus.Error {
	return dbusErr(s.batteries.set(battery, func(a *amphour.Accumulator) { a.SetMarkedCapacity(ah) }))
}

func (s service) SetCurrentCapacity(battery string, ah float64) *dbus.Error {
	return dbusErr(s.batteries.set(battery, func(a *amphour.Accumulator) { a.SetCurrentCapacity(ah) }))
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	log.Error(err)
	return &dbus.Error{
		Name: dbusName + "." + getCallerName() + "Error",
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
