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

package ctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/TheCacophonyProject/ah-monitor/ahclient"
	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
)

type Args struct {
	Status                 *statusCmd `arg:"subcommand:status" help:"Show the amp hours of each battery."`
	SetAh                  *setCmd    `arg:"subcommand:set-ah" help:"Set the accumulated amp hours, e.g. after a full charge."`
	SetChargeEfficiency    *setCmd    `arg:"subcommand:set-charge-efficiency" help:"Set the charge efficiency (percent)."`
	SetDischargeEfficiency *setCmd    `arg:"subcommand:set-discharge-efficiency" help:"Set the discharge efficiency (percent)."`
	SetMarkedCapacity      *setCmd    `arg:"subcommand:set-marked-capacity" help:"Set the nameplate capacity (Ah)."`
	SetCurrentCapacity     *setCmd    `arg:"subcommand:set-current-capacity" help:"Set the usable capacity (Ah)."`
	LogLevel               string     `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type statusCmd struct {
	Battery string `arg:"--battery" help:"Only show this battery"`
}

type setCmd struct {
	Battery string  `arg:"--battery,required" help:"Battery name"`
	Value   float64 `arg:"positional,required" help:"New value"`
}

func (Args) Version() string {
	return version
}

var (
	log     = logrus.New()
	version = "<not set>"
)

// client is the subset of ahclient used here, replaced in tests.
type client struct {
	batteries              func() ([]string, error)
	status                 func(string) (ahclient.Status, error)
	setAmpHours            func(string, float64) error
	setChargeEfficiency    func(string, float64) error
	setDischargeEfficiency func(string, float64) error
	setMarkedCapacity      func(string, float64) error
	setCurrentCapacity     func(string, float64) error
}

var dbusClient = client{
	batteries:              ahclient.Batteries,
	status:                 ahclient.GetStatus,
	setAmpHours:            ahclient.SetAmpHours,
	setChargeEfficiency:    ahclient.SetChargeEfficiency,
	setDischargeEfficiency: ahclient.SetDischargeEfficiency,
	setMarkedCapacity:      ahclient.SetMarkedCapacity,
	setCurrentCapacity:     ahclient.SetCurrentCapacity,
}

func procArgs(input []string) (Args, error) {
	var args Args
	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	if err == nil && parser.Subcommand() == nil {
		parser.WriteUsage(os.Stdout)
		return args, errors.New("no command given")
	}
	return args, err
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLogLevel(args.LogLevel)
	return run(args, dbusClient, os.Stdout)
}

func run(args Args, c client, out io.Writer) error {
	switch {
	case args.Status != nil:
		return printStatus(c, args.Status.Battery, out)
	case args.SetAh != nil:
		return set(c.setAmpHours, "amp hours", args.SetAh)
	case args.SetChargeEfficiency != nil:
		return set(c.setChargeEfficiency, "charge efficiency", args.SetChargeEfficiency)
	case args.SetDischargeEfficiency != nil:
		return set(c.setDischargeEfficiency, "discharge efficiency", args.SetDischargeEfficiency)
	case args.SetMarkedCapacity != nil:
		return set(c.setMarkedCapacity, "marked capacity", args.SetMarkedCapacity)
	case args.SetCurrentCapacity != nil:
		return set(c.setCurrentCapacity, "current capacity", args.SetCurrentCapacity)
	}
	return errors.New("no command given")
}

func set(fn func(string, float64) error, what string, cmd *setCmd) error {
	log.Debugf("Setting %s of %s to %g", what, cmd.Battery, cmd.Value)
	if err := fn(cmd.Battery, cmd.Value); err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", what, cmd.Battery, err)
	}
	log.Infof("Set %s of %s to %g", what, cmd.Battery, cmd.Value)
	return nil
}

func printStatus(c client, battery string, out io.Writer) error {
	names := []string{battery}
	if battery == "" {
		var err error
		names, err = c.batteries()
		if err != nil {
			return fmt.Errorf("failed to list batteries: %w", err)
		}
	}
	var lines []string
	for _, name := range names {
		s, err := c.status(name)
		if err != nil {
			return fmt.Errorf("failed to get status of %s: %w", name, err)
		}
		lines = append(lines, s.String())
	}
	_, err := fmt.Fprintln(out, strings.Join(lines, "\n"))
	return err
}
