package main

import (
	"fmt"
	"os"

	ctl "github.com/TheCacophonyProject/ah-monitor/internal/ah-ctl"
	monitor "github.com/TheCacophonyProject/ah-monitor/internal/ah-monitor"
	"github.com/sirupsen/logrus"
)

var (
	log     = logrus.New()
	version = "<not set>"
)

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	if len(os.Args) < 2 {
		log.Info("Usage: ah-monitor <service|ctl> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "service":
		err = monitor.Run(args, version)
	case "ctl":
		err = ctl.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
