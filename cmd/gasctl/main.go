// Command gasctl talks to a single gas sensor module interactively, or runs
// one command and exits:
//
//	gasctl -transport serial -serial-port /dev/ttyUSB0 -- read
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
	"github.com/sirupsen/logrus"
)

func main() {
	flagArgs, cmdArgs := splitArgs(os.Args[1:])
	cfg, err := config.Load(flagArgs)
	log := logrus.New()
	if lvl, perr := logrus.ParseLevel(cfg.Log.Level); perr == nil {
		log.SetLevel(lvl)
	}
	if err != nil {
		log.WithError(err).Fatal("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []sensor.Option{sensor.WithLogger(log)}
	if cfg.CalibrationFile != "" {
		tb, err := gas.LoadTable(cfg.CalibrationFile)
		if err != nil {
			log.WithError(err).Fatal("calibration")
		}
		opts = append(opts, sensor.WithCalibration(tb))
	}
	sc := cfg.Sensors[0]
	s, err := sensor.New(sc, opts...)
	if err != nil {
		log.WithError(err).Fatal("open sensor")
	}
	defer s.Close()

	sh := newShell(ctx, s, sc)
	if len(cmdArgs) > 0 {
		if err := sh.Process(cmdArgs...); err != nil {
			log.WithError(err).Fatal("command failed")
		}
		return
	}
	sh.Printf("connected to %s over %s\n", sc.Name, sc.Transport)
	sh.Run()
}

// splitArgs separates flags from a command given after "--".
func splitArgs(args []string) (flags, cmd []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}
