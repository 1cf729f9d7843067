// Command watchtowerd runs the watchtower core as a standalone process:
// it loads configuration, wires up logging, recovers durable state, and
// runs the Watcher/Responder pipeline against a bitcoind backend until
// interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/watchtower/config"
	"github.com/lightningnetwork/watchtower/logconfig"
	"github.com/lightningnetwork/watchtower/monitoring"
	"github.com/lightningnetwork/watchtower/tower"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "watchtowerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := logconfig.InitLogRotator(cfg.LogFilePath()); err != nil {
		return err
	}
	if err := logconfig.InitLogging(cfg.LogLevel); err != nil {
		return err
	}

	t, err := tower.New(cfg)
	if err != nil {
		return err
	}

	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()

	if monitoring.Enabled && cfg.Prometheus.Enabled {
		go monitoring.Start(cfg.Prometheus.Listen)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	return nil
}
