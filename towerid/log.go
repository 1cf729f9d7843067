package towerid

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger for the towerid subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
}
