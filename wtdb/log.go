package wtdb

import "github.com/btcsuite/btclog"

// log is the package-level logger for wtdb, wired up by UseLogger.
var log = btclog.Disabled

// UseLogger lets the caller wire a concrete logging backend into wtdb.
func UseLogger(logger btclog.Logger) {
	log = logger
}
