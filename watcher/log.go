package watcher

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger lets the caller wire a concrete logging backend into watcher.
func UseLogger(logger btclog.Logger) {
	log = logger
}
