package recovery

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger lets the caller wire a concrete logging backend into recovery.
func UseLogger(logger btclog.Logger) {
	log = logger
}
