package blocksource

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger lets the caller wire a concrete logging backend into
// blocksource.
func UseLogger(logger btclog.Logger) {
	log = logger
}
