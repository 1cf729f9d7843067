// Package params collects the canonical tuning constants named in spec
// section 4.4, so the Watcher, Responder, and Recovery controller share a
// single source of truth.
package params

const (
	// ConfirmationsBeforeRetry is the number of consecutive blocks a
	// broadcast justice transaction may go unconfirmed before the
	// Responder rebroadcasts it.
	ConfirmationsBeforeRetry = 6

	// MinConfirmations is the confirmation depth a justice transaction
	// must reach, once the chain height has reached the appointment's
	// end_block, before its tracker is retired.
	MinConfirmations = 6

	// ExpiryDelta is the number of blocks past an appointment's
	// end_block the Watcher waits, with no match, before expiring it.
	ExpiryDelta = 6

	// DefaultMaxAppointments is the default global cap on outstanding
	// appointments (configurable per spec section 4.3).
	DefaultMaxAppointments = 100
)
