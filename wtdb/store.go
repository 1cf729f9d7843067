package wtdb

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Store is the durable key/value persistence contract required by the
// Watcher, Responder, and Recovery controller (spec section 4.5). All
// single-key writes and deletes are atomic; no multi-key transaction is
// required by the core, since correctness is recovered by replay rather
// than by cross-key atomicity (spec section 4.7).
type Store interface {
	// PutAppointment writes or overwrites an appointment record and
	// updates the locator index so that locator_uuid_map[appt.Locator]
	// contains appt.UUID.
	PutAppointment(appt *Appointment) error

	// GetAppointment reads a single appointment. It returns
	// ErrNotFound if no record exists for uuid.
	GetAppointment(uuid UUID) (*Appointment, error)

	// DeleteAppointment removes the appointment record and its entry
	// from the locator index (removing the index entry entirely if it
	// becomes empty).
	DeleteAppointment(uuid UUID) error

	// ListAppointments returns every appointment record. When
	// includeTriggered is false, records with Triggered == true are
	// filtered out, matching load_watcher_appointments(include_triggered)
	// in spec section 4.5.
	ListAppointments(includeTriggered bool) (map[UUID]*Appointment, error)

	// ListLocatorIndex returns the full locator -> uuid-set index.
	ListLocatorIndex() (map[Locator][]UUID, error)

	// PutTracker writes or overwrites a tracker record.
	PutTracker(t *Tracker) error

	// GetTracker reads a single tracker. It returns ErrNotFound if no
	// record exists for uuid.
	GetTracker(uuid UUID) (*Tracker, error)

	// DeleteTracker removes the tracker record.
	DeleteTracker(uuid UUID) error

	// ListTrackers returns every tracker record.
	ListTrackers() (map[UUID]*Tracker, error)

	// SetLastBlockWatcher persists the hash of the most recently
	// processed block for the Watcher stage.
	SetLastBlockWatcher(hash chainhash.Hash) error

	// LastBlockWatcher returns the zero hash if none has been recorded.
	LastBlockWatcher() (chainhash.Hash, error)

	// SetLastBlockResponder persists the hash of the most recently
	// processed block for the Responder stage.
	SetLastBlockResponder(hash chainhash.Hash) error

	// LastBlockResponder returns the zero hash if none has been
	// recorded.
	LastBlockResponder() (chainhash.Hash, error)

	// Close releases the underlying database handle.
	Close() error
}

// ErrNotFound is returned by Store lookups that find no record for the
// requested key.
var ErrNotFound = storeError("wtdb: record not found")

type storeError string

func (e storeError) Error() string { return string(e) }
