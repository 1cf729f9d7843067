// Package cleaner implements C4 from spec section 4.6: the stateless
// helper that removes completed/expired records from the Store and from
// the owning stage's in-memory maps consistently. Both operations are
// idempotent and are shared by the Watcher and the Responder.
package cleaner

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/lightningnetwork/watchtower/wtdb"
)

var log = btclog.Disabled

// UseLogger lets the caller wire a concrete logging backend into cleaner.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DeleteExpiredAppointments removes every appointment whose window has
// closed with no match -- height > end_block + expiryDelta (spec section
// 4.3 step 3, section 4.6) -- from the in-memory maps owned by the
// Watcher and from the Store. The locator index entry for a removed
// appointment is pruned, and deleted entirely once it empties out. It
// returns the uuids removed.
func DeleteExpiredAppointments(
	height uint32,
	appointments map[wtdb.UUID]*wtdb.Appointment,
	locatorIndex map[wtdb.Locator][]wtdb.UUID,
	store wtdb.Store,
	expiryDelta uint32,
) ([]wtdb.UUID, error) {

	var removed []wtdb.UUID

	for uuid, appt := range appointments {
		if height <= appt.EndBlock+expiryDelta {
			continue
		}

		removeAppointment(uuid, appt.Locator, appointments, locatorIndex)

		if err := store.DeleteAppointment(uuid); err != nil {
			return removed, err
		}

		log.Infof("cleaner: expired appointment %v (locator=%v) at height %d",
			uuid, appt.Locator, height)

		removed = append(removed, uuid)
	}

	return removed, nil
}

func removeAppointment(
	uuid wtdb.UUID,
	locator wtdb.Locator,
	appointments map[wtdb.UUID]*wtdb.Appointment,
	locatorIndex map[wtdb.Locator][]wtdb.UUID,
) {

	delete(appointments, uuid)

	uuids := locatorIndex[locator]
	filtered := uuids[:0]
	for _, u := range uuids {
		if u != uuid {
			filtered = append(filtered, u)
		}
	}

	if len(filtered) == 0 {
		delete(locatorIndex, locator)
	} else {
		locatorIndex[locator] = filtered
	}
}

// DeleteCompletedTrackers removes every tracker satisfying the
// completion predicate of spec section 4.4 step 5 (height >= end_block
// and confirmations >= minConfirmations) from the Responder's in-memory
// maps and from the Store. Per P6, a retired tracker leaves no residue:
// both its tracker record (R) and its triggered-appointment record (W)
// are deleted, along with its tx_tracker_map entry. It returns the uuids
// removed.
func DeleteCompletedTrackers(
	height uint32,
	trackers map[wtdb.UUID]*wtdb.Tracker,
	txTrackerMap map[chainhash.Hash][]wtdb.UUID,
	store wtdb.Store,
	minConfirmations uint32,
) ([]wtdb.UUID, error) {

	var removed []wtdb.UUID

	for uuid, t := range trackers {
		if !t.IsComplete(height, minConfirmations) {
			continue
		}

		removeTracker(uuid, t.JusticeTxid, trackers, txTrackerMap)

		if err := store.DeleteTracker(uuid); err != nil {
			return removed, err
		}
		if err := store.DeleteAppointment(uuid); err != nil {
			return removed, err
		}

		log.Infof("cleaner: retired tracker %v (justice_txid=%v) at height %d, "+
			"confirmations=%d", uuid, t.JusticeTxid, height, t.Confirmations)

		removed = append(removed, uuid)
	}

	return removed, nil
}

func removeTracker(
	uuid wtdb.UUID,
	justiceTxid chainhash.Hash,
	trackers map[wtdb.UUID]*wtdb.Tracker,
	txTrackerMap map[chainhash.Hash][]wtdb.UUID,
) {

	delete(trackers, uuid)

	uuids := txTrackerMap[justiceTxid]
	filtered := uuids[:0]
	for _, u := range uuids {
		if u != uuid {
			filtered = append(filtered, u)
		}
	}

	if len(filtered) == 0 {
		delete(txTrackerMap, justiceTxid)
	} else {
		txTrackerMap[justiceTxid] = filtered
	}
}
