package cleaner

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lightningnetwork/watchtower/wtdb"
)

func TestDeleteExpiredAppointments(t *testing.T) {
	store := wtdb.NewMemStore()

	expired := &wtdb.Appointment{
		UUID:     wtdb.UUID{0x01},
		Locator:  wtdb.Locator{0x01},
		EndBlock: 100,
	}
	live := &wtdb.Appointment{
		UUID:     wtdb.UUID{0x02},
		Locator:  wtdb.Locator{0x02},
		EndBlock: 200,
	}

	appointments := map[wtdb.UUID]*wtdb.Appointment{
		expired.UUID: expired,
		live.UUID:    live,
	}
	locatorIndex := map[wtdb.Locator][]wtdb.UUID{
		expired.Locator: {expired.UUID},
		live.Locator:    {live.UUID},
	}

	for _, appt := range appointments {
		if err := store.PutAppointment(appt); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	const expiryDelta = 6
	removed, err := DeleteExpiredAppointments(
		expired.EndBlock+expiryDelta+1, appointments, locatorIndex, store, expiryDelta,
	)
	if err != nil {
		t.Fatalf("DeleteExpiredAppointments: %v", err)
	}

	if len(removed) != 1 || removed[0] != expired.UUID {
		t.Fatalf("expected only %v removed, got %v", expired.UUID, removed)
	}
	if _, ok := appointments[expired.UUID]; ok {
		t.Fatalf("expired appointment still in map")
	}
	if _, ok := appointments[live.UUID]; !ok {
		t.Fatalf("live appointment was incorrectly removed")
	}
	if _, err := store.GetAppointment(expired.UUID); err != wtdb.ErrNotFound {
		t.Fatalf("expected expired appointment deleted from store, got %v", err)
	}
	if _, ok := locatorIndex[expired.Locator]; ok {
		t.Fatalf("expired locator index entry should have been pruned")
	}
}

func TestDeleteCompletedTrackers(t *testing.T) {
	store := wtdb.NewMemStore()

	justiceTxid := chainhash.Hash{0x09}

	complete := &wtdb.Tracker{
		UUID:          wtdb.UUID{0x01},
		JusticeTxid:   justiceTxid,
		EndBlock:      100,
		Confirmations: 6,
	}
	incomplete := &wtdb.Tracker{
		UUID:          wtdb.UUID{0x02},
		JusticeTxid:   chainhash.Hash{0x0a},
		EndBlock:      100,
		Confirmations: 1,
	}

	trackers := map[wtdb.UUID]*wtdb.Tracker{
		complete.UUID:   complete,
		incomplete.UUID: incomplete,
	}
	txTrackerMap := map[chainhash.Hash][]wtdb.UUID{
		complete.JusticeTxid:   {complete.UUID},
		incomplete.JusticeTxid: {incomplete.UUID},
	}

	for _, appt := range []*wtdb.Appointment{
		{UUID: complete.UUID, Triggered: true},
		{UUID: incomplete.UUID, Triggered: true},
	} {
		if err := store.PutAppointment(appt); err != nil {
			t.Fatalf("seed appointment: %v", err)
		}
	}
	for _, tr := range trackers {
		if err := store.PutTracker(tr); err != nil {
			t.Fatalf("seed tracker: %v", err)
		}
	}

	removed, err := DeleteCompletedTrackers(100, trackers, txTrackerMap, store, 6)
	if err != nil {
		t.Fatalf("DeleteCompletedTrackers: %v", err)
	}

	if len(removed) != 1 || removed[0] != complete.UUID {
		t.Fatalf("expected only %v retired, got %v", complete.UUID, removed)
	}
	if _, ok := trackers[complete.UUID]; ok {
		t.Fatalf("completed tracker still in map")
	}
	if _, ok := txTrackerMap[complete.JusticeTxid]; ok {
		t.Fatalf("completed tracker's tx map entry should have been pruned")
	}
	if _, err := store.GetTracker(complete.UUID); err != wtdb.ErrNotFound {
		t.Fatalf("expected tracker record deleted, got %v", err)
	}
	if _, err := store.GetAppointment(complete.UUID); err != wtdb.ErrNotFound {
		t.Fatalf("expected appointment record deleted alongside tracker, got %v", err)
	}
	if _, ok := trackers[incomplete.UUID]; !ok {
		t.Fatalf("incomplete tracker incorrectly removed")
	}
}
