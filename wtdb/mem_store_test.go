package wtdb

import (
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
)

func TestMemStoreAppointmentLifecycle(t *testing.T) {
	s := NewMemStore()

	appt := &Appointment{
		UUID:          UUID{0x01},
		Locator:       Locator{0xaa},
		EncryptedBlob: []byte("blob"),
		EndBlock:      100,
	}

	if err := s.PutAppointment(appt); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetAppointment(appt.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Locator != appt.Locator {
		t.Fatalf("locator mismatch: got %v want %v", got.Locator, appt.Locator)
	}

	idx, err := s.ListLocatorIndex()
	if err != nil {
		t.Fatalf("list locator index: %v", err)
	}
	if len(idx[appt.Locator]) != 1 || idx[appt.Locator][0] != appt.UUID {
		t.Fatalf("unexpected locator index: %v", idx)
	}

	if err := s.DeleteAppointment(appt.UUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAppointment(appt.UUID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	idx, err = s.ListLocatorIndex()
	if err != nil {
		t.Fatalf("list locator index after delete: %v", err)
	}
	if len(idx) != 0 {
		t.Fatalf("expected empty locator index after delete, got %v", idx)
	}
}

func TestMemStoreListAppointmentsFiltersTriggered(t *testing.T) {
	s := NewMemStore()

	untriggered := &Appointment{UUID: UUID{0x01}, Locator: Locator{0x01}}
	triggered := &Appointment{UUID: UUID{0x02}, Locator: Locator{0x02}, Triggered: true}

	if err := s.PutAppointment(untriggered); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutAppointment(triggered); err != nil {
		t.Fatalf("put: %v", err)
	}

	all, err := s.ListAppointments(true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(all))
	}

	live, err := s.ListAppointments(false)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected 1 untriggered appointment, got %d", len(live))
	}
	if _, ok := live[untriggered.UUID]; !ok {
		t.Fatalf("untriggered appointment missing from filtered list")
	}
}

func TestMemStoreTrackerLifecycle(t *testing.T) {
	s := NewMemStore()

	tr := &Tracker{
		UUID:        UUID{0x03},
		DisputeTxid: chainhash.Hash{0x01},
		JusticeTxid: chainhash.Hash{0x02},
		EndBlock:    50,
	}

	if err := s.PutTracker(tr); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetTracker(tr.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JusticeTxid != tr.JusticeTxid {
		t.Fatalf("justice txid mismatch")
	}

	if err := s.DeleteTracker(tr.UUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTracker(tr.UUID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemStoreLastBlockMarkers(t *testing.T) {
	s := NewMemStore()

	hash := chainhash.Hash{0x11, 0x22}

	if err := s.SetLastBlockWatcher(hash); err != nil {
		t.Fatalf("set watcher: %v", err)
	}
	got, err := s.LastBlockWatcher()
	if err != nil {
		t.Fatalf("get watcher: %v", err)
	}
	if got != hash {
		t.Fatalf("watcher marker mismatch")
	}

	if _, err := s.LastBlockResponder(); err != nil {
		t.Fatalf("get responder: %v", err)
	}
}

func TestMemStoreTrackerRoundTripIsDeepEqual(t *testing.T) {
	s := NewMemStore()

	tr := &Tracker{
		UUID:                UUID{0x09},
		DisputeTxid:         chainhash.Hash{0x01},
		JusticeTxid:         chainhash.Hash{0x02},
		JusticeRawTx:        []byte{0xde, 0xad, 0xbe, 0xef},
		EndBlock:            200,
		Confirmations:       3,
		MissedConfirmations: 1,
		RetryCounter:        2,
	}

	if err := s.PutTracker(tr); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetTracker(tr.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !reflect.DeepEqual(got, tr) {
		t.Fatalf("round-tripped tracker does not match original:\ngot:  %swant: %s",
			spew.Sdump(got), spew.Sdump(tr))
	}
}

func TestLocatorForTxidIsStable(t *testing.T) {
	txid := chainhash.Hash{0x01, 0x02, 0x03}

	a := LocatorForTxid(txid)
	b := LocatorForTxid(txid)

	if a != b {
		t.Fatalf("LocatorForTxid is not deterministic: %v != %v", a, b)
	}
}
