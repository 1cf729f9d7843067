package watcher

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightningnetwork/watchtower/blob"
	"github.com/lightningnetwork/watchtower/blocksource"
	"github.com/lightningnetwork/watchtower/wtdb"
)

// fakeResponder records every handoff AddResponse receives, standing in
// for the real responder package the way the teacher's own interface
// tests stub out a collaborator.
type fakeResponder struct {
	handoffs chan wtdb.UUID
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{handoffs: make(chan wtdb.UUID, 16)}
}

func (f *fakeResponder) AddResponse(
	uuid wtdb.UUID, disputeTxid, justiceTxid chainhash.Hash, justiceRawTx []byte, endBlock uint32,
) error {
	f.handoffs <- uuid
	return nil
}

func rawTxBytes(t *testing.T, txid byte) ([]byte, chainhash.Hash) {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: uint32(txid)}, nil, nil))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}

	return buf.Bytes(), tx.TxHash()
}

func waitForBlockProcessed(t *testing.T, store wtdb.Store, hash chainhash.Hash) {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		got, err := store.LastBlockWatcher()
		if err == nil && got == hash {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watcher to process block %v", hash)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWatcherMatchHandsOffToResponder(t *testing.T) {
	store := wtdb.NewMemStore()
	chain := blocksource.NewMockBlockSource()
	responder := newFakeResponder()

	w := New(Config{}, store, chain, responder, nil, nil, nil, chainhash.Hash{})

	justiceRawTx, justiceTxid := rawTxBytes(t, 0x01)
	disputeTxid := chainhash.Hash{0xaa, 0xbb}

	encryptedBlob, err := blob.Encrypt(disputeTxid, justiceRawTx)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	appt := &wtdb.Appointment{
		Locator:       wtdb.LocatorForTxid(disputeTxid),
		EncryptedBlob: encryptedBlob,
		EndBlock:      1000,
	}
	uuid, _, err := w.AddAppointment(appt)
	if err != nil {
		t.Fatalf("add appointment: %v", err)
	}

	if err := w.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	genesis := chainhash.Hash{0x01}
	chain.AddBlock(&blocksource.Block{Hash: genesis, Height: 1}, false)

	matchBlock := &blocksource.Block{
		Hash:          chainhash.Hash{0x02},
		PreviousBlock: genesis,
		Height:        2,
		Transactions:  []chainhash.Hash{disputeTxid},
	}
	chain.AddBlock(matchBlock, true)

	select {
	case gotUUID := <-responder.handoffs:
		if gotUUID != uuid {
			t.Fatalf("handoff uuid mismatch: got %v want %v", gotUUID, uuid)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for handoff")
	}

	waitForBlockProcessed(t, store, matchBlock.Hash)

	if len(w.Appointments()) != 0 {
		t.Fatalf("expected appointment removed from watcher state after match")
	}

	stored, err := store.GetAppointment(uuid)
	if err != nil {
		t.Fatalf("expected triggered appointment still present in store: %v", err)
	}
	if !stored.Triggered {
		t.Fatalf("expected stored appointment to be marked triggered")
	}

	_ = justiceTxid
}

type fakeSigner struct {
	sig []byte
	err error
}

func (f *fakeSigner) SignAppointment(locator wtdb.Locator, encryptedBlob []byte, toSelfDelay uint32) ([]byte, error) {
	return f.sig, f.err
}

func TestAddAppointmentReturnsAcknowledgementSignature(t *testing.T) {
	store := wtdb.NewMemStore()
	chain := blocksource.NewMockBlockSource()
	responder := newFakeResponder()
	signer := &fakeSigner{sig: []byte{0x01, 0x02, 0x03}}

	w := New(Config{}, store, chain, responder, signer, nil, nil, chainhash.Hash{})

	appt := &wtdb.Appointment{Locator: wtdb.Locator{0xaa}, EndBlock: 10}
	_, ack, err := w.AddAppointment(appt)
	if err != nil {
		t.Fatalf("add appointment: %v", err)
	}
	if !bytes.Equal(ack, signer.sig) {
		t.Fatalf("expected acknowledgement signature %x, got %x", signer.sig, ack)
	}
}

func TestWatcherExpiresUnmatchedAppointment(t *testing.T) {
	store := wtdb.NewMemStore()
	chain := blocksource.NewMockBlockSource()
	responder := newFakeResponder()

	w := New(Config{ExpiryDelta: 1}, store, chain, responder, nil, nil, nil, chainhash.Hash{})

	appt := &wtdb.Appointment{
		Locator:  wtdb.Locator{0xff},
		EndBlock: 1,
	}
	uuid, _, err := w.AddAppointment(appt)
	if err != nil {
		t.Fatalf("add appointment: %v", err)
	}

	if err := w.Start(nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	b1 := &blocksource.Block{Hash: chainhash.Hash{0x01}, Height: 1}
	chain.AddBlock(b1, true)

	b2 := &blocksource.Block{Hash: chainhash.Hash{0x02}, PreviousBlock: b1.Hash, Height: 2}
	chain.AddBlock(b2, true)

	b3 := &blocksource.Block{Hash: chainhash.Hash{0x03}, PreviousBlock: b2.Hash, Height: 3}
	chain.AddBlock(b3, true)

	waitForBlockProcessed(t, store, b3.Hash)

	if len(w.Appointments()) != 0 {
		t.Fatalf("expected appointment to have expired")
	}
	if _, err := store.GetAppointment(uuid); err != wtdb.ErrNotFound {
		t.Fatalf("expected appointment deleted from store, got %v", err)
	}
}
