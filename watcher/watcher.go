// Package watcher implements C6 from spec section 4.3: the stage that
// holds registered appointments, consumes blocks, detects locator
// matches, decrypts the justice payload, and hands matches to the
// Responder. It is grounded on the original implementation's
// pisa/watcher.py Watcher, restructured around a bounded block queue and
// explicit Store persistence per spec sections 5 and 4.5.
package watcher

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	uuid "github.com/satori/go.uuid"

	"github.com/lightningnetwork/watchtower/blob"
	"github.com/lightningnetwork/watchtower/blocksource"
	"github.com/lightningnetwork/watchtower/cleaner"
	"github.com/lightningnetwork/watchtower/monitoring"
	"github.com/lightningnetwork/watchtower/params"
	"github.com/lightningnetwork/watchtower/wtdb"
)

// ErrFull is returned by AddAppointment when the tower is already holding
// MaxAppointments live appointments (spec section 4.3).
var ErrFull = errors.New("watcher: maximum appointments reached")

// blockQueueSize bounds the Watcher's inbound block queue (spec section 5:
// "per-stage task + bounded FIFO queue").
const blockQueueSize = 4096

// ResponderIntake is the handle the Watcher holds to the Responder's
// intake path. Per the DESIGN NOTES in spec section 9, the Watcher owns a
// reference to the Responder; the Responder never references the Watcher
// back.
type ResponderIntake interface {
	AddResponse(uuid wtdb.UUID, disputeTxid, justiceTxid chainhash.Hash,
		justiceRawTx []byte, endBlock uint32) error
}

// Signer produces the tower's acknowledgement signature over a freshly
// accepted appointment (spec section 6). A nil Signer disables
// acknowledgement signing, which AddAppointment treats as "no signature
// requested" rather than an error.
type Signer interface {
	SignAppointment(locator wtdb.Locator, encryptedBlob []byte, toSelfDelay uint32) ([]byte, error)
}

// Config carries the Watcher's tunable parameters.
type Config struct {
	MaxAppointments uint32
	ExpiryDelta     uint32
}

// Watcher is the intake-and-match stage of the tower core.
type Watcher struct {
	cfg Config

	store     wtdb.Store
	chain     blocksource.BlockSource
	responder ResponderIntake
	signer    Signer

	mu           sync.Mutex
	appointments map[wtdb.UUID]*wtdb.Appointment
	locatorIndex map[wtdb.Locator][]wtdb.UUID
	prevBlock    chainhash.Hash

	queue      chan chainhash.Hash
	cancelSub  func()
	quit       chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Watcher. appointments and locatorIndex are the state
// recovered by the recovery controller (possibly empty on a fresh tower).
func New(
	cfg Config,
	store wtdb.Store,
	chain blocksource.BlockSource,
	responder ResponderIntake,
	signer Signer,
	appointments map[wtdb.UUID]*wtdb.Appointment,
	locatorIndex map[wtdb.Locator][]wtdb.UUID,
	lastBlock chainhash.Hash,
) *Watcher {

	if cfg.MaxAppointments == 0 {
		cfg.MaxAppointments = params.DefaultMaxAppointments
	}
	if cfg.ExpiryDelta == 0 {
		cfg.ExpiryDelta = params.ExpiryDelta
	}
	if appointments == nil {
		appointments = make(map[wtdb.UUID]*wtdb.Appointment)
	}
	if locatorIndex == nil {
		locatorIndex = make(map[wtdb.Locator][]wtdb.UUID)
	}

	return &Watcher{
		cfg:          cfg,
		store:        store,
		chain:        chain,
		responder:    responder,
		signer:       signer,
		appointments: appointments,
		locatorIndex: locatorIndex,
		prevBlock:    lastBlock,
		queue:        make(chan chainhash.Hash, blockQueueSize),
		quit:         make(chan struct{}),
	}
}

// Start launches the worker goroutine, seeds the Watcher's queue with
// missedBlocks (in ascending, i.e. chronological, order) from the
// recovery replay, then subscribes to the live BlockSource stream. Per
// spec section 4.7 step 6, seeding happens before the live subscription
// opens.
func (w *Watcher) Start(missedBlocks []chainhash.Hash) error {
	w.wg.Add(1)
	go w.worker()

	for _, h := range missedBlocks {
		select {
		case w.queue <- h:
		case <-w.quit:
			return nil
		}
	}

	stream, cancel, err := w.chain.Subscribe()
	if err != nil {
		return err
	}
	w.cancelSub = cancel

	w.wg.Add(1)
	go w.ingest(stream)

	return nil
}

// Stop cooperatively shuts the Watcher down: the ingest goroutine stops
// pulling from the chain stream, and the worker exits at its next
// queue-receive boundary, per spec section 5.
func (w *Watcher) Stop() {
	if w.cancelSub != nil {
		w.cancelSub()
	}
	close(w.quit)
	w.wg.Wait()
}

func (w *Watcher) ingest(stream <-chan chainhash.Hash) {
	defer w.wg.Done()

	for {
		select {
		case hash, ok := <-stream:
			if !ok {
				return
			}
			select {
			case w.queue <- hash:
			case <-w.quit:
				return
			}

		case <-w.quit:
			return
		}
	}
}

// worker processes queued blocks one at a time. Between blocks it is
// parked on the channel receive, which the monitoring gauge reports as
// "idle" — the direct Go-channel equivalent of the original's
// awake_if_asleep bookkeeping.
func (w *Watcher) worker() {
	defer w.wg.Done()

	monitoring.SetWatcherIdle(true)

	for {
		select {
		case hash := <-w.queue:
			monitoring.SetWatcherIdle(false)
			w.handleBlock(hash)
			monitoring.SetWatcherIdle(true)

		case <-w.quit:
			return
		}
	}
}

// AddAppointment registers a new appointment (spec section 4.3). It runs
// on request-handling goroutines and may execute concurrently with the
// worker; the shared mutex enforces the single-writer discipline spec
// section 5 requires over the appointment maps and Store writes.
func (w *Watcher) AddAppointment(appt *wtdb.Appointment) (wtdb.UUID, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uint32(len(w.appointments)) >= w.cfg.MaxAppointments {
		log.Warnf("watcher: rejecting appointment, at capacity (%d)",
			w.cfg.MaxAppointments)
		return wtdb.UUID{}, nil, ErrFull
	}

	id := wtdb.UUID(uuid.NewV4())

	stored := appt.Clone()
	stored.UUID = id
	stored.Triggered = false

	if err := w.store.PutAppointment(stored); err != nil {
		return wtdb.UUID{}, nil, err
	}

	w.appointments[id] = stored
	w.locatorIndex[stored.Locator] = append(w.locatorIndex[stored.Locator], id)
	monitoring.SetAppointments(len(w.appointments))

	log.Infof("watcher: new appointment accepted, uuid=%v locator=%v",
		id, stored.Locator)

	var ack []byte
	if w.signer != nil {
		sig, err := w.signer.SignAppointment(stored.Locator, stored.EncryptedBlob, stored.ToSelfDelay)
		if err != nil {
			log.Errorf("watcher: unable to sign acknowledgement for %v: %v", id, err)
		} else {
			ack = sig
		}
	}

	return id, ack, nil
}

// Appointments returns a snapshot of the live appointment set.
func (w *Watcher) Appointments() map[wtdb.UUID]*wtdb.Appointment {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[wtdb.UUID]*wtdb.Appointment, len(w.appointments))
	for id, appt := range w.appointments {
		out[id] = appt.Clone()
	}

	return out
}

// handleBlock implements the per-block algorithm of spec section 4.3.
func (w *Watcher) handleBlock(hash chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	block, err := w.chain.GetBlock(hash)
	if err != nil {
		log.Errorf("watcher: unable to fetch block %v, will retry on next "+
			"tick: %v", hash, err)
		return
	}

	if w.prevBlock != (chainhash.Hash{}) && w.prevBlock != block.PreviousBlock {
		log.Warnf("watcher: reorg detected at height %d: expected parent "+
			"%v, got %v", block.Height, w.prevBlock, block.PreviousBlock)
		// No per-appointment rewind is required: locator matching is
		// pure over each block's own transaction set (spec section
		// 4.7). The block is simply (re)processed below.
	}

	removed, err := cleaner.DeleteExpiredAppointments(
		block.Height, w.appointments, w.locatorIndex, w.store,
		w.cfg.ExpiryDelta,
	)
	if err != nil {
		log.Errorf("watcher: error expiring appointments at height %d: %v",
			block.Height, err)
	}
	for _, id := range removed {
		log.Infof("watcher: expired appointment %v with no match", id)
	}
	if len(removed) > 0 {
		monitoring.SetAppointments(len(w.appointments))
	}

	candidates := make(map[wtdb.Locator]chainhash.Hash, len(block.Transactions))
	for _, txid := range block.Transactions {
		candidates[wtdb.LocatorForTxid(txid)] = txid
	}

	for locator, disputeTxid := range candidates {
		uuids, ok := w.locatorIndex[locator]
		if !ok {
			continue
		}

		// Copy the uuid slice: match handling below mutates
		// w.locatorIndex as it promotes appointments.
		for _, id := range append([]wtdb.UUID(nil), uuids...) {
			w.tryMatch(id, locator, disputeTxid)
		}
	}

	w.prevBlock = block.Hash
	if err := w.store.SetLastBlockWatcher(block.Hash); err != nil {
		log.Errorf("watcher: unable to persist last processed block: %v", err)
	}
}

// tryMatch attempts to decrypt and hand off the appointment identified by
// id against disputeTxid, which hashes to locator. A decryption failure
// is not an error: it means the locator match was a coincidental 128-bit
// collision (spec section 4.3 step 6a, section 7.2).
func (w *Watcher) tryMatch(id wtdb.UUID, locator wtdb.Locator, disputeTxid chainhash.Hash) {
	appt, ok := w.appointments[id]
	if !ok {
		return
	}

	plaintext, err := blob.Decrypt(disputeTxid, appt.EncryptedBlob)
	if err != nil {
		log.Debugf("watcher: locator %v matched uuid %v but decryption "+
			"failed; treating as coincidental collision", locator, id)
		return
	}

	justiceTxid, err := decodeTxid(plaintext)
	if err != nil {
		log.Errorf("watcher: decrypted blob for uuid %v did not decode as "+
			"a transaction: %v", id, err)
		return
	}

	log.Infof("watcher: match found, uuid=%v dispute_txid=%v justice_txid=%v",
		id, disputeTxid, justiceTxid)

	appt.Triggered = true
	if err := w.store.PutAppointment(appt); err != nil {
		log.Errorf("watcher: unable to persist triggered flag for %v: %v",
			id, err)
		return
	}

	if err := w.responder.AddResponse(
		id, disputeTxid, justiceTxid, plaintext, appt.EndBlock,
	); err != nil {
		log.Errorf("watcher: responder rejected handoff for %v: %v", id, err)
		return
	}

	removeFromLocatorIndex(w.locatorIndex, locator, id)
	delete(w.appointments, id)
	monitoring.SetAppointments(len(w.appointments))
	monitoring.IncMatches()

	log.Infof("watcher: handed off %v to responder and removed from watcher state", id)
}

func removeFromLocatorIndex(idx map[wtdb.Locator][]wtdb.UUID, locator wtdb.Locator, id wtdb.UUID) {
	uuids := idx[locator]
	filtered := uuids[:0]
	for _, u := range uuids {
		if u != id {
			filtered = append(filtered, u)
		}
	}

	if len(filtered) == 0 {
		delete(idx, locator)
	} else {
		idx[locator] = filtered
	}
}
