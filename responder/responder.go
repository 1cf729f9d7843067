// Package responder implements C5 from spec section 4.4: the stage that
// tracks in-flight justice transactions, consumes blocks from its own
// queue, rebroadcasts, finalises, and handles reorgs. It is grounded on
// the original implementation's pisa/responder.py Responder/Job, with the
// Job/Tracker split collapsed into wtdb.Tracker and the thread/Queue
// bootstrapping replaced by an explicit Start(missedBlocks) call, made by
// the tower with the backlog the recovery controller computed (spec
// section 4.7).
package responder

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lightningnetwork/watchtower/blocksource"
	"github.com/lightningnetwork/watchtower/carrier"
	"github.com/lightningnetwork/watchtower/cleaner"
	"github.com/lightningnetwork/watchtower/monitoring"
	"github.com/lightningnetwork/watchtower/params"
	"github.com/lightningnetwork/watchtower/wtdb"
)

// blockQueueSize bounds the Responder's inbound block queue (spec section
// 5).
const blockQueueSize = 4096

// Config carries the Responder's tunable parameters.
type Config struct {
	ConfirmationsBeforeRetry uint32
	MinConfirmations         uint32
}

// Responder is the broadcast-and-confirm stage of the tower core.
type Responder struct {
	cfg Config

	store   wtdb.Store
	chain   blocksource.BlockSource
	carrier *carrier.Carrier

	mu           sync.Mutex
	trackers     map[wtdb.UUID]*wtdb.Tracker
	txTrackerMap map[chainhash.Hash][]wtdb.UUID
	unconfirmed  map[chainhash.Hash]bool
	prevBlock    chainhash.Hash

	// pendingUnreachable marks trackers whose next rebroadcast is a
	// retry of a transport failure, not a confirmation timeout, so the
	// rebroadcast sweep in handleBlock knows not to consume a
	// RetryCounter for it (spec section 4.4 step 4 / 7.1).
	pendingUnreachable map[wtdb.UUID]bool

	queue     chan chainhash.Hash
	cancelSub func()
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Responder. trackers and txTrackerMap are the state
// recovered by the recovery controller (possibly empty on a fresh tower).
func New(
	cfg Config,
	store wtdb.Store,
	chain blocksource.BlockSource,
	c *carrier.Carrier,
	trackers map[wtdb.UUID]*wtdb.Tracker,
	txTrackerMap map[chainhash.Hash][]wtdb.UUID,
	lastBlock chainhash.Hash,
) *Responder {

	if cfg.ConfirmationsBeforeRetry == 0 {
		cfg.ConfirmationsBeforeRetry = params.ConfirmationsBeforeRetry
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = params.MinConfirmations
	}
	if trackers == nil {
		trackers = make(map[wtdb.UUID]*wtdb.Tracker)
	}
	if txTrackerMap == nil {
		txTrackerMap = make(map[chainhash.Hash][]wtdb.UUID)
	}

	unconfirmed := make(map[chainhash.Hash]bool)
	for _, t := range trackers {
		if t.Confirmations == 0 {
			unconfirmed[t.JusticeTxid] = true
		}
	}

	return &Responder{
		cfg:                cfg,
		store:              store,
		chain:              chain,
		carrier:            c,
		trackers:           trackers,
		txTrackerMap:       txTrackerMap,
		unconfirmed:        unconfirmed,
		prevBlock:          lastBlock,
		pendingUnreachable: make(map[wtdb.UUID]bool),
		queue:              make(chan chainhash.Hash, blockQueueSize),
		quit:               make(chan struct{}),
	}
}

// Start seeds the Responder's queue with missedBlocks from the recovery
// replay, then subscribes to the live BlockSource stream (spec section
// 4.7 step 6).
func (r *Responder) Start(missedBlocks []chainhash.Hash) error {
	r.wg.Add(1)
	go r.worker()

	for _, h := range missedBlocks {
		select {
		case r.queue <- h:
		case <-r.quit:
			return nil
		}
	}

	stream, cancel, err := r.chain.Subscribe()
	if err != nil {
		return err
	}
	r.cancelSub = cancel

	r.wg.Add(1)
	go r.ingest(stream)

	return nil
}

// Stop cooperatively shuts the Responder down (spec section 5).
func (r *Responder) Stop() {
	if r.cancelSub != nil {
		r.cancelSub()
	}
	close(r.quit)
	r.wg.Wait()
}

func (r *Responder) ingest(stream <-chan chainhash.Hash) {
	defer r.wg.Done()

	for {
		select {
		case hash, ok := <-stream:
			if !ok {
				return
			}
			select {
			case r.queue <- hash:
			case <-r.quit:
				return
			}

		case <-r.quit:
			return
		}
	}
}

// worker processes queued blocks one at a time, reporting idle time on
// the monitoring gauge between receives.
func (r *Responder) worker() {
	defer r.wg.Done()

	monitoring.SetResponderIdle(true)

	for {
		select {
		case hash := <-r.queue:
			monitoring.SetResponderIdle(false)
			r.handleBlock(hash)
			monitoring.SetResponderIdle(true)

		case <-r.quit:
			return
		}
	}
}

// Trackers returns a snapshot of the in-flight tracker set.
func (r *Responder) Trackers() map[wtdb.UUID]*wtdb.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[wtdb.UUID]*wtdb.Tracker, len(r.trackers))
	for id, t := range r.trackers {
		out[id] = t.Clone()
	}

	return out
}

// AddResponse implements watcher.ResponderIntake: the Watcher hands a
// match to the Responder by calling this method (spec section 4.4 intake
// algorithm, steps 1-4).
func (r *Responder) AddResponse(
	uuid wtdb.UUID,
	disputeTxid, justiceTxid chainhash.Hash,
	justiceRawTx []byte,
	endBlock uint32,
) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dispatch(uuid, disputeTxid, justiceTxid, justiceRawTx, endBlock, dispatchOpts{})
}

// dispatchOpts distinguishes why a broadcast is being (re)attempted, since
// the bookkeeping differs: a confirmation-timeout retry bumps
// RetryCounter and resets MissedConfirmations (spec section 4.4 step 4);
// a reorg-driven rebroadcast only resets MissedConfirmations, preserving
// RetryCounter (the Open Question in spec section 9 is resolved this way
// -- see DESIGN.md).
type dispatchOpts struct {
	isConfirmationRetry bool
	isReorgRebroadcast  bool

	// isUnreachableRetry marks a rebroadcast that is retrying a prior
	// transport failure rather than a confirmation timeout. Like a
	// reorg rebroadcast, it resets MissedConfirmations without bumping
	// RetryCounter.
	isUnreachableRetry bool
}

// dispatch implements the Carrier.send decision tree of spec section 4.4
// steps 1-4. The caller must hold r.mu.
func (r *Responder) dispatch(
	uuid wtdb.UUID,
	disputeTxid, justiceTxid chainhash.Hash,
	justiceRawTx []byte,
	endBlock uint32,
	opts dispatchOpts,
) error {

	receipt := r.carrier.Send(justiceRawTx, justiceTxid)

	switch receipt.Kind {
	case carrier.Delivered, carrier.AlreadyInChain:
		t, exists := r.trackers[uuid]
		if !exists {
			t = &wtdb.Tracker{
				UUID:         uuid,
				DisputeTxid:  disputeTxid,
				JusticeTxid:  justiceTxid,
				JusticeRawTx: justiceRawTx,
				EndBlock:     endBlock,
			}
			r.trackers[uuid] = t
		}
		t.Confirmations = receipt.Confirmations

		if opts.isConfirmationRetry {
			t.RetryCounter++
			t.MissedConfirmations = 0
		} else if opts.isReorgRebroadcast || opts.isUnreachableRetry {
			t.MissedConfirmations = 0
		}
		delete(r.pendingUnreachable, uuid)

		r.txTrackerMap[justiceTxid] = appendUnique(r.txTrackerMap[justiceTxid], uuid)

		if t.Confirmations == 0 {
			r.unconfirmed[justiceTxid] = true
		} else {
			delete(r.unconfirmed, justiceTxid)
		}

		if err := r.store.PutTracker(t); err != nil {
			return err
		}
		monitoring.SetTrackers(len(r.trackers))

		log.Infof("responder: tracking justice tx %v for uuid %v, confirmations=%d",
			justiceTxid, uuid, t.Confirmations)

		return nil

	case carrier.Rejected:
		log.Errorf("responder: justice tx %v for uuid %v rejected (%v); "+
			"retiring, operator action required", justiceTxid, uuid, receipt.Reason)

		r.retireLocked(uuid, justiceTxid)
		monitoring.SetTrackers(len(r.trackers))

		return fmt.Errorf("responder: justice tx rejected: %v", receipt.Reason)

	case carrier.Unreachable:
		t, exists := r.trackers[uuid]
		if !exists {
			t = &wtdb.Tracker{
				UUID:         uuid,
				DisputeTxid:  disputeTxid,
				JusticeTxid:  justiceTxid,
				JusticeRawTx: justiceRawTx,
				EndBlock:     endBlock,
			}
			r.trackers[uuid] = t
			r.txTrackerMap[justiceTxid] = appendUnique(r.txTrackerMap[justiceTxid], uuid)
		}

		// Schedule for rebroadcast on the next block tick without
		// consuming a retry (spec section 4.4 step 4 / 7.1): forcing
		// MissedConfirmations to the threshold means the very next
		// handleBlock pass will pick this tracker back up, and marking
		// it pending-unreachable tells that pass not to treat the
		// pickup as a confirmation-timeout retry.
		t.MissedConfirmations = r.cfg.ConfirmationsBeforeRetry
		r.pendingUnreachable[uuid] = true
		r.unconfirmed[justiceTxid] = true

		if err := r.store.PutTracker(t); err != nil {
			return err
		}

		log.Warnf("responder: carrier unreachable broadcasting %v, will retry "+
			"next block", justiceTxid)

		return nil

	default:
		return fmt.Errorf("responder: unknown receipt kind %v", receipt.Kind)
	}
}

func (r *Responder) retireLocked(uuid wtdb.UUID, justiceTxid chainhash.Hash) {
	delete(r.trackers, uuid)
	delete(r.pendingUnreachable, uuid)

	uuids := r.txTrackerMap[justiceTxid]
	filtered := uuids[:0]
	for _, u := range uuids {
		if u != uuid {
			filtered = append(filtered, u)
		}
	}
	if len(filtered) == 0 {
		delete(r.txTrackerMap, justiceTxid)
		delete(r.unconfirmed, justiceTxid)
	} else {
		r.txTrackerMap[justiceTxid] = filtered
	}

	if err := r.store.DeleteTracker(uuid); err != nil {
		log.Errorf("responder: unable to delete tracker %v: %v", uuid, err)
	}
	if err := r.store.DeleteAppointment(uuid); err != nil {
		log.Errorf("responder: unable to delete appointment %v: %v", uuid, err)
	}
}

func appendUnique(uuids []wtdb.UUID, uuid wtdb.UUID) []wtdb.UUID {
	for _, u := range uuids {
		if u == uuid {
			return uuids
		}
	}

	return append(uuids, uuid)
}

// handleBlock implements the per-block algorithm of spec section 4.4.
func (r *Responder) handleBlock(hash chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	block, err := r.chain.GetBlock(hash)
	if err != nil {
		log.Errorf("responder: unable to fetch block %v, will retry on next "+
			"tick: %v", hash, err)
		return
	}

	if r.prevBlock != (chainhash.Hash{}) && r.prevBlock != block.PreviousBlock {
		log.Warnf("responder: reorg detected at height %d: expected parent "+
			"%v, got %v", block.Height, r.prevBlock, block.PreviousBlock)
		r.reconcileAfterReorgLocked()
	}

	inBlock := make(map[chainhash.Hash]bool, len(block.Transactions))
	for _, txid := range block.Transactions {
		inBlock[txid] = true
	}

	for justiceTxid, uuids := range r.txTrackerMap {
		present := inBlock[justiceTxid]

		for _, id := range uuids {
			t, ok := r.trackers[id]
			if !ok {
				continue
			}

			switch {
			case present:
				t.Confirmations++
				t.MissedConfirmations = 0
				delete(r.unconfirmed, justiceTxid)

			case t.Confirmations > 0:
				// Follow-on confirmation: the tx is buried
				// deeper even though it isn't literally
				// repeated in this block's tx list.
				t.Confirmations++

			default:
				t.MissedConfirmations++
			}

			if err := r.store.PutTracker(t); err != nil {
				log.Errorf("responder: unable to persist tracker %v: %v", id, err)
			}
		}
	}

	var toRebroadcast []wtdb.UUID
	for id, t := range r.trackers {
		if t.MissedConfirmations >= r.cfg.ConfirmationsBeforeRetry {
			toRebroadcast = append(toRebroadcast, id)
		}
	}
	for _, id := range toRebroadcast {
		t, ok := r.trackers[id]
		if !ok {
			continue
		}

		// A tracker forced into this sweep by a prior transport
		// failure retries as isUnreachableRetry, not
		// isConfirmationRetry, so RetryCounter isn't charged for a
		// broadcast the tower never actually got to attempt against
		// the network (spec section 4.4 step 4 / 7.1).
		unreachableRetry := r.pendingUnreachable[id]

		if unreachableRetry {
			log.Warnf("responder: retrying broadcast of %v after prior "+
				"transport failure", t.JusticeTxid)
		} else {
			log.Warnf("responder: justice tx %v has missed %d confirmations, "+
				"rebroadcasting", t.JusticeTxid, t.MissedConfirmations)
		}
		monitoring.IncRebroadcasts()

		if err := r.dispatch(
			id, t.DisputeTxid, t.JusticeTxid, t.JusticeRawTx, t.EndBlock,
			dispatchOpts{
				isConfirmationRetry: !unreachableRetry,
				isUnreachableRetry:  unreachableRetry,
			},
		); err != nil {
			log.Errorf("responder: rebroadcast of %v failed: %v", t.JusticeTxid, err)
		}
	}

	removed, err := cleaner.DeleteCompletedTrackers(
		block.Height, r.trackers, r.txTrackerMap, r.store, r.cfg.MinConfirmations,
	)
	if err != nil {
		log.Errorf("responder: error retiring trackers at height %d: %v",
			block.Height, err)
	}
	for _, id := range removed {
		log.Infof("responder: retired tracker %v at height %d", id, block.Height)
		delete(r.pendingUnreachable, id)
		monitoring.IncRetired()
	}
	if len(removed) > 0 {
		monitoring.SetTrackers(len(r.trackers))
	}

	r.prevBlock = block.Hash
	if err := r.store.SetLastBlockResponder(block.Hash); err != nil {
		log.Errorf("responder: unable to persist last processed block: %v", err)
	}
}

// reconcileAfterReorgLocked implements the Responder's reorg policy from
// spec section 4.7. The caller must hold r.mu.
func (r *Responder) reconcileAfterReorgLocked() {
	for _, t := range r.trackers {
		_, disputeErr := r.chain.GetRawTransaction(t.DisputeTxid)
		disputePresent := disputeErr == nil

		if !disputePresent {
			log.Errorf("responder: dispute tx %v for uuid %v missing after "+
				"reorg; reorg manager not implemented, flagging for operator "+
				"action", t.DisputeTxid, t.UUID)
			continue
		}

		justiceInfo, justiceErr := r.chain.GetRawTransaction(t.JusticeTxid)
		if justiceErr == nil {
			log.Infof("responder: updating confirmation count for %v after "+
				"reorg: %d -> %d", t.JusticeTxid, t.Confirmations,
				justiceInfo.Confirmations)

			t.Confirmations = justiceInfo.Confirmations
			if err := r.store.PutTracker(t); err != nil {
				log.Errorf("responder: unable to persist tracker %v: %v",
					t.UUID, err)
			}

			continue
		}

		log.Warnf("responder: justice tx %v for uuid %v missing after reorg, "+
			"rebroadcasting", t.JusticeTxid, t.UUID)
		monitoring.IncRebroadcasts()

		if err := r.dispatch(
			t.UUID, t.DisputeTxid, t.JusticeTxid, t.JusticeRawTx, t.EndBlock,
			dispatchOpts{isReorgRebroadcast: true},
		); err != nil {
			log.Errorf("responder: reorg rebroadcast of %v failed: %v",
				t.JusticeTxid, err)
		}
	}
}
