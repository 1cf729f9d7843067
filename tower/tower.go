// Package tower wires the Watcher, Responder, Recovery controller,
// BlockSource, Carrier, and Store together into a single process,
// following the atomic-CAS Start/Stop lifecycle the teacher uses for its
// own long-running subsystems (see channelnotifier.ChannelNotifier).
package tower

import (
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	goerrors "github.com/go-errors/errors"

	"github.com/lightningnetwork/watchtower/blocksource"
	"github.com/lightningnetwork/watchtower/carrier"
	"github.com/lightningnetwork/watchtower/config"
	"github.com/lightningnetwork/watchtower/recovery"
	"github.com/lightningnetwork/watchtower/responder"
	"github.com/lightningnetwork/watchtower/towerid"
	"github.com/lightningnetwork/watchtower/watcher"
	"github.com/lightningnetwork/watchtower/wtdb"
)

// networkParams resolves the chaincfg.Params for the network name in the
// tower's configuration.
func networkParams(network string) (chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return chaincfg.MainNetParams, nil
	case "testnet3":
		return chaincfg.TestNet3Params, nil
	case "regtest":
		return chaincfg.RegressionNetParams, nil
	case "simnet":
		return chaincfg.SimNetParams, nil
	default:
		return chaincfg.Params{}, fmt.Errorf("tower: unknown network %q", network)
	}
}

// Tower owns the full watchtower core: the durable Store, the BlockSource
// connection to bitcoind, and the Watcher/Responder pipeline that
// consumes it.
type Tower struct {
	started int32
	stopped int32

	cfg *config.Config

	store wtdb.Store
	chain *blocksource.RPCBlockSource

	watcher   *watcher.Watcher
	responder *responder.Responder

	watcherMissedBlocks   []chainhash.Hash
	responderMissedBlocks []chainhash.Hash
}

// New wires up a Tower's components without starting the Watcher or the
// Responder: it opens the bolt store, loads the identity key, dials and
// starts the chain backend (which launches its notification dispatch
// goroutine), and runs Recovery.Bootstrap to recover the Watcher's and
// Responder's durable state (spec section 4.7 steps 1-4).
func New(cfg *config.Config) (*Tower, error) {
	// Store and chain backend failures here are operator-actionable
	// (bad permissions, bad credentials, corrupt database) rather than
	// transient, so they're wrapped with go-errors to carry a stack
	// trace into the fatal-tier log line (spec section 7.6).
	store, err := wtdb.OpenBoltStore(cfg.DBPath())
	if err != nil {
		return nil, goerrors.Errorf("tower: unable to open store: %v", err)
	}

	params, err := networkParams(cfg.Network)
	if err != nil {
		store.Close()
		return nil, goerrors.WrapPrefix(err, "tower", 0)
	}

	identity, err := towerid.LoadOrGenerate(cfg.IdentityKeyPath())
	if err != nil {
		store.Close()
		return nil, goerrors.WrapPrefix(err, "tower: unable to load identity key", 0)
	}

	chainSource, err := blocksource.NewRPCBlockSource(blocksource.RPCConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		ZMQBlockAddr: cfg.ZMQBlockAddr,
		Params:       params,
	})
	if err != nil {
		store.Close()
		return nil, goerrors.Errorf("tower: unable to connect to chain backend: %v", err)
	}

	if err := chainSource.Start(); err != nil {
		store.Close()
		return nil, goerrors.Errorf("tower: unable to start chain backend: %v", err)
	}

	state, err := recovery.Bootstrap(store, chainSource)
	if err != nil {
		chainSource.Stop()
		store.Close()
		return nil, goerrors.Errorf("tower: recovery bootstrap failed: %v", err)
	}

	carrierClient := carrier.New(chainSource.RPCClient())

	r := responder.New(
		responder.Config{},
		store,
		chainSource,
		carrierClient,
		state.Trackers,
		state.TxTrackerMap,
		state.LastBlockResponder,
	)

	w := watcher.New(
		watcher.Config{MaxAppointments: cfg.MaxAppointments},
		store,
		chainSource,
		r,
		identity,
		state.Appointments,
		state.LocatorIndex,
		state.LastBlockWatcher,
	)

	t := &Tower{
		cfg:                   cfg,
		store:                 store,
		chain:                 chainSource,
		watcher:               w,
		responder:             r,
		watcherMissedBlocks:   state.WatcherMissedBlocks,
		responderMissedBlocks: state.ResponderMissedBlocks,
	}

	return t, nil
}

// Start launches the Responder first and the Watcher second, each
// replaying its own missed-block backlog before subscribing live (spec
// section 4.7 step 6: the Responder must be ready to accept handoffs
// before the Watcher can resume producing them).
func (t *Tower) Start() error {
	if !atomic.CompareAndSwapInt32(&t.started, 0, 1) {
		return nil
	}

	log.Infof("tower: starting, replaying %d responder block(s) and %d "+
		"watcher block(s)", len(t.responderMissedBlocks), len(t.watcherMissedBlocks))

	if err := t.responder.Start(t.responderMissedBlocks); err != nil {
		return fmt.Errorf("tower: unable to start responder: %v", err)
	}
	if err := t.watcher.Start(t.watcherMissedBlocks); err != nil {
		return fmt.Errorf("tower: unable to start watcher: %v", err)
	}

	return nil
}

// Stop shuts the tower down in the reverse of startup order and releases
// the chain connection and store.
func (t *Tower) Stop() error {
	if !atomic.CompareAndSwapInt32(&t.stopped, 0, 1) {
		return nil
	}

	t.watcher.Stop()
	t.responder.Stop()

	if err := t.chain.Stop(); err != nil {
		log.Errorf("tower: error stopping chain backend: %v", err)
	}

	return t.store.Close()
}

// AddAppointment registers a new appointment with the Watcher and returns
// its assigned uuid along with the tower's acknowledgement signature over
// it (spec sections 4.3 and 6). It is the tower's sole public intake
// path.
func (t *Tower) AddAppointment(appt *wtdb.Appointment) (wtdb.UUID, []byte, error) {
	return t.watcher.AddAppointment(appt)
}
