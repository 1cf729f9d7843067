// Package blocksource defines the abstract contract (C1 in spec section
// 4.1) that the Watcher and Responder use to learn about new blocks and
// query chain state, plus a concrete bitcoind-backed implementation.
package blocksource

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrNotFound is returned by GetBlock and GetRawTransaction when the
// requested hash/txid is unknown to the backend.
var ErrNotFound = errors.New("blocksource: not found")

// Block is the subset of block data the core needs: its own hash, its
// parent's hash (used to detect reorgs, spec section 4.1), height, and the
// list of transaction ids it contains.
type Block struct {
	Hash             chainhash.Hash
	PreviousBlock    chainhash.Hash
	Height           uint32
	Transactions     []chainhash.Hash
}

// TxInfo is the subset of getrawtransaction's verbose output the core
// needs.
type TxInfo struct {
	Txid          chainhash.Hash
	Confirmations uint32
}

// BlockSource is the contract described in spec section 4.1. Every method
// other than Subscribe is a synchronous, blocking RPC from the caller's
// perspective (spec section 5) and should be called with a bounded
// timeout by the caller.
type BlockSource interface {
	// Subscribe returns a fresh channel delivering newly observed
	// best-chain block hashes, one per block, in on-chain order.
	// Delivery is at-least-once: a duplicate of the previously
	// delivered hash may appear and must be tolerated by the consumer.
	// Each call returns an independent channel so that the Watcher and
	// the Responder can each hold their own subscription (spec section
	// 4.1: "The core consumes two independent streams").
	//
	// The returned cancel function stops delivery and releases
	// resources associated with the subscription; it is safe to call
	// more than once.
	Subscribe() (stream <-chan chainhash.Hash, cancel func(), err error)

	// GetBlock fetches a block's header/body summary by hash. It
	// returns ErrNotFound if the backend does not know the hash.
	GetBlock(hash chainhash.Hash) (*Block, error)

	// GetTip returns the hash of the current best-chain tip.
	GetTip() (chainhash.Hash, error)

	// GetRawTransaction returns confirmation info for a txid. It
	// returns ErrNotFound if the backend has no record of the
	// transaction (neither mined nor in the mempool).
	GetRawTransaction(txid chainhash.Hash) (*TxInfo, error)
}
