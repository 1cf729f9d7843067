package watcher

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// decodeTxid deserializes a raw Bitcoin transaction and returns its txid,
// the justice_txid of spec section 4.3 step 6b.
func decodeTxid(rawTx []byte) (chainhash.Hash, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return chainhash.Hash{}, err
	}

	return tx.TxHash(), nil
}
