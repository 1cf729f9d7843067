package blocksource

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MockBlockSource is a fully in-memory BlockSource used by tests to script
// block sequences -- including reorgs -- without a live bitcoind. It plays
// the role the teacher reserves for "+build debug" test helpers
// (chainntnfs/interface_debug.go's UnsafeStart/GetBestHeight), generalized
// to the full BlockSource surface.
type MockBlockSource struct {
	mu sync.Mutex

	blocks map[chainhash.Hash]*Block
	tip    chainhash.Hash

	txConfirmations map[chainhash.Hash]uint32

	subscribers map[int]chan chainhash.Hash
	nextSubID   int
}

// NewMockBlockSource returns an empty mock with no blocks yet.
func NewMockBlockSource() *MockBlockSource {
	return &MockBlockSource{
		blocks:          make(map[chainhash.Hash]*Block),
		txConfirmations: make(map[chainhash.Hash]uint32),
		subscribers:     make(map[int]chan chainhash.Hash),
	}
}

// AddBlock registers a block and, if notify is true, pushes its hash to
// every current subscriber -- modelling a newly connected best-chain
// block. AddBlock does not validate that b.PreviousBlock is a known block,
// so it can also be used to script a reorg onto a fresh, previously-unseen
// fork.
func (m *MockBlockSource) AddBlock(b *Block, notify bool) {
	m.mu.Lock()
	cp := *b
	cp.Transactions = append([]chainhash.Hash(nil), b.Transactions...)
	m.blocks[b.Hash] = &cp
	m.tip = b.Hash

	for _, txid := range b.Transactions {
		m.txConfirmations[txid] = 1
	}
	for txid, confs := range m.txConfirmations {
		if txid != m.tip && !containsTx(b.Transactions, txid) {
			m.txConfirmations[txid] = confs + 1
		}
	}

	var subs []chan chainhash.Hash
	if notify {
		for _, ch := range m.subscribers {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range subs {
		ch <- b.Hash
	}
}

func containsTx(txs []chainhash.Hash, txid chainhash.Hash) bool {
	for _, tx := range txs {
		if tx == txid {
			return true
		}
	}
	return false
}

// SetConfirmations forces the reported confirmation count for a txid,
// useful for scripting an "already in chain at depth N" scenario.
func (m *MockBlockSource) SetConfirmations(txid chainhash.Hash, confs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txConfirmations[txid] = confs
}

// RemoveTransaction erases a txid's confirmation record, as if it had been
// reorged out of the chain entirely.
func (m *MockBlockSource) RemoveTransaction(txid chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.txConfirmations, txid)
}

// Subscribe implements BlockSource.
func (m *MockBlockSource) Subscribe() (<-chan chainhash.Hash, func(), error) {
	ch := make(chan chainhash.Hash, 256)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}

	return ch, cancel, nil
}

// GetBlock implements BlockSource.
func (m *MockBlockSource) GetBlock(hash chainhash.Hash) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[hash]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *b
	cp.Transactions = append([]chainhash.Hash(nil), b.Transactions...)

	return &cp, nil
}

// GetTip implements BlockSource.
func (m *MockBlockSource) GetTip() (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tip, nil
}

// GetRawTransaction implements BlockSource.
func (m *MockBlockSource) GetRawTransaction(txid chainhash.Hash) (*TxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	confs, ok := m.txConfirmations[txid]
	if !ok {
		return nil, ErrNotFound
	}

	return &TxInfo{Txid: txid, Confirmations: confs}, nil
}
