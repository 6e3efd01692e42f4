package index

import (
	"sync"

	"github.com/cashkit/indexer/spec"
)

// Mempool is the in-memory overlay of unconfirmed transactions. The
// synchronizer is the only writer; the query service reads it
// concurrently, merged over a store snapshot.
type Mempool struct {
	mu       sync.RWMutex
	txs      map[spec.Hash]*spec.Tx
	spends   map[spec.OutPoint]spec.OutPoint // prevout -> (spending txid, input idx)
	byScript map[string][]spec.Hash          // arrival order per script key
}

func NewMempool() *Mempool {
	return &Mempool{
		txs:      make(map[spec.Hash]*spec.Tx),
		spends:   make(map[spec.OutPoint]spec.OutPoint),
		byScript: make(map[string][]spec.Hash),
	}
}

func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// Add inserts a resolved, token-validated transaction.
func (m *Mempool) Add(tx *spec.Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.TxID] = tx
	for i := range tx.Inputs {
		if !tx.Inputs[i].Coinbase() {
			m.spends[tx.Inputs[i].PrevOut] = spec.OutPoint{TxID: tx.TxID, OutIdx: uint32(i)}
		}
	}
	for _, sk := range spec.TouchedScripts(tx) {
		k := string(sk.Bytes())
		m.byScript[k] = append(m.byScript[k], tx.TxID)
	}
}

// Remove evicts one transaction (no cascade), returning it if present.
func (m *Mempool) Remove(txid spec.Hash) (*spec.Tx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(txid)
}

func (m *Mempool) removeLocked(txid spec.Hash) (*spec.Tx, bool) {
	tx, ok := m.txs[txid]
	if !ok {
		return nil, false
	}
	delete(m.txs, txid)
	for i := range tx.Inputs {
		if !tx.Inputs[i].Coinbase() {
			op := tx.Inputs[i].PrevOut
			if sp, ok := m.spends[op]; ok && sp.TxID == txid {
				delete(m.spends, op)
			}
		}
	}
	for _, sk := range spec.TouchedScripts(tx) {
		k := string(sk.Bytes())
		list := m.byScript[k]
		for j, id := range list {
			if id == txid {
				m.byScript[k] = append(list[:j:j], list[j+1:]...)
				break
			}
		}
		if len(m.byScript[k]) == 0 {
			delete(m.byScript, k)
		}
	}
	return tx, true
}

// RemoveWithDescendants evicts a transaction and every mempool
// transaction that spends (directly or transitively) its outputs.
// Returns the evicted transactions, the named one first.
func (m *Mempool) RemoveWithDescendants(txid spec.Hash) []*spec.Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeCascadeLocked(txid)
}

func (m *Mempool) removeCascadeLocked(txid spec.Hash) []*spec.Tx {
	tx, ok := m.removeLocked(txid)
	if !ok {
		return nil
	}
	evicted := []*spec.Tx{tx}
	for outIdx := range tx.Outputs {
		op := spec.OutPoint{TxID: txid, OutIdx: uint32(outIdx)}
		if spender, ok := m.spends[op]; ok {
			evicted = append(evicted, m.removeCascadeLocked(spender.TxID)...)
		}
	}
	return evicted
}

// EvictConflicts removes every mempool transaction that double-spends
// one of the given confirmed inputs, with descendants. confirmed is the
// txid whose inputs these are; it has already been removed.
func (m *Mempool) EvictConflicts(tx *spec.Tx) []*spec.Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []*spec.Tx
	for i := range tx.Inputs {
		if tx.Inputs[i].Coinbase() {
			continue
		}
		if spender, ok := m.spends[tx.Inputs[i].PrevOut]; ok && spender.TxID != tx.TxID {
			evicted = append(evicted, m.removeCascadeLocked(spender.TxID)...)
		}
	}
	return evicted
}

// Get returns the mempool transaction, or nil.
func (m *Mempool) Get(txid spec.Hash) *spec.Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txs[txid]
}

// SpendOf returns the mempool input spending op, or nil.
func (m *Mempool) SpendOf(op spec.OutPoint) *spec.OutPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if spender, ok := m.spends[op]; ok {
		return &spender
	}
	return nil
}

// ResolveOutput returns the output op refers to if its transaction is
// in the mempool.
func (m *Mempool) ResolveOutput(op spec.OutPoint) (*spec.TxOutput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[op.TxID]
	if !ok || int(op.OutIdx) >= len(tx.Outputs) {
		return nil, false
	}
	return &tx.Outputs[op.OutIdx], true
}

// HistoryFor returns the mempool transactions touching a script, in
// arrival order.
func (m *Mempool) HistoryFor(key spec.ScriptKey) []*spec.Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byScript[string(key.Bytes())]
	txs := make([]*spec.Tx, 0, len(ids))
	for _, id := range ids {
		txs = append(txs, m.txs[id])
	}
	return txs
}

// UtxosFor returns outputs created by mempool transactions for a
// script that no other mempool transaction has spent.
func (m *Mempool) UtxosFor(key spec.ScriptKey, network spec.Network) []*spec.Utxo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var utxos []*spec.Utxo
	for _, txid := range m.byScript[string(key.Bytes())] {
		tx := m.txs[txid]
		for outIdx := range tx.Outputs {
			out := &tx.Outputs[outIdx]
			sk, ok := spec.ClassifyScript(out.OutputScript)
			if !ok || !sk.Equal(key) {
				continue
			}
			op := spec.OutPoint{TxID: txid, OutIdx: uint32(outIdx)}
			if _, spent := m.spends[op]; spent {
				continue
			}
			utxo := &spec.Utxo{
				OutPoint:    op,
				BlockHeight: -1,
				Value:       out.Value,
				Script:      out.OutputScript,
				Token:       out.Token,
				Network:     network,
			}
			if tx.TokenData != nil && out.Token != nil {
				meta := tx.TokenData.Meta
				utxo.TokenMeta = &meta
			}
			utxos = append(utxos, utxo)
		}
	}
	return utxos
}

// SpentByMempool reports which of the given confirmed outpoints are
// spent by mempool transactions.
func (m *Mempool) SpentByMempool(op spec.OutPoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.spends[op]
	return ok
}
