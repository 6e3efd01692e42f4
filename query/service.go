// Package query is the read-only facade over the chain state store and
// the mempool overlay. Every request reads a store snapshot merged with
// the overlay, so it never observes a half-applied block.
package query

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/index"
	"github.com/cashkit/indexer/spec"
)

const (
	DefaultPageSize  = 25
	MaxPageSize      = 200
	MaxBlockRange    = 500
	historyCacheTTL  = 60 * time.Second
	historyCacheSize = 4096
)

// HistoryPage is one page of script history.
type HistoryPage struct {
	Txs      []*spec.Tx `json:"txs"`
	NumPages int        `json:"numPages"`
}

type Service struct {
	store   spec.Store
	mempool *index.Mempool
	state   *sync.RWMutex
	network spec.Network
	history *ttlcache.Cache[string, *HistoryPage]
	log     zerolog.Logger
}

// NewService creates the query facade. state is the chain state lock
// shared with the synchronizer: reads hold its read side across the
// store snapshot and the mempool overlay, so a request never sees a
// block commit without the matching mempool eviction.
func NewService(store spec.Store, mempool *index.Mempool, state *sync.RWMutex, network spec.Network, log zerolog.Logger) *Service {
	cache := ttlcache.New[string, *HistoryPage](
		ttlcache.WithTTL[string, *HistoryPage](historyCacheTTL),
		ttlcache.WithCapacity[string, *HistoryPage](historyCacheSize),
	)
	go cache.Start()
	return &Service{
		store:   store,
		mempool: mempool,
		state:   state,
		network: network,
		history: cache,
		log:     log.With().Str("component", "query").Logger(),
	}
}

// InvalidateScripts evicts cached history for scripts a commit touched.
// Called by the synchronizer after every commit.
func (s *Service) InvalidateScripts(keys []spec.ScriptKey) {
	prefixes := make([]string, len(keys))
	for i, key := range keys {
		prefixes[i] = string(key.Bytes()) + "/"
	}
	for _, cacheKey := range s.history.Keys() {
		for _, prefix := range prefixes {
			if len(cacheKey) >= len(prefix) && cacheKey[:len(prefix)] == prefix {
				s.history.Delete(cacheKey)
				break
			}
		}
	}
}

// Close stops the cache janitor goroutine.
func (s *Service) Close() {
	s.history.Stop()
}

// Tip returns the indexed tip.
func (s *Service) Tip() (spec.Hash, int32, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.store.Tip()
}

// Block fetches a block by display-order hash or decimal height.
func (s *Service) Block(hashOrHeight string) (*spec.Block, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	if height, err := strconv.ParseInt(hashOrHeight, 10, 32); err == nil {
		return s.store.GetBlockByHeight(int32(height))
	}
	hash, err := spec.ParseHash(hashOrHeight)
	if err != nil {
		return nil, idxerr.New(idxerr.ErrInvalidArgument, "not a block hash or height: %q", hashOrHeight)
	}
	return s.store.GetBlock(hash)
}

// BlockRange returns headers for heights [start, end].
func (s *Service) BlockRange(start, end int32) ([]spec.BlockInfo, error) {
	if start < 0 || end < start {
		return nil, idxerr.New(idxerr.ErrInvalidArgument, "invalid block range [%d, %d]", start, end)
	}
	if int64(end)-int64(start)+1 > MaxBlockRange {
		return nil, idxerr.New(idxerr.ErrInvalidArgument,
			"block range [%d, %d] exceeds %d blocks", start, end, MaxBlockRange)
	}
	s.state.RLock()
	defer s.state.RUnlock()
	return s.store.GetBlockRange(start, end)
}

// Tx fetches a transaction from the mempool overlay or the store, with
// SpentBy back-references reflecting both confirmed and mempool spends.
func (s *Service) Tx(txid spec.Hash) (*spec.Tx, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	view, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer view.Release()
	return s.txMerged(view, txid)
}

func (s *Service) txMerged(view spec.StoreReader, txid spec.Hash) (*spec.Tx, error) {
	if m := s.mempool.Get(txid); m != nil {
		return s.withMempoolSpends(m), nil
	}
	tx, err := view.GetTx(txid)
	if err != nil {
		return nil, err
	}
	return s.withMempoolSpends(tx), nil
}

// withMempoolSpends returns a copy of tx whose unspent outputs gain
// SpentBy entries for mempool spends. A copy because mempool txs are
// shared with the writer.
func (s *Service) withMempoolSpends(tx *spec.Tx) *spec.Tx {
	cp := *tx
	cp.Outputs = make([]spec.TxOutput, len(tx.Outputs))
	copy(cp.Outputs, tx.Outputs)
	for i := range cp.Outputs {
		if cp.Outputs[i].SpentBy == nil {
			op := spec.OutPoint{TxID: tx.TxID, OutIdx: uint32(i)}
			cp.Outputs[i].SpentBy = s.mempool.SpendOf(op)
		}
	}
	return &cp
}

// History returns one page of a script's history: confirmed entries in
// canonical order, then mempool entries in arrival order.
func (s *Service) History(key spec.ScriptKey, page, pageSize int) (*HistoryPage, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		return nil, idxerr.New(idxerr.ErrInvalidArgument,
			"page size %d out of range [1, %d]", pageSize, MaxPageSize)
	}
	if page < 0 {
		return nil, idxerr.New(idxerr.ErrInvalidArgument, "negative page %d", page)
	}
	cacheKey := fmt.Sprintf("%s/%d/%d", key.Bytes(), page, pageSize)
	if item := s.history.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	s.state.RLock()
	defer s.state.RUnlock()
	view, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer view.Release()

	confirmed, err := view.HistoryLen(key)
	if err != nil {
		return nil, err
	}
	memTxs := s.mempool.HistoryFor(key)
	total := confirmed + len(memTxs)
	numPages := (total + pageSize - 1) / pageSize

	result := &HistoryPage{NumPages: numPages, Txs: []*spec.Tx{}}
	offset := page * pageSize
	if offset < confirmed {
		limit := pageSize
		if offset+limit > confirmed {
			limit = confirmed - offset
		}
		txids, err := view.HistoryPage(key, offset, limit)
		if err != nil {
			return nil, err
		}
		for _, txid := range txids {
			tx, err := s.txMerged(view, txid)
			if err != nil {
				return nil, err
			}
			result.Txs = append(result.Txs, tx)
		}
	}
	for idx := offset + len(result.Txs) - confirmed; idx >= 0 && idx < len(memTxs) && len(result.Txs) < pageSize; idx++ {
		result.Txs = append(result.Txs, s.withMempoolSpends(memTxs[idx]))
	}

	s.history.Set(cacheKey, result, ttlcache.DefaultTTL)
	return result, nil
}

// Utxos returns the unspent outputs for a script: confirmed ones not
// spent by the mempool, plus mempool-created ones.
func (s *Service) Utxos(key spec.ScriptKey) ([]*spec.Utxo, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	view, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer view.Release()
	confirmed, err := view.UtxosForScript(key)
	if err != nil {
		return nil, err
	}
	utxos := make([]*spec.Utxo, 0, len(confirmed))
	for _, utxo := range confirmed {
		if !s.mempool.SpentByMempool(utxo.OutPoint) {
			utxos = append(utxos, utxo)
		}
	}
	return append(utxos, s.mempool.UtxosFor(key, s.network)...), nil
}

// ValidateUtxos classifies each outpoint independently; result order
// matches input order and a bad outpoint never aborts the batch.
func (s *Service) ValidateUtxos(ops []spec.OutPoint) ([]spec.UtxoState, error) {
	s.state.RLock()
	defer s.state.RUnlock()
	view, err := s.store.View()
	if err != nil {
		return nil, err
	}
	defer view.Release()
	states := make([]spec.UtxoState, len(ops))
	for i, op := range ops {
		state, err := s.classify(view, op)
		if err != nil {
			return nil, err
		}
		states[i] = state
	}
	return states, nil
}

func (s *Service) classify(view spec.StoreReader, op spec.OutPoint) (spec.UtxoState, error) {
	utxo, err := view.GetUtxo(op)
	if err == nil {
		if s.mempool.SpentByMempool(op) {
			return spec.UtxoState{Height: -1, State: spec.UtxoSpent}, nil
		}
		return spec.UtxoState{
			Height:      utxo.BlockHeight,
			IsConfirmed: true,
			State:       spec.UtxoUnspent,
		}, nil
	}
	if !idxerr.IsNotFound(err) {
		return spec.UtxoState{}, err
	}
	if m := s.mempool.Get(op.TxID); m != nil {
		if int(op.OutIdx) >= len(m.Outputs) {
			return spec.UtxoState{Height: -1, State: spec.UtxoNoSuchOutput}, nil
		}
		if s.mempool.SpentByMempool(op) {
			return spec.UtxoState{Height: -1, State: spec.UtxoSpent}, nil
		}
		return spec.UtxoState{Height: -1, State: spec.UtxoUnspent}, nil
	}
	tx, err := view.GetTx(op.TxID)
	if err != nil {
		if idxerr.IsNotFound(err) {
			return spec.UtxoState{Height: -1, State: spec.UtxoNoSuchTx}, nil
		}
		return spec.UtxoState{}, err
	}
	if int(op.OutIdx) >= len(tx.Outputs) {
		return spec.UtxoState{
			Height:      tx.Block.Height,
			IsConfirmed: true,
			State:       spec.UtxoNoSuchOutput,
		}, nil
	}
	return spec.UtxoState{
		Height:      tx.Block.Height,
		IsConfirmed: true,
		State:       spec.UtxoSpent,
	}, nil
}
