// Package index contains the chain synchronizer: the single writer
// that applies node events to the chain state store in causal order,
// runs token validation, and publishes subscription events as each
// change commits.
package index

import (
	"context"
	"sync"
	"time"

	"github.com/dogeorg/governor"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/spec"
	"github.com/cashkit/indexer/subs"
	"github.com/cashkit/indexer/token"
)

// DefaultLookback bounds how many blocks a reorg may walk back before
// the indexer declares its local state corrupt and halts.
const DefaultLookback = 1000

const (
	stateSyncing = "syncing"
	stateSynced  = "synced"
)

// CacheInvalidator lets the synchronizer evict query-side caches for
// scripts a commit touched.
type CacheInvalidator interface {
	InvalidateScripts(keys []spec.ScriptKey)
}

type Indexer struct {
	governor.ServiceCtx
	store    spec.Store
	mempool  *Mempool
	registry *subs.Registry
	events   <-chan spec.NodeEvent
	machine  *fsm.FSM
	cache    CacheInvalidator
	state    *sync.RWMutex
	network  spec.Network
	lookback int
	log      zerolog.Logger
}

// NewIndexer creates the synchronizer service. events must be a
// bounded channel: when the indexer falls behind, the transport blocks
// on it rather than buffering without limit. cache may be nil. state
// is the chain state lock shared with the query service; the writer
// holds it across a store commit and the matching mempool update so
// readers never see one without the other.
func NewIndexer(
	store spec.Store,
	mempool *Mempool,
	registry *subs.Registry,
	events <-chan spec.NodeEvent,
	cache CacheInvalidator,
	state *sync.RWMutex,
	network spec.Network,
	log zerolog.Logger,
) *Indexer {
	machine := fsm.NewFSM(stateSyncing, fsm.Events{
		{Name: "caught_up", Src: []string{stateSyncing}, Dst: stateSynced},
		{Name: "fell_behind", Src: []string{stateSynced}, Dst: stateSyncing},
	}, fsm.Callbacks{})
	return &Indexer{
		store:    store,
		mempool:  mempool,
		registry: registry,
		events:   events,
		machine:  machine,
		cache:    cache,
		state:    state,
		network:  network,
		lookback: DefaultLookback,
		log:      log.With().Str("component", "index").Logger(),
	}
}

// State returns "syncing" or "synced".
func (i *Indexer) State() string {
	return i.machine.Current()
}

// goroutine
func (i *Indexer) Run() {
	i.log.Info().Msg("synchronizer started")
	for !i.Stopping() {
		select {
		case <-i.Context.Done():
			return
		case ev := <-i.events:
			if err := i.ApplyEvent(ev); err != nil {
				// Structural fault: halt rather than diverge. The
				// governor restarts us and ingestion resumes from the
				// last committed height (the event stream replays).
				i.log.Error().Err(err).Msg("ingestion halted on fault")
				return
			}
			i.updateSyncState()
		}
	}
}

func (i *Indexer) updateSyncState() {
	event := "fell_behind"
	if len(i.events) == 0 {
		event = "caught_up"
	}
	// Transition errors just mean we are already in the target state.
	_ = i.machine.Event(context.Background(), event)
}

// ApplyEvent applies one node event fully: storage write, validity
// computation, notification emission. Never called concurrently.
// The state lock is held for the whole event: a confirmed tx must not
// be readable in the store and in the mempool overlay at once.
func (i *Indexer) ApplyEvent(ev spec.NodeEvent) error {
	i.state.Lock()
	defer i.state.Unlock()
	switch ev := ev.(type) {
	case spec.BlockConnected:
		return i.connectBlock(ev)
	case spec.BlockDisconnected:
		return i.disconnectBlock(ev.Hash)
	case spec.MempoolTxAdded:
		return i.addMempoolTx(ev.Tx, true)
	case spec.MempoolTxRemoved:
		i.removeMempoolTx(ev.TxID)
		return nil
	default:
		return idxerr.New(idxerr.ErrInternal, "unknown node event %T", ev)
	}
}

func (i *Indexer) connectBlock(ev spec.BlockConnected) error {
	info := ev.Info
	tipHash, tipHeight, err := i.store.Tip()
	if err != nil {
		return err
	}
	if tipHeight >= 0 && info.Hash == tipHash {
		i.log.Debug().Stringer("hash", info.Hash).Msg("block already applied")
		return nil
	}
	// The node has moved to a branch we don't extend: walk our tip
	// back until this block connects. The node stream then replays the
	// branch forward.
	depth := 0
	for tipHeight >= 0 && info.PrevHash != tipHash {
		if depth == 0 {
			metricReorgs.Inc()
			i.log.Info().Stringer("tip", tipHash).Stringer("incoming", info.Hash).
				Msg("reorg: walking back to common ancestor")
		}
		depth++
		if depth > i.lookback {
			return idxerr.New(idxerr.ErrInternal,
				"no common ancestor within %d blocks: local index corrupt or node adversarial",
				i.lookback)
		}
		if err := i.disconnectBlock(tipHash); err != nil {
			return err
		}
		tipHash, tipHeight, err = i.store.Tip()
		if err != nil {
			return err
		}
	}

	if err := i.prepareBlock(&info, ev.Txs); err != nil {
		return err
	}
	if err := i.store.PutBlock(&info, ev.Txs); err != nil {
		return err
	}
	metricBlocksConnected.Inc()
	metricTxsIndexed.Add(float64(len(ev.Txs)))

	// Mempool maintenance: confirmed txs leave silently (the Confirmed
	// notification below covers them); double-spent conflicts are
	// evicted with a notification.
	for _, tx := range ev.Txs {
		i.mempool.Remove(tx.TxID)
		for _, conflict := range i.mempool.EvictConflicts(tx) {
			i.registry.Publish(spec.TouchedScripts(conflict),
				subs.Msg{Type: subs.RemovedFromMempool, TxID: conflict.TxID})
		}
	}
	metricMempoolSize.Set(float64(i.mempool.Len()))

	var touched []spec.ScriptKey
	for _, tx := range ev.Txs {
		keys := spec.TouchedScripts(tx)
		touched = append(touched, keys...)
		i.registry.Publish(keys, subs.Msg{Type: subs.Confirmed, TxID: tx.TxID})
	}
	i.invalidate(touched)
	return nil
}

func (i *Indexer) disconnectBlock(hash spec.Hash) error {
	removed, err := i.store.RemoveBlock(hash)
	if err != nil {
		if idxerr.IsConflict(err) {
			i.log.Warn().Err(err).Msg("disconnect for non-tip block ignored")
			return nil
		}
		return err
	}
	metricBlocksDisconnected.Inc()

	var touched []spec.ScriptKey
	// Requeue in block order so chained spends resolve in sequence.
	// Transactions that no longer stand (the coinbase, or spends of
	// outputs that vanished with the branch) are discarded with a
	// Reorg notification.
	for _, tx := range removed.Txs {
		keys := spec.TouchedScripts(tx)
		touched = append(touched, keys...)
		if tx.IsCoinbase() {
			i.registry.Publish(keys, subs.Msg{Type: subs.Reorg, TxID: tx.TxID})
			continue
		}
		if err := i.addMempoolTx(tx, false); err != nil {
			if idxerr.HasCode(err, idxerr.ErrRejected) {
				i.registry.Publish(keys, subs.Msg{Type: subs.Reorg, TxID: tx.TxID})
				continue
			}
			return err
		}
	}
	metricMempoolSize.Set(float64(i.mempool.Len()))
	i.invalidate(touched)
	return nil
}

// prepareBlock denormalizes inputs, runs token validation for the
// whole block and fills in the block statistics.
func (i *Indexer) prepareBlock(info *spec.BlockInfo, txs []*spec.Tx) error {
	inBlock := make(map[spec.OutPoint]*spec.TxOutput)
	for _, tx := range txs {
		for outIdx := range tx.Outputs {
			inBlock[spec.OutPoint{TxID: tx.TxID, OutIdx: uint32(outIdx)}] = &tx.Outputs[outIdx]
		}
	}
	for _, tx := range txs {
		tx.Network = i.network
		if tx.TimeFirstSeen == 0 {
			if m := i.mempool.Get(tx.TxID); m != nil {
				tx.TimeFirstSeen = m.TimeFirstSeen
			} else {
				tx.TimeFirstSeen = info.Timestamp
			}
		}
		if err := i.resolveInputs(tx, inBlock); err != nil {
			return err
		}
	}

	batch := make(map[spec.Hash]*token.BatchTx, len(txs))
	for _, tx := range txs {
		intent, perr := token.ParseTx(tx)
		bt := &token.BatchTx{Tx: tx, Intent: intent}
		if perr != nil {
			bt.ParseErr = perr.Error()
		}
		batch[tx.TxID] = bt
	}
	known := make(map[spec.OutPoint]*token.SpentToken)
	for _, tx := range txs {
		for idx := range tx.Inputs {
			in := &tx.Inputs[idx]
			if in.Coinbase() {
				continue
			}
			if _, ok := batch[in.PrevOut.TxID]; ok {
				continue // resolved within the batch
			}
			meta, amt, err := i.store.TokenOutput(in.PrevOut)
			if err != nil {
				return err
			}
			if meta != nil {
				known[in.PrevOut] = &token.SpentToken{
					TokenID:      meta.TokenID,
					TokenType:    meta.TokenType,
					GroupTokenID: meta.GroupTokenID,
					Amount:       *amt,
				}
			}
		}
	}
	verdicts, err := token.ValidateBatch(batch, known)
	if err != nil {
		return idxerr.Wrap(idxerr.ErrInternal, err, "token validation for block %v", info.Hash)
	}
	for _, tx := range txs {
		token.Apply(tx, verdicts[tx.TxID])
	}

	computeBlockStats(info, txs)
	return nil
}

// resolveInputs fills each input's Value and OutputScript from the
// spent output: same-block outputs first, then the mempool overlay,
// then the confirmed UTXO set.
func (i *Indexer) resolveInputs(tx *spec.Tx, inBlock map[spec.OutPoint]*spec.TxOutput) error {
	for idx := range tx.Inputs {
		in := &tx.Inputs[idx]
		if in.Coinbase() {
			continue
		}
		if out, ok := inBlock[in.PrevOut]; ok {
			in.Value = out.Value
			in.OutputScript = out.OutputScript
			continue
		}
		if out, ok := i.mempool.ResolveOutput(in.PrevOut); ok {
			in.Value = out.Value
			in.OutputScript = out.OutputScript
			continue
		}
		utxo, err := i.store.GetUtxo(in.PrevOut)
		if err != nil {
			if idxerr.IsNotFound(err) {
				return idxerr.New(idxerr.ErrRejected,
					"tx %v input %d does not resolve: %v:%d unknown or spent",
					tx.TxID, idx, in.PrevOut.TxID, in.PrevOut.OutIdx)
			}
			return err
		}
		in.Value = utxo.Value
		in.OutputScript = utxo.Script
	}
	return nil
}

func (i *Indexer) addMempoolTx(tx *spec.Tx, notify bool) error {
	if i.mempool.Get(tx.TxID) != nil {
		return nil
	}
	if _, err := i.store.GetTx(tx.TxID); err == nil {
		return nil
	} else if !idxerr.IsNotFound(err) {
		return err
	}
	if err := i.resolveInputs(tx, nil); err != nil {
		if idxerr.HasCode(err, idxerr.ErrRejected) && notify {
			metricTxsRejected.Inc()
			i.log.Debug().Err(err).Msg("mempool tx rejected")
			return nil
		}
		return err
	}

	intent, perr := token.ParseTx(tx)
	parseErr := ""
	if perr != nil {
		parseErr = perr.Error()
	}
	spent := make([]*token.SpentToken, len(tx.Inputs))
	for idx := range tx.Inputs {
		in := &tx.Inputs[idx]
		if in.Coinbase() {
			continue
		}
		if producer := i.mempool.Get(in.PrevOut.TxID); producer != nil {
			spent[idx] = tokenOutputOf(producer, in.PrevOut.OutIdx)
			continue
		}
		meta, amt, err := i.store.TokenOutput(in.PrevOut)
		if err != nil {
			return err
		}
		if meta != nil {
			spent[idx] = &token.SpentToken{
				TokenID:      meta.TokenID,
				TokenType:    meta.TokenType,
				GroupTokenID: meta.GroupTokenID,
				Amount:       *amt,
			}
		}
	}
	token.Apply(tx, token.Validate(tx, intent, parseErr, spent))

	tx.Network = i.network
	tx.Block = nil
	if tx.TimeFirstSeen == 0 {
		tx.TimeFirstSeen = time.Now().Unix()
	}
	i.mempool.Add(tx)
	metricMempoolSize.Set(float64(i.mempool.Len()))
	keys := spec.TouchedScripts(tx)
	i.invalidate(keys)
	if notify {
		i.registry.Publish(keys, subs.Msg{Type: subs.AddedToMempool, TxID: tx.TxID})
	}
	return nil
}

func (i *Indexer) removeMempoolTx(txid spec.Hash) {
	evicted := i.mempool.RemoveWithDescendants(txid)
	metricMempoolSize.Set(float64(i.mempool.Len()))
	var touched []spec.ScriptKey
	for _, tx := range evicted {
		keys := spec.TouchedScripts(tx)
		touched = append(touched, keys...)
		i.registry.Publish(keys, subs.Msg{Type: subs.RemovedFromMempool, TxID: tx.TxID})
	}
	i.invalidate(touched)
}

func (i *Indexer) invalidate(keys []spec.ScriptKey) {
	if i.cache != nil && len(keys) > 0 {
		i.cache.InvalidateScripts(keys)
	}
}

// tokenOutputOf lifts the token carried by output outIdx of a mempool
// producer into the engine's spent-output form.
func tokenOutputOf(tx *spec.Tx, outIdx uint32) *token.SpentToken {
	if tx.TokenData == nil || int(outIdx) >= len(tx.TokenData.OutputTokens) {
		return nil
	}
	amt := tx.TokenData.OutputTokens[outIdx]
	if amt.IsZero() {
		return nil
	}
	return &token.SpentToken{
		TokenID:      tx.TokenData.Meta.TokenID,
		TokenType:    tx.TokenData.Meta.TokenType,
		GroupTokenID: tx.TokenData.Meta.GroupTokenID,
		Amount:       amt,
	}
}

func computeBlockStats(info *spec.BlockInfo, txs []*spec.Tx) {
	info.NumTxs = uint64(len(txs))
	info.NumInputs = 0
	info.NumOutputs = 0
	info.SumInputSats = 0
	info.SumCoinbaseOutputSats = 0
	info.SumNormalOutputSats = 0
	info.SumBurnedSats = 0
	for _, tx := range txs {
		info.NumInputs += uint64(len(tx.Inputs))
		info.NumOutputs += uint64(len(tx.Outputs))
		coinbase := tx.IsCoinbase()
		for idx := range tx.Inputs {
			if !tx.Inputs[idx].Coinbase() {
				info.SumInputSats += tx.Inputs[idx].Value
			}
		}
		for idx := range tx.Outputs {
			out := &tx.Outputs[idx]
			if _, spendable := spec.ClassifyScript(out.OutputScript); !spendable {
				info.SumBurnedSats += out.Value
				continue
			}
			if coinbase {
				info.SumCoinbaseOutputSats += out.Value
			} else {
				info.SumNormalOutputSats += out.Value
			}
		}
	}
}
