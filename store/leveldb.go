// Package store implements the chain state store on goleveldb: an
// ordered keyspace with atomic batch writes and snapshot reads.
package store

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/spec"
)

// dbReader is the read surface shared by *leveldb.DB and its snapshots.
type dbReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// LevelStore implements spec.Store.
type LevelStore struct {
	reads
	db       *leveldb.DB
	log      zerolog.Logger
	maxRetry time.Duration
}

var _ spec.Store = (*LevelStore)(nil)

// Open opens (or creates) the store at path.
func Open(path string, network spec.Network, log zerolog.Logger) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "opening leveldb at %s", path)
	}
	return &LevelStore{
		reads:    reads{r: db, network: network},
		db:       db,
		log:      log.With().Str("component", "store").Logger(),
		maxRetry: 30 * time.Second,
	}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

// View opens a snapshot; concurrent queries read through it so they
// never observe a half-applied block.
func (s *LevelStore) View() (spec.StoreView, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "opening snapshot")
	}
	return &levelView{reads: reads{r: snap, network: s.network}, snap: snap}, nil
}

// commit writes the batch, retrying transient storage faults with
// exponential backoff. Exhaustion is returned as an internal fault; the
// synchronizer treats that as fatal.
func (s *LevelStore) commit(batch *leveldb.Batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxRetry
	err := backoff.Retry(func() error {
		if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
			s.log.Warn().Err(err).Msg("batch write failed, retrying")
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return idxerr.Wrap(idxerr.ErrInternal, err, "batch write retries exhausted")
	}
	return nil
}

type levelView struct {
	reads
	snap *leveldb.Snapshot
}

func (v *levelView) Release() {
	v.snap.Release()
}

// reads implements spec.StoreReader over any dbReader.
type reads struct {
	r       dbReader
	network spec.Network
}

func (x reads) get(key []byte, out any) (bool, error) {
	raw, err := x.r.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, idxerr.Wrap(idxerr.ErrInternal, err, "point read")
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, idxerr.Wrap(idxerr.ErrInternal, err, "corrupt record")
		}
	}
	return true, nil
}

func (x reads) Tip() (spec.Hash, int32, error) {
	var meta metaRec
	found, err := x.get(metaKey(), &meta)
	if err != nil {
		return spec.Hash{}, -1, err
	}
	if !found {
		return spec.Hash{}, -1, nil
	}
	return meta.Hash, meta.Height, nil
}

func (x reads) GetBlock(hash spec.Hash) (*spec.Block, error) {
	var rec blockRec
	found, err := x.get(blockKey(hash), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrNotFound, "block %v not found", hash)
	}
	return &spec.Block{Info: rec.Info, TxIDs: rec.TxIDs}, nil
}

func (x reads) GetBlockByHeight(height int32) (*spec.Block, error) {
	hash, found, err := x.hashAt(height)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrNotFound, "no block at height %d", height)
	}
	return x.GetBlock(hash)
}

func (x reads) hashAt(height int32) (spec.Hash, bool, error) {
	raw, err := x.r.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return spec.Hash{}, false, nil
	}
	if err != nil {
		return spec.Hash{}, false, idxerr.Wrap(idxerr.ErrInternal, err, "height read")
	}
	return spec.NewHash(raw), true, nil
}

func (x reads) GetBlockRange(start, end int32) ([]spec.BlockInfo, error) {
	if start < 0 {
		start = 0
	}
	var infos []spec.BlockInfo
	iter := x.r.NewIterator(&util.Range{
		Start: heightKey(start),
		Limit: heightKey(end + 1),
	}, nil)
	defer iter.Release()
	for iter.Next() {
		var rec blockRec
		found, err := x.get(blockKey(spec.NewHash(iter.Value())), &rec)
		if err != nil {
			return nil, err
		}
		if found {
			infos = append(infos, rec.Info)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "height scan")
	}
	return infos, nil
}

func (x reads) GetTx(txid spec.Hash) (*spec.Tx, error) {
	var tx spec.Tx
	found, err := x.get(txKey(txid), &tx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrNotFound, "tx %v not found", txid)
	}
	for i := range tx.Outputs {
		spender, err := x.GetSpend(spec.OutPoint{TxID: txid, OutIdx: uint32(i)})
		if err != nil {
			return nil, err
		}
		tx.Outputs[i].SpentBy = spender
	}
	return &tx, nil
}

func (x reads) GetUtxo(op spec.OutPoint) (*spec.Utxo, error) {
	var rec utxoRec
	found, err := x.get(utxoKey(op), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrNotFound, "utxo %v:%d not found", op.TxID, op.OutIdx)
	}
	return x.utxoFromRec(op, rec), nil
}

func (x reads) utxoFromRec(op spec.OutPoint, rec utxoRec) *spec.Utxo {
	return &spec.Utxo{
		OutPoint:    op,
		BlockHeight: rec.Height,
		IsCoinbase:  rec.IsCoinbase,
		Value:       rec.Value,
		Script:      rec.Script,
		TokenMeta:   rec.TokenMeta,
		Token:       rec.Token,
		Network:     x.network,
	}
}

func (x reads) GetSpend(op spec.OutPoint) (*spec.OutPoint, error) {
	raw, err := x.r.Get(spendKey(op), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "spend read")
	}
	spender := spec.OutPointFromKey(raw)
	return &spender, nil
}

func (x reads) UtxosForScript(key spec.ScriptKey) ([]*spec.Utxo, error) {
	prefix := scriptPrefix(prefixScriptUtxo, key)
	iter := x.r.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var utxos []*spec.Utxo
	for iter.Next() {
		op := spec.OutPointFromKey(iter.Key()[len(prefix):])
		utxo, err := x.GetUtxo(op)
		if err != nil {
			if idxerr.IsNotFound(err) {
				return nil, idxerr.Wrap(idxerr.ErrInternal, err, "script index references missing utxo")
			}
			return nil, err
		}
		utxos = append(utxos, utxo)
	}
	if err := iter.Error(); err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "script utxo scan")
	}
	return utxos, nil
}

func (x reads) HistoryLen(key spec.ScriptKey) (int, error) {
	prefix := scriptPrefix(prefixHistory, key)
	iter := x.r.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, idxerr.Wrap(idxerr.ErrInternal, err, "history scan")
	}
	return count, nil
}

func (x reads) HistoryPage(key spec.ScriptKey, offset, limit int) ([]spec.Hash, error) {
	prefix := scriptPrefix(prefixHistory, key)
	iter := x.r.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var txids []spec.Hash
	pos := 0
	for iter.Next() && len(txids) < limit {
		if pos >= offset {
			k := iter.Key()
			txids = append(txids, spec.NewHash(k[len(k)-spec.HashLen:]))
		}
		pos++
	}
	if err := iter.Error(); err != nil {
		return nil, idxerr.Wrap(idxerr.ErrInternal, err, "history scan")
	}
	return txids, nil
}

func (x reads) TokenOutput(op spec.OutPoint) (*spec.TokenMeta, *spec.TokenAmount, error) {
	var rec tokenRec
	found, err := x.get(tokenKey(op.TxID), &rec)
	if err != nil {
		return nil, nil, err
	}
	if !found || rec.Data == nil {
		return nil, nil, nil
	}
	if int(op.OutIdx) >= len(rec.Data.OutputTokens) {
		return nil, nil, nil
	}
	amt := rec.Data.OutputTokens[op.OutIdx]
	if amt.IsZero() {
		return nil, nil, nil
	}
	meta := rec.Data.Meta
	return &meta, &amt, nil
}
