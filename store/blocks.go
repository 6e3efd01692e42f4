package store

import (
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/spec"
)

// PutBlock atomically applies a connected block: transaction records,
// token verdicts, UTXO set changes, script indexes, spend
// back-references and the undo record that makes RemoveBlock possible.
func (s *LevelStore) PutBlock(info *spec.BlockInfo, txs []*spec.Tx) error {
	tipHash, tipHeight, err := s.Tip()
	if err != nil {
		return err
	}
	if tipHeight >= 0 && tipHash != info.PrevHash {
		return idxerr.New(idxerr.ErrConflict,
			"block %v does not extend tip %v", info.Hash, tipHash)
	}
	if tipHeight >= 0 && info.Height != tipHeight+1 {
		return idxerr.New(idxerr.ErrConflict,
			"block height %d does not follow tip height %d", info.Height, tipHeight)
	}

	batch := new(leveldb.Batch)
	var undo undoRec
	// Outputs created earlier in this same block; spends within the
	// block consume these instead of reading the (not yet written) db.
	created := make(map[spec.OutPoint][]byte) // outpoint -> script
	txids := make([]spec.Hash, len(txs))

	for txIdx, tx := range txs {
		txids[txIdx] = tx.TxID
		rec := *tx
		rec.Block = &spec.BlockMetadata{
			Hash:      info.Hash,
			Height:    info.Height,
			Timestamp: info.Timestamp,
		}
		// SpentBy is maintained in the spend index, not the record.
		outs := make([]spec.TxOutput, len(tx.Outputs))
		copy(outs, tx.Outputs)
		for i := range outs {
			outs[i].SpentBy = nil
		}
		rec.Outputs = outs
		batch.Put(txKey(tx.TxID), marshal(&rec))
		if tx.TokenData != nil || tx.TokenErrorMsg != "" {
			batch.Put(tokenKey(tx.TxID), marshal(&tokenRec{
				Data:     tx.TokenData,
				ErrorMsg: tx.TokenErrorMsg,
			}))
		}

		for inIdx := range tx.Inputs {
			in := &tx.Inputs[inIdx]
			if in.Coinbase() {
				continue
			}
			op := in.PrevOut
			if script, ok := created[op]; ok {
				// Spent within this block; never reaches the UTXO set.
				delete(created, op)
				batch.Delete(utxoKey(op))
				if sk, ok := spec.ClassifyScript(script); ok {
					batch.Delete(scriptUtxoKey(sk, op))
				}
			} else {
				var prev utxoRec
				found, err := s.get(utxoKey(op), &prev)
				if err != nil {
					return err
				}
				if !found {
					return idxerr.New(idxerr.ErrInternal,
						"tx %v input %d does not resolve: no utxo %v:%d",
						tx.TxID, inIdx, op.TxID, op.OutIdx)
				}
				undo.Spent = append(undo.Spent, undoUtxo{OutPoint: op, Utxo: prev})
				batch.Delete(utxoKey(op))
				if sk, ok := spec.ClassifyScript(prev.Script); ok {
					batch.Delete(scriptUtxoKey(sk, op))
				}
			}
			batch.Put(spendKey(op), spendValue(tx.TxID, uint32(inIdx)))
		}

		isCoinbase := tx.IsCoinbase()
		for outIdx := range tx.Outputs {
			out := &tx.Outputs[outIdx]
			sk, ok := spec.ClassifyScript(out.OutputScript)
			if !ok {
				continue
			}
			op := spec.OutPoint{TxID: tx.TxID, OutIdx: uint32(outIdx)}
			urec := utxoRec{
				Height:     info.Height,
				IsCoinbase: isCoinbase,
				Value:      out.Value,
				Script:     out.OutputScript,
			}
			if tx.TokenData != nil && out.Token != nil {
				meta := tx.TokenData.Meta
				urec.TokenMeta = &meta
				urec.Token = out.Token
			}
			created[op] = out.OutputScript
			batch.Put(utxoKey(op), marshal(&urec))
			batch.Put(scriptUtxoKey(sk, op), nil)
		}

		for _, sk := range spec.TouchedScripts(tx) {
			batch.Put(historyKey(sk, info.Height, uint32(txIdx), tx.TxID), nil)
		}
	}

	batch.Put(blockKey(info.Hash), marshal(&blockRec{Info: *info, TxIDs: txids}))
	batch.Put(heightKey(info.Height), info.Hash[:])
	batch.Put(metaKey(), marshal(&metaRec{Hash: info.Hash, Height: info.Height}))
	batch.Put(undoKey(info.Hash), marshal(&undo))
	if err := s.commit(batch); err != nil {
		return err
	}
	s.log.Debug().Int32("height", info.Height).Stringer("hash", info.Hash).
		Int("txs", len(txs)).Msg("block connected")
	return nil
}

// RemoveBlock is the atomic inverse of PutBlock for the tip block. The
// returned transactions have Block cleared, ready to be demoted back to
// the mempool by the caller.
func (s *LevelStore) RemoveBlock(hash spec.Hash) (*spec.RemovedBlock, error) {
	tipHash, _, err := s.Tip()
	if err != nil {
		return nil, err
	}
	if tipHash != hash {
		return nil, idxerr.New(idxerr.ErrConflict,
			"cannot remove %v: tip is %v", hash, tipHash)
	}
	var brec blockRec
	found, err := s.get(blockKey(hash), &brec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrInternal, "tip block %v has no record", hash)
	}
	var undo undoRec
	found, err = s.get(undoKey(hash), &undo)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, idxerr.New(idxerr.ErrInternal, "block %v has no undo record", hash)
	}

	txs := make([]*spec.Tx, len(brec.TxIDs))
	for i, txid := range brec.TxIDs {
		var tx spec.Tx
		found, err := s.get(txKey(txid), &tx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, idxerr.New(idxerr.ErrInternal, "block %v misses tx %v", hash, txid)
		}
		txs[i] = &tx
	}

	batch := new(leveldb.Batch)
	for txIdx := len(txs) - 1; txIdx >= 0; txIdx-- {
		tx := txs[txIdx]
		batch.Delete(txKey(tx.TxID))
		batch.Delete(tokenKey(tx.TxID))
		for outIdx := range tx.Outputs {
			sk, ok := spec.ClassifyScript(tx.Outputs[outIdx].OutputScript)
			if !ok {
				continue
			}
			op := spec.OutPoint{TxID: tx.TxID, OutIdx: uint32(outIdx)}
			batch.Delete(utxoKey(op))
			batch.Delete(scriptUtxoKey(sk, op))
		}
		for inIdx := range tx.Inputs {
			if !tx.Inputs[inIdx].Coinbase() {
				batch.Delete(spendKey(tx.Inputs[inIdx].PrevOut))
			}
		}
		for _, sk := range spec.TouchedScripts(tx) {
			batch.Delete(historyKey(sk, brec.Info.Height, uint32(txIdx), tx.TxID))
		}
	}
	for _, uu := range undo.Spent {
		batch.Put(utxoKey(uu.OutPoint), marshal(&uu.Utxo))
		if sk, ok := spec.ClassifyScript(uu.Utxo.Script); ok {
			batch.Put(scriptUtxoKey(sk, uu.OutPoint), nil)
		}
	}
	batch.Delete(blockKey(hash))
	batch.Delete(heightKey(brec.Info.Height))
	batch.Delete(undoKey(hash))
	if brec.Info.Height == 0 {
		batch.Delete(metaKey())
	} else {
		batch.Put(metaKey(), marshal(&metaRec{
			Hash:   brec.Info.PrevHash,
			Height: brec.Info.Height - 1,
		}))
	}
	if err := s.commit(batch); err != nil {
		return nil, err
	}
	for _, tx := range txs {
		tx.Block = nil
	}
	s.log.Debug().Int32("height", brec.Info.Height).Stringer("hash", hash).
		Msg("block disconnected")
	return &spec.RemovedBlock{Info: brec.Info, Txs: txs}, nil
}
