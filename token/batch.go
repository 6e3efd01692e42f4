package token

import (
	"fmt"

	"github.com/cashkit/indexer/spec"
)

// BatchTx is one transaction queued for batch validation.
type BatchTx struct {
	Tx       *spec.Tx
	Intent   *Intent
	ParseErr string
}

// ValidateBatch validates a set of transactions that may spend each
// other in arbitrary order (canonical block ordering is not
// topological). Transactions whose in-batch inputs are not yet decided
// are deferred to a later round; a round that defers everything means
// the batch contains a spend cycle, which is a structural fault.
//
// known maps already-decided outpoints to their token state (nil for
// outputs decided to carry nothing). It is extended in place as
// verdicts are reached.
func ValidateBatch(
	txs map[spec.Hash]*BatchTx,
	known map[spec.OutPoint]*SpentToken,
) (map[spec.Hash]*Verdict, error) {
	verdicts := make(map[spec.Hash]*Verdict, len(txs))
	inBatch := make(map[spec.Hash]bool, len(txs))
	for txid := range txs {
		inBatch[txid] = true
	}
	pending := txs
	for len(pending) > 0 {
		next := make(map[spec.Hash]*BatchTx)
	txLoop:
		for txid, bt := range pending {
			for i := range bt.Tx.Inputs {
				in := &bt.Tx.Inputs[i]
				if in.Coinbase() {
					continue
				}
				if _, decided := known[in.PrevOut]; decided {
					continue
				}
				if inBatch[in.PrevOut.TxID] {
					// Producer not validated yet, retry next round.
					next[txid] = bt
					continue txLoop
				}
				// Outside the batch and not known: carries nothing.
			}
			spent := make([]*SpentToken, len(bt.Tx.Inputs))
			for i := range bt.Tx.Inputs {
				spent[i] = known[bt.Tx.Inputs[i].PrevOut]
			}
			v := Validate(bt.Tx, bt.Intent, bt.ParseErr, spent)
			verdicts[txid] = v
			for outIdx := range bt.Tx.Outputs {
				op := spec.OutPoint{TxID: txid, OutIdx: uint32(outIdx)}
				known[op] = v.OutputToken(uint32(outIdx))
			}
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("token batch contains a spend cycle among %d txs", len(next))
		}
		pending = next
	}
	return verdicts, nil
}
