package store

import (
	"encoding/binary"

	jsoniter "github.com/json-iterator/go"

	"github.com/cashkit/indexer/spec"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key prefixes. Everything lives in one keyspace; a leading byte picks
// the table and the rest of the key sorts lexicographically within it.
const (
	prefixMeta       byte = 'M' // -> metaRec (tip)
	prefixBlock      byte = 'B' // + hash -> blockRec
	prefixHeight     byte = 'H' // + be4(height) -> hash
	prefixTx         byte = 'T' // + txid -> spec.Tx
	prefixUtxo       byte = 'u' // + outpoint -> utxoRec
	prefixHistory    byte = 's' // + scriptKey + be4(height) + be4(txIdx) + txid -> nil
	prefixScriptUtxo byte = 'q' // + scriptKey + outpoint -> nil
	prefixSpend      byte = 'p' // + outpoint -> spending outpoint
	prefixToken      byte = 'k' // + txid -> tokenRec
	prefixUndo       byte = 'U' // + hash -> undoRec
)

type metaRec struct {
	Hash   spec.Hash `json:"hash"`
	Height int32     `json:"height"`
}

type blockRec struct {
	Info  spec.BlockInfo `json:"info"`
	TxIDs []spec.Hash    `json:"txids"`
}

type utxoRec struct {
	Height     int32             `json:"height"`
	IsCoinbase bool              `json:"isCoinbase,omitempty"`
	Value      int64             `json:"value"`
	Script     []byte            `json:"script"`
	TokenMeta  *spec.TokenMeta   `json:"tokenMeta,omitempty"`
	Token      *spec.TokenAmount `json:"token,omitempty"`
}

type tokenRec struct {
	Data     *spec.TokenTxData `json:"data,omitempty"`
	ErrorMsg string            `json:"errorMsg,omitempty"`
}

// undoRec holds everything RemoveBlock needs that the block's own
// records don't: the UTXOs the block spent, to be restored.
type undoRec struct {
	Spent []undoUtxo `json:"spent"`
}

type undoUtxo struct {
	OutPoint spec.OutPoint `json:"outpoint"`
	Utxo     utxoRec       `json:"utxo"`
}

func metaKey() []byte { return []byte{prefixMeta} }

func blockKey(hash spec.Hash) []byte {
	return append([]byte{prefixBlock}, hash[:]...)
}

func heightKey(height int32) []byte {
	key := make([]byte, 5)
	key[0] = prefixHeight
	binary.BigEndian.PutUint32(key[1:], uint32(height))
	return key
}

func txKey(txid spec.Hash) []byte {
	return append([]byte{prefixTx}, txid[:]...)
}

func utxoKey(op spec.OutPoint) []byte {
	opKey := op.Key()
	return append([]byte{prefixUtxo}, opKey[:]...)
}

func spendKey(op spec.OutPoint) []byte {
	opKey := op.Key()
	return append([]byte{prefixSpend}, opKey[:]...)
}

func tokenKey(txid spec.Hash) []byte {
	return append([]byte{prefixToken}, txid[:]...)
}

func undoKey(hash spec.Hash) []byte {
	return append([]byte{prefixUndo}, hash[:]...)
}

func scriptPrefix(table byte, key spec.ScriptKey) []byte {
	return append([]byte{table}, key.Bytes()...)
}

// historyKey sorts by (height, in-block index) under the script prefix,
// which is exactly the canonical confirmed history order.
func historyKey(key spec.ScriptKey, height int32, txIdx uint32, txid spec.Hash) []byte {
	b := scriptPrefix(prefixHistory, key)
	b = binary.BigEndian.AppendUint32(b, uint32(height))
	b = binary.BigEndian.AppendUint32(b, txIdx)
	return append(b, txid[:]...)
}

func scriptUtxoKey(key spec.ScriptKey, op spec.OutPoint) []byte {
	opKey := op.Key()
	return append(scriptPrefix(prefixScriptUtxo, key), opKey[:]...)
}

// spendValue encodes the spending (txid, input index) pair.
func spendValue(txid spec.Hash, inputIdx uint32) []byte {
	op := spec.OutPoint{TxID: txid, OutIdx: inputIdx}
	key := op.Key()
	return key[:]
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All record types are plain structs; this cannot fail at runtime.
		panic(err)
	}
	return b
}
