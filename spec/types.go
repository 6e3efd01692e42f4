package spec

// Network identifies which chain the indexer is tracking.
type Network int32

const (
	NetworkBCH Network = 0
	NetworkXEC Network = 1
	NetworkXPI Network = 2
	NetworkXRG Network = 3
)

// TokenType is the token protocol variant of a token transaction.
type TokenType int32

const (
	TokenFungible  TokenType = 0
	TokenNft1Group TokenType = 1
	TokenNft1Child TokenType = 2
	TokenUnknown   TokenType = 3
)

// TokenTxType is the declared token action of a transaction.
type TokenTxType int32

const (
	TokenTxGenesis TokenTxType = 0
	TokenTxSend    TokenTxType = 1
	TokenTxMint    TokenTxType = 2
	TokenTxUnknown TokenTxType = 3
)

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID   Hash   `json:"txid"`
	OutIdx uint32 `json:"outIdx"`
}

// TokenAmount is the token value carried by a single output (or input,
// denormalized from the spent output). A mint baton carries no amount.
type TokenAmount struct {
	Amount      uint64 `json:"amount"`
	IsMintBaton bool   `json:"isMintBaton,omitempty"`
}

// IsZero reports whether the output carries no token value at all.
func (t TokenAmount) IsZero() bool {
	return t.Amount == 0 && !t.IsMintBaton
}

// TokenMeta describes which token a transaction operates on.
type TokenMeta struct {
	TokenType    TokenType   `json:"tokenType"`
	TxType       TokenTxType `json:"txType"`
	TokenID      Hash        `json:"tokenId"`
	GroupTokenID *Hash       `json:"groupTokenId,omitempty"`
}

// TokenBurn records token value consumed by an input but not accounted
// for by the spending transaction's declared outputs.
type TokenBurn struct {
	Token   TokenAmount `json:"token"`
	TokenID Hash        `json:"tokenId"`
}

// TokenTxData is the validity verdict attached to a token transaction.
type TokenTxData struct {
	Meta         TokenMeta     `json:"meta"`
	InputTokens  []TokenAmount `json:"inputTokens"`
	OutputTokens []TokenAmount `json:"outputTokens"`
}

// TxInput spends a previous output. OutputScript and Value are
// denormalized from the spent output when the transaction is indexed.
type TxInput struct {
	PrevOut      OutPoint     `json:"prevOut"`
	InputScript  []byte       `json:"inputScript"`
	OutputScript []byte       `json:"outputScript,omitempty"`
	Value        int64        `json:"value"`
	SequenceNo   uint32       `json:"sequenceNo"`
	Token        *TokenAmount `json:"token,omitempty"`
	TokenBurn    *TokenBurn   `json:"tokenBurn,omitempty"`
}

// Coinbase reports whether this input is a coinbase input.
func (in *TxInput) Coinbase() bool {
	return in.PrevOut.TxID.IsZero()
}

// TxOutput is a created output. SpentBy is maintained by the index, not
// consensus data: nil means unspent, otherwise it names the spending
// transaction and the input index that consumed this output.
type TxOutput struct {
	Value        int64        `json:"value"`
	OutputScript []byte       `json:"outputScript"`
	Token        *TokenAmount `json:"token,omitempty"`
	SpentBy      *OutPoint    `json:"spentBy,omitempty"`
}

// BlockMetadata places a confirmed transaction in its block.
type BlockMetadata struct {
	Hash      Hash  `json:"hash"`
	Height    int32 `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Tx is a transaction as indexed. Block is nil while the transaction is
// in the mempool and set once it confirms; a reorg can clear it again.
type Tx struct {
	TxID          Hash           `json:"txid"`
	Version       int32          `json:"version"`
	Inputs        []TxInput      `json:"inputs"`
	Outputs       []TxOutput     `json:"outputs"`
	LockTime      uint32         `json:"lockTime"`
	TokenData     *TokenTxData   `json:"tokenData,omitempty"`
	TokenErrorMsg string         `json:"tokenErrorMsg,omitempty"`
	Block         *BlockMetadata `json:"block,omitempty"`
	TimeFirstSeen int64          `json:"timeFirstSeen"`
	Network       Network        `json:"network"`
}

// Confirmed reports whether the transaction is in a block.
func (tx *Tx) Confirmed() bool {
	return tx.Block != nil
}

// IsCoinbase reports whether the transaction is a coinbase.
func (tx *Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].Coinbase()
}

// Utxo is an unspent output. BlockHeight is -1 while unconfirmed.
type Utxo struct {
	OutPoint    OutPoint     `json:"outpoint"`
	BlockHeight int32        `json:"blockHeight"`
	IsCoinbase  bool         `json:"isCoinbase"`
	Value       int64        `json:"value"`
	Script      []byte       `json:"script"`
	TokenMeta   *TokenMeta   `json:"tokenMeta,omitempty"`
	Token       *TokenAmount `json:"token,omitempty"`
	Network     Network      `json:"network"`
}

// BlockInfo is the indexed block header plus per-block statistics,
// computed when the block is connected.
type BlockInfo struct {
	Hash      Hash   `json:"hash"`
	PrevHash  Hash   `json:"prevHash"`
	Height    int32  `json:"height"`
	NBits     uint32 `json:"nBits"`
	Timestamp int64  `json:"timestamp"`

	BlockSize  uint64 `json:"blockSize"`
	NumTxs     uint64 `json:"numTxs"`
	NumInputs  uint64 `json:"numInputs"`
	NumOutputs uint64 `json:"numOutputs"`

	SumInputSats          int64 `json:"sumInputSats"`
	SumCoinbaseOutputSats int64 `json:"sumCoinbaseOutputSats"`
	SumNormalOutputSats   int64 `json:"sumNormalOutputSats"`
	SumBurnedSats         int64 `json:"sumBurnedSats"`
}

// Block is a block header with the txids it confirmed, in block order.
type Block struct {
	Info  BlockInfo `json:"blockInfo"`
	TxIDs []Hash    `json:"txids"`
}

// UtxoStateVariant classifies an outpoint for batch validation.
type UtxoStateVariant int32

const (
	UtxoUnspent      UtxoStateVariant = 0
	UtxoSpent        UtxoStateVariant = 1
	UtxoNoSuchTx     UtxoStateVariant = 2
	UtxoNoSuchOutput UtxoStateVariant = 3
)

// UtxoState is the derived validation state of an outpoint. It is
// computed on demand and never stored.
type UtxoState struct {
	Height      int32            `json:"height"`
	IsConfirmed bool             `json:"isConfirmed"`
	State       UtxoStateVariant `json:"state"`
}
