package spec

// RemovedBlock is what RemoveBlock gives back to the synchronizer: the
// disconnected header and its transactions in block order, so the
// non-coinbase ones can be demoted back to the mempool.
type RemovedBlock struct {
	Info BlockInfo
	Txs  []*Tx
}

// StoreReader is the read-only surface of the chain state store. All
// methods are safe for concurrent use; point lookups for missing
// entities fail with a NotFound error code.
type StoreReader interface {
	// Tip returns the current tip hash and height, height -1 if the
	// store is empty.
	Tip() (Hash, int32, error)

	GetBlock(hash Hash) (*Block, error)
	GetBlockByHeight(height int32) (*Block, error)

	// GetBlockRange returns headers for heights [start, end], clamped
	// to the known chain.
	GetBlockRange(start, end int32) ([]BlockInfo, error)

	// GetTx returns a confirmed transaction with SpentBy back-references
	// populated from the spend index.
	GetTx(txid Hash) (*Tx, error)

	GetUtxo(op OutPoint) (*Utxo, error)

	// GetSpend returns the input that spent op, or nil if unspent.
	GetSpend(op OutPoint) (*OutPoint, error)

	// UtxosForScript returns all unspent confirmed outputs for a script.
	UtxosForScript(key ScriptKey) ([]*Utxo, error)

	// HistoryLen counts the confirmed history entries for a script.
	HistoryLen(key ScriptKey) (int, error)

	// HistoryPage returns confirmed history txids in the canonical order
	// (height ascending, block order within height), skipping offset
	// entries and returning at most limit.
	HistoryPage(key ScriptKey, offset, limit int) ([]Hash, error)

	// TokenOutput returns the token meta and amount carried by an
	// outpoint, or nils if the output carries no valid token.
	TokenOutput(op OutPoint) (*TokenMeta, *TokenAmount, error)
}

// StoreView is a point-in-time snapshot of the store. Views are cheap;
// every query request reads through one so it never observes a
// half-applied block. Release must be called when done.
type StoreView interface {
	StoreReader
	Release()
}

// Store is the chain state store. Writes are atomic per call and are
// only ever issued by the single-writer synchronizer.
type Store interface {
	StoreReader

	// View opens a snapshot for consistent reads.
	View() (StoreView, error)

	// PutBlock atomically inserts a block, its transactions, the UTXO
	// and script index updates and the spend back-references. Fails
	// with a Conflict error if info.PrevHash is not the current tip.
	PutBlock(info *BlockInfo, txs []*Tx) error

	// RemoveBlock atomically undoes PutBlock for the tip block. Fails
	// with a Conflict error if hash is not the current tip.
	RemoveBlock(hash Hash) (*RemovedBlock, error)

	Close() error
}
