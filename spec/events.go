package spec

// NodeEvent is one event from the node's block/mempool stream. Events
// are delivered to the synchronizer in node-determined order over a
// bounded channel; the transport feeding the channel is external.
type NodeEvent interface {
	nodeEvent()
}

// BlockConnected announces a new block extending the node's tip. Txs
// are in canonical block order, with denormalized input values/scripts.
type BlockConnected struct {
	Info BlockInfo
	Txs  []*Tx
}

// BlockDisconnected announces the node has disconnected its tip block.
type BlockDisconnected struct {
	Hash Hash
}

// MempoolTxAdded announces a transaction accepted to the node mempool.
type MempoolTxAdded struct {
	Tx *Tx
}

// MempoolTxRemoved announces a mempool eviction (conflict or expiry).
type MempoolTxRemoved struct {
	TxID Hash
}

func (BlockConnected) nodeEvent()    {}
func (BlockDisconnected) nodeEvent() {}
func (MempoolTxAdded) nodeEvent()    {}
func (MempoolTxRemoved) nodeEvent()  {}
