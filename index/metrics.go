package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBlocksConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Name:      "blocks_connected_total",
		Help:      "Blocks applied to the index.",
	})
	metricBlocksDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Name:      "blocks_disconnected_total",
		Help:      "Blocks removed during reorgs.",
	})
	metricReorgs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Name:      "reorgs_total",
		Help:      "Chain reorganizations handled.",
	})
	metricTxsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Name:      "txs_indexed_total",
		Help:      "Transactions written to the index.",
	})
	metricTxsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Name:      "mempool_txs_rejected_total",
		Help:      "Mempool transactions dropped because inputs did not resolve.",
	})
	metricMempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Name:      "mempool_size",
		Help:      "Transactions currently in the mempool overlay.",
	})
)
