package main

import (
	"os"
	"sync"
	"time"

	"github.com/dogeorg/governor"
	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/index"
	"github.com/cashkit/indexer/query"
	"github.com/cashkit/indexer/spec"
	"github.com/cashkit/indexer/store"
	"github.com/cashkit/indexer/subs"
	"github.com/cashkit/indexer/web"
)

// eventQueueDepth bounds the node-event queue; a full queue blocks the
// transport (backpressure) instead of buffering without limit.
const eventQueueDepth = 256

type Config struct {
	dbPath     string
	bind       string
	corsOrigin string
	network    spec.Network
}

func main() {
	config := Config{
		dbPath:     envOr("DB_PATH", "indexdb"),
		bind:       envOr("BIND", ":8000"),
		corsOrigin: envOr("CORS_ORIGIN", "*"),
		network:    networkFromEnv(envOr("NETWORK", "xec")),
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	gov := governor.New().CatchSignals().Restart(1 * time.Second)

	db, err := store.Open(config.dbPath, config.network, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open database")
	}
	defer db.Close()

	mempool := index.NewMempool()
	registry := subs.NewRegistry(log)

	// Chain state lock: the synchronizer writes under it, query reads
	// under its read side.
	var state sync.RWMutex

	qsvc := query.NewService(db, mempool, &state, config.network, log)
	defer qsvc.Close()

	// The node transport (an external collaborator) feeds block and
	// mempool events into this bounded queue, replaying from the last
	// committed height on restart.
	events := make(chan spec.NodeEvent, eventQueueDepth)

	indexer := index.NewIndexer(db, mempool, registry, events, qsvc, &state, config.network, log)
	gov.Add("Index", indexer)
	gov.Add("Web", web.New(config.bind, qsvc, registry, indexer, config.corsOrigin, log))

	// run services until interrupted.
	gov.Start()
	gov.WaitForShutdown()
	log.Info().Msg("finished")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func networkFromEnv(name string) spec.Network {
	switch name {
	case "bch":
		return spec.NetworkBCH
	case "xpi":
		return spec.NetworkXPI
	case "xrg":
		return spec.NetworkXRG
	default:
		return spec.NetworkXEC
	}
}
