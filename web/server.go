// Package web serves the HTTP/JSON query surface and the WebSocket
// subscription channel.
package web

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dogeorg/governor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/index"
	"github.com/cashkit/indexer/query"
	"github.com/cashkit/indexer/spec"
	"github.com/cashkit/indexer/subs"
)

func New(bind string, q *query.Service, registry *subs.Registry, indexer *index.Indexer, corsOrigin string, log zerolog.Logger) governor.Service {
	mux := http.NewServeMux()
	a := &WebAPI{
		query:      q,
		registry:   registry,
		indexer:    indexer,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "web").Logger(),
		srv: http.Server{
			Addr:    bind,
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /block/{hashOrHeight}", a.getBlock)
	mux.HandleFunc("GET /blocks/{start}/{end}", a.getBlockRange)
	mux.HandleFunc("GET /tx/{txid}", a.getTx)
	mux.HandleFunc("GET /history/{scriptType}/{payload}", a.getHistory)
	mux.HandleFunc("GET /utxos/{scriptType}/{payload}", a.getUtxos)
	mux.HandleFunc("POST /validate-utxos", a.validateUtxos)
	mux.HandleFunc("GET /ws", a.handleWs)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Method-qualified patterns never match OPTIONS, so browser CORS
	// preflight gets its own catch-all route.
	mux.HandleFunc("OPTIONS /", a.preflight)

	return a
}

type WebAPI struct {
	governor.ServiceCtx
	query      *query.Service
	registry   *subs.Registry
	indexer    *index.Indexer
	corsOrigin string
	log        zerolog.Logger
	srv        http.Server
}

// called on any Goroutine
func (a *WebAPI) Stop() {
	// new goroutine because Shutdown() blocks
	go func() {
		// cannot use ServiceCtx here because it's already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.srv.Shutdown(ctx) // blocking call
		cancel()
	}()
}

// goroutine
func (a *WebAPI) Run() {
	a.log.Info().Str("bind", a.srv.Addr).Msg("HTTP server listening")
	if err := a.srv.ListenAndServe(); err != http.ErrServerClosed { // blocking call
		a.log.Error().Err(err).Msg("HTTP server")
	}
}

const (
	getOptions  = "GET, OPTIONS"
	postOptions = "POST, OPTIONS"
)

func (a *WebAPI) preflight(w http.ResponseWriter, r *http.Request) {
	options := getOptions
	if r.URL.Path == "/validate-utxos" {
		options = postOptions
	}
	sendOptions(w, r, options, a.corsOrigin)
}

func (a *WebAPI) health(w http.ResponseWriter, r *http.Request) {
	tip, height, err := a.query.Tip()
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, map[string]any{
		"ok":     true,
		"tip":    tip,
		"height": height,
		"state":  a.indexer.State(),
	}, getOptions, a.corsOrigin)
}

func (a *WebAPI) getBlock(w http.ResponseWriter, r *http.Request) {
	block, err := a.query.Block(r.PathValue("hashOrHeight"))
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, block, getOptions, a.corsOrigin)
}

func (a *WebAPI) getBlockRange(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.ParseInt(r.PathValue("start"), 10, 32)
	end, err2 := strconv.ParseInt(r.PathValue("end"), 10, 32)
	if err1 != nil || err2 != nil {
		sendError(w, idxerr.New(idxerr.ErrInvalidArgument, "block range bounds must be decimal heights"),
			getOptions, a.corsOrigin)
		return
	}
	infos, err := a.query.BlockRange(int32(start), int32(end))
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, infos, getOptions, a.corsOrigin)
}

func (a *WebAPI) getTx(w http.ResponseWriter, r *http.Request) {
	txid, err := spec.ParseHash(r.PathValue("txid"))
	if err != nil {
		sendError(w, idxerr.New(idxerr.ErrInvalidArgument, "invalid txid"), getOptions, a.corsOrigin)
		return
	}
	tx, err := a.query.Tx(txid)
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, tx, getOptions, a.corsOrigin)
}

func scriptKeyFromPath(r *http.Request) (spec.ScriptKey, error) {
	scriptType, ok := spec.ParseScriptType(r.PathValue("scriptType"))
	if !ok {
		return spec.ScriptKey{}, idxerr.New(idxerr.ErrInvalidArgument,
			"unknown script type %q", r.PathValue("scriptType"))
	}
	payload, err := hex.DecodeString(r.PathValue("payload"))
	if err != nil || len(payload) == 0 {
		return spec.ScriptKey{}, idxerr.New(idxerr.ErrInvalidArgument, "invalid script payload")
	}
	return spec.ScriptKey{Type: scriptType, Payload: payload}, nil
}

func (a *WebAPI) getHistory(w http.ResponseWriter, r *http.Request) {
	key, err := scriptKeyFromPath(r)
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	page := 0
	pageSize := query.DefaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			sendError(w, idxerr.New(idxerr.ErrInvalidArgument, "invalid page"), getOptions, a.corsOrigin)
			return
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil {
			sendError(w, idxerr.New(idxerr.ErrInvalidArgument, "invalid page_size"), getOptions, a.corsOrigin)
			return
		}
	}
	pageResult, err := a.query.History(key, page, pageSize)
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, pageResult, getOptions, a.corsOrigin)
}

// ScriptUtxos groups a script's UTXOs under its fingerprint.
type ScriptUtxos struct {
	ScriptType string       `json:"scriptType"`
	Payload    string       `json:"payload"`
	Utxos      []*spec.Utxo `json:"utxos"`
}

func (a *WebAPI) getUtxos(w http.ResponseWriter, r *http.Request) {
	key, err := scriptKeyFromPath(r)
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	utxos, err := a.query.Utxos(key)
	if err != nil {
		sendError(w, err, getOptions, a.corsOrigin)
		return
	}
	sendJson(w, []ScriptUtxos{{
		ScriptType: key.Type.String(),
		Payload:    hex.EncodeToString(key.Payload),
		Utxos:      utxos,
	}}, getOptions, a.corsOrigin)
}

func (a *WebAPI) validateUtxos(w http.ResponseWriter, r *http.Request) {
	const options = postOptions
	// Txids are parsed per entry: one malformed outpoint classifies as
	// NO_SUCH_TX instead of aborting the batch.
	var raw []struct {
		TxID   string `json:"txid"`
		OutIdx uint32 `json:"outIdx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		sendError(w, idxerr.New(idxerr.ErrInvalidArgument, "body must be a JSON array of outpoints"),
			options, a.corsOrigin)
		return
	}
	states := make([]spec.UtxoState, len(raw))
	var ops []spec.OutPoint
	var positions []int
	for i, entry := range raw {
		txid, err := spec.ParseHash(entry.TxID)
		if err != nil {
			states[i] = spec.UtxoState{Height: -1, State: spec.UtxoNoSuchTx}
			continue
		}
		ops = append(ops, spec.OutPoint{TxID: txid, OutIdx: entry.OutIdx})
		positions = append(positions, i)
	}
	checked, err := a.query.ValidateUtxos(ops)
	if err != nil {
		sendError(w, err, options, a.corsOrigin)
		return
	}
	for i, state := range checked {
		states[positions[i]] = state
	}
	sendJson(w, states, options, a.corsOrigin)
}
