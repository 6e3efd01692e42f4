package index_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/idxerr"
	"github.com/cashkit/indexer/index"
	"github.com/cashkit/indexer/query"
	"github.com/cashkit/indexer/spec"
	idxstore "github.com/cashkit/indexer/store"
	"github.com/cashkit/indexer/subs"
)

type fixture struct {
	store    *idxstore.LevelStore
	mempool  *index.Mempool
	registry *subs.Registry
	state    *sync.RWMutex
	idx      *index.Indexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := idxstore.Open(t.TempDir(), spec.NetworkXEC, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := index.NewMempool()
	r := subs.NewRegistry(zerolog.Nop())
	state := &sync.RWMutex{}
	return &fixture{
		store:    s,
		mempool:  m,
		registry: r,
		state:    state,
		idx:      index.NewIndexer(s, m, r, nil, nil, state, spec.NetworkXEC, zerolog.Nop()),
	}
}

func (f *fixture) listen(t *testing.T, script []byte) *subs.Subscriber {
	t.Helper()
	sub := f.registry.NewSubscriber(32)
	f.registry.Subscribe(sub, mustKey(t, script))
	return sub
}

func drainMsgs(c chan subs.Msg) []subs.Msg {
	var msgs []subs.Msg
	for {
		select {
		case m, ok := <-c:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func coinbase(txid spec.Hash, outputs ...spec.TxOutput) *spec.Tx {
	return &spec.Tx{
		TxID:    txid,
		Inputs:  []spec.TxInput{{PrevOut: spec.OutPoint{}, InputScript: []byte{0x01}}},
		Outputs: outputs,
	}
}

func header(hash, prev spec.Hash, height int32) spec.BlockInfo {
	return spec.BlockInfo{
		Hash:      hash,
		PrevHash:  prev,
		Height:    height,
		Timestamp: 1700000000 + int64(height)*600,
	}
}

func TestIndexer_ConnectBlocks(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)
	sub := f.listen(t, scriptA)

	if f.idx.State() != "syncing" {
		t.Fatalf("initial state = %q", f.idx.State())
	}

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}

	b1 := header(spec.Hash{0xB1}, g.Hash, 1)
	cb1 := coinbase(spec.Hash{0x02}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1}}); err != nil {
		t.Fatalf("connect b1: %v", err)
	}

	hash, height, err := f.store.Tip()
	if err != nil || hash != b1.Hash || height != 1 {
		t.Fatalf("tip = %v at %d (err %v)", hash, height, err)
	}

	// Redelivery of the tip block is a no-op.
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1}}); err != nil {
		t.Fatalf("reconnect b1: %v", err)
	}

	msgs := drainMsgs(sub.C)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (no duplicates)", len(msgs))
	}
	for i, want := range []spec.Hash{cb0.TxID, cb1.TxID} {
		if msgs[i].Type != subs.Confirmed || msgs[i].TxID != want {
			t.Fatalf("msg %d = %+v, want Confirmed %v", i, msgs[i], want)
		}
	}
}

func TestIndexer_BlockStats(t *testing.T) {
	f := newFixture(t)
	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb := coinbase(spec.Hash{0x01},
		spec.TxOutput{Value: 50, OutputScript: p2pkh(0xAA)},
		spec.TxOutput{Value: 10, OutputScript: []byte{0x6a, 0x01, 0x00}},
	)
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb}}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	block, err := f.store.GetBlock(g.Hash)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	info := block.Info
	if info.NumTxs != 1 || info.NumInputs != 1 || info.NumOutputs != 2 {
		t.Fatalf("counts = %+v", info)
	}
	if info.SumCoinbaseOutputSats != 50 || info.SumBurnedSats != 10 || info.SumNormalOutputSats != 0 {
		t.Fatalf("sums = %+v", info)
	}
}

func TestIndexer_MempoolTxLifecycle(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)
	scriptB := p2pkh(0xBB)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}
	sub := f.listen(t, scriptB)

	spend := unconfirmedTx(spec.Hash{0x02},
		[]spec.OutPoint{{TxID: cb0.TxID, OutIdx: 0}},
		spec.TxOutput{Value: 90, OutputScript: scriptB})
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: spend}); err != nil {
		t.Fatalf("mempool add: %v", err)
	}
	if f.mempool.Len() != 1 {
		t.Fatalf("mempool len = %d", f.mempool.Len())
	}
	// Input denormalization happened against the confirmed UTXO.
	held := f.mempool.Get(spend.TxID)
	if held.Inputs[0].Value != 100 || len(held.Inputs[0].OutputScript) == 0 {
		t.Fatalf("input not denormalized: %+v", held.Inputs[0])
	}

	// Redelivery of the same mempool tx is a no-op.
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: spend}); err != nil {
		t.Fatalf("mempool re-add: %v", err)
	}

	// The block confirming it clears the mempool silently and notifies
	// Confirmed.
	b1 := header(spec.Hash{0xB1}, g.Hash, 1)
	cb1 := coinbase(spec.Hash{0x03}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1, spend}}); err != nil {
		t.Fatalf("connect b1: %v", err)
	}
	if f.mempool.Len() != 0 {
		t.Fatalf("mempool len after confirm = %d", f.mempool.Len())
	}

	msgs := drainMsgs(sub.C)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want added then confirmed", msgs)
	}
	if msgs[0].Type != subs.AddedToMempool || msgs[0].TxID != spend.TxID {
		t.Fatalf("msg 0 = %+v", msgs[0])
	}
	if msgs[1].Type != subs.Confirmed || msgs[1].TxID != spend.TxID {
		t.Fatalf("msg 1 = %+v", msgs[1])
	}

	stored, err := f.store.GetTx(spend.TxID)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if stored.Block == nil || stored.Block.Height != 1 {
		t.Fatalf("confirmed tx block = %+v", stored.Block)
	}
	if stored.TimeFirstSeen != 1700000000 {
		t.Fatalf("TimeFirstSeen should survive confirmation: %d", stored.TimeFirstSeen)
	}
}

func TestIndexer_MempoolRejectsUnresolvable(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)
	sub := f.listen(t, scriptA)

	orphan := unconfirmedTx(spec.Hash{0x01},
		[]spec.OutPoint{{TxID: spec.Hash{0xDE, 0xAD}, OutIdx: 0}},
		spec.TxOutput{Value: 90, OutputScript: scriptA})
	// Rejection is not a fault: the event is consumed and dropped.
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: orphan}); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
	if f.mempool.Len() != 0 {
		t.Fatalf("rejected tx entered mempool")
	}
	if msgs := drainMsgs(sub.C); len(msgs) != 0 {
		t.Fatalf("rejected tx notified: %+v", msgs)
	}
}

func TestIndexer_MempoolRemovedCascades(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}
	sub := f.listen(t, scriptA)

	parent := unconfirmedTx(spec.Hash{0x02},
		[]spec.OutPoint{{TxID: cb0.TxID, OutIdx: 0}},
		spec.TxOutput{Value: 90, OutputScript: scriptA})
	child := unconfirmedTx(spec.Hash{0x03},
		[]spec.OutPoint{{TxID: parent.TxID, OutIdx: 0}},
		spec.TxOutput{Value: 80, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: parent}); err != nil {
		t.Fatalf("add parent: %v", err)
	}
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: child}); err != nil {
		t.Fatalf("add child: %v", err)
	}
	drainMsgs(sub.C)

	if err := f.idx.ApplyEvent(spec.MempoolTxRemoved{TxID: parent.TxID}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.mempool.Len() != 0 {
		t.Fatalf("descendants should cascade, len = %d", f.mempool.Len())
	}
	msgs := drainMsgs(sub.C)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want 2 removals", msgs)
	}
	for _, m := range msgs {
		if m.Type != subs.RemovedFromMempool {
			t.Fatalf("message = %+v", m)
		}
	}
}

func TestIndexer_DoubleSpendEviction(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)
	scriptB := p2pkh(0xBB)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}
	sub := f.listen(t, scriptB)

	contested := spec.OutPoint{TxID: cb0.TxID, OutIdx: 0}
	loser := unconfirmedTx(spec.Hash{0x02}, []spec.OutPoint{contested},
		spec.TxOutput{Value: 90, OutputScript: scriptB})
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: loser}); err != nil {
		t.Fatalf("add loser: %v", err)
	}
	drainMsgs(sub.C)

	// A different spender of the contested outpoint confirms.
	winner := &spec.Tx{
		TxID:    spec.Hash{0x03},
		Inputs:  []spec.TxInput{{PrevOut: contested}},
		Outputs: []spec.TxOutput{{Value: 95, OutputScript: scriptB}},
	}
	cb1 := coinbase(spec.Hash{0x04}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	b1 := header(spec.Hash{0xB1}, g.Hash, 1)
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1, winner}}); err != nil {
		t.Fatalf("connect b1: %v", err)
	}

	if f.mempool.Get(loser.TxID) != nil {
		t.Fatal("double-spending mempool tx should be evicted")
	}
	msgs := drainMsgs(sub.C)
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Type != subs.RemovedFromMempool || msgs[0].TxID != loser.TxID {
		t.Fatalf("msg 0 = %+v, want loser removal", msgs[0])
	}
	if msgs[1].Type != subs.Confirmed || msgs[1].TxID != winner.TxID {
		t.Fatalf("msg 1 = %+v, want winner confirmation", msgs[1])
	}
}

func TestIndexer_ReorgWalksBack(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)
	scriptB := p2pkh(0xBB)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}

	// Branch a: a coinbase plus a spend of the genesis output.
	cbA := coinbase(spec.Hash{0x02}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	spendA := unconfirmedTx(spec.Hash{0x03},
		[]spec.OutPoint{{TxID: cb0.TxID, OutIdx: 0}},
		spec.TxOutput{Value: 90, OutputScript: scriptB})
	b1a := header(spec.Hash{0xA1}, g.Hash, 1)
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1a, Txs: []*spec.Tx{cbA, spendA}}); err != nil {
		t.Fatalf("connect b1a: %v", err)
	}
	subA := f.listen(t, scriptA)

	// Branch b arrives building on genesis: the indexer walks its tip
	// back and follows.
	cbB := coinbase(spec.Hash{0x04}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	b1b := header(spec.Hash{0xA2}, g.Hash, 1)
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1b, Txs: []*spec.Tx{cbB}}); err != nil {
		t.Fatalf("connect b1b: %v", err)
	}

	hash, height, err := f.store.Tip()
	if err != nil || hash != b1b.Hash || height != 1 {
		t.Fatalf("tip = %v at %d (err %v)", hash, height, err)
	}

	// The disconnected coinbase cannot return; the spend is demoted to
	// the mempool and stays valid on the new branch.
	if _, err := f.store.GetTx(cbA.TxID); !idxerr.IsNotFound(err) {
		t.Fatalf("branch-a coinbase should be gone, got %v", err)
	}
	demoted := f.mempool.Get(spendA.TxID)
	if demoted == nil {
		t.Fatal("branch-a spend should be back in the mempool")
	}
	if demoted.Block != nil {
		t.Fatalf("demoted tx still confirmed: %+v", demoted.Block)
	}

	var sawReorg, sawConfirm bool
	for _, m := range drainMsgs(subA.C) {
		switch {
		case m.Type == subs.Reorg && m.TxID == cbA.TxID:
			sawReorg = true
		case m.Type == subs.Confirmed && m.TxID == cbB.TxID:
			sawConfirm = true
		}
	}
	if !sawReorg || !sawConfirm {
		t.Fatalf("notifications incomplete: reorg=%v confirm=%v", sawReorg, sawConfirm)
	}
}

func TestIndexer_TokenFlowAcrossBlocks(t *testing.T) {
	f := newFixture(t)
	scriptA := p2pkh(0xAA)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}

	// Block 1: an SLP genesis funded by the coinbase output.
	genesisTx := &spec.Tx{
		TxID:   spec.Hash{0x02},
		Inputs: []spec.TxInput{{PrevOut: spec.OutPoint{TxID: cb0.TxID, OutIdx: 0}}},
		Outputs: []spec.TxOutput{
			{Value: 0, OutputScript: slpGenesis(1000)},
			{Value: 546, OutputScript: scriptA},
		},
	}
	cb1 := coinbase(spec.Hash{0x03}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	b1 := header(spec.Hash{0xB1}, g.Hash, 1)
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1, genesisTx}}); err != nil {
		t.Fatalf("connect b1: %v", err)
	}

	meta, amt, err := f.store.TokenOutput(spec.OutPoint{TxID: genesisTx.TxID, OutIdx: 1})
	if err != nil || meta == nil || amt == nil || amt.Amount != 1000 {
		t.Fatalf("TokenOutput = %+v %+v (err %v)", meta, amt, err)
	}
	if meta.TokenID != genesisTx.TxID {
		t.Fatalf("token id = %v, want genesis txid", meta.TokenID)
	}

	// A mempool send of the whole supply validates against the stored
	// verdict.
	send := &spec.Tx{
		TxID:   spec.Hash{0x05},
		Inputs: []spec.TxInput{{PrevOut: spec.OutPoint{TxID: genesisTx.TxID, OutIdx: 1}}},
		Outputs: []spec.TxOutput{
			{Value: 0, OutputScript: slpSend(genesisTx.TxID, 1000)},
			{Value: 546, OutputScript: scriptA},
		},
		TimeFirstSeen: 1700001000,
	}
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: send}); err != nil {
		t.Fatalf("mempool add send: %v", err)
	}
	held := f.mempool.Get(send.TxID)
	if held == nil || held.TokenData == nil {
		t.Fatal("send should carry valid token data")
	}
	if held.Outputs[1].Token == nil || held.Outputs[1].Token.Amount != 1000 {
		t.Fatalf("send output token = %+v", held.Outputs[1].Token)
	}
	if held.Inputs[0].TokenBurn != nil {
		t.Fatalf("exact send should not burn: %+v", held.Inputs[0].TokenBurn)
	}
}

func slpGenesis(qty uint64) []byte {
	script := []byte{0x6a}
	push := func(b []byte) {
		if len(b) == 0 {
			script = append(script, 0x4c, 0x00)
			return
		}
		script = append(script, byte(len(b)))
		script = append(script, b...)
	}
	push([]byte{'S', 'L', 'P', 0})
	push([]byte{1})
	push([]byte("GENESIS"))
	push([]byte("TKN"))
	push([]byte("Token"))
	push(nil)
	push(nil)
	push([]byte{0})
	push(nil)
	amt := make([]byte, 8)
	binary.BigEndian.PutUint64(amt, qty)
	push(amt)
	return script
}

func slpSend(tokenID spec.Hash, qty uint64) []byte {
	script := []byte{0x6a}
	push := func(b []byte) {
		script = append(script, byte(len(b)))
		script = append(script, b...)
	}
	push([]byte{'S', 'L', 'P', 0})
	push([]byte{1})
	push([]byte("SEND"))
	display := make([]byte, spec.HashLen)
	for i := 0; i < spec.HashLen; i++ {
		display[i] = tokenID[spec.HashLen-1-i]
	}
	push(display)
	amt := make([]byte, 8)
	binary.BigEndian.PutUint64(amt, qty)
	push(amt)
	return script
}

// A transaction being confirmed must never show up in one history page
// twice, once from the store and once from the mempool overlay. The
// state lock makes the commit and the mempool eviction atomic for
// readers.
func TestIndexer_HistoryConsistentDuringConfirm(t *testing.T) {
	f := newFixture(t)
	qsvc := query.NewService(f.store, f.mempool, f.state, spec.NetworkXEC, zerolog.Nop())
	t.Cleanup(qsvc.Close)
	f.idx = index.NewIndexer(f.store, f.mempool, f.registry, nil, qsvc, f.state, spec.NetworkXEC, zerolog.Nop())
	scriptA := p2pkh(0xAA)
	scriptB := p2pkh(0xBB)
	keyB := mustKey(t, scriptB)

	g := header(spec.Hash{0xB0}, spec.Hash{}, 0)
	cb0 := coinbase(spec.Hash{0x01}, spec.TxOutput{Value: 100, OutputScript: scriptA})
	if err := f.idx.ApplyEvent(spec.BlockConnected{Info: g, Txs: []*spec.Tx{cb0}}); err != nil {
		t.Fatalf("connect genesis: %v", err)
	}
	spend := unconfirmedTx(spec.Hash{0x02},
		[]spec.OutPoint{{TxID: cb0.TxID, OutIdx: 0}},
		spec.TxOutput{Value: 90, OutputScript: scriptB})
	if err := f.idx.ApplyEvent(spec.MempoolTxAdded{Tx: spend}); err != nil {
		t.Fatalf("mempool add: %v", err)
	}

	b1 := header(spec.Hash{0xB1}, g.Hash, 1)
	cb1 := coinbase(spec.Hash{0x03}, spec.TxOutput{Value: 50, OutputScript: scriptA})
	done := make(chan error, 1)
	go func() {
		done <- f.idx.ApplyEvent(spec.BlockConnected{Info: b1, Txs: []*spec.Tx{cb1, spend}})
	}()

	// Read history concurrently with the commit, cycling the page size
	// so each read computes a fresh page instead of hitting the cache.
	pageSize := 10
	for {
		page, err := qsvc.History(keyB, 0, pageSize)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		seen := 0
		for _, tx := range page.Txs {
			if tx.TxID == spend.TxID {
				seen++
			}
		}
		if seen != 1 {
			t.Fatalf("spend appears %d times in one page", seen)
		}
		pageSize++
		if pageSize > query.MaxPageSize {
			pageSize = 2
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("connect b1: %v", err)
			}
			final, err := qsvc.History(keyB, 0, query.MaxPageSize)
			if err != nil {
				t.Fatalf("History after confirm: %v", err)
			}
			if len(final.Txs) != 1 || final.Txs[0].Block == nil {
				t.Fatalf("confirmed history wrong: %+v", final.Txs)
			}
			return
		default:
		}
	}
}
