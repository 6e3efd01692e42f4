// Package subs fans out indexing events to live subscribers keyed by
// script fingerprint. Delivery never blocks the synchronizer: a
// subscriber that cannot keep up is dropped and its channel closed.
package subs

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cashkit/indexer/spec"
)

// MsgType is the kind of event delivered to subscribers.
type MsgType int32

const (
	AddedToMempool MsgType = iota
	RemovedFromMempool
	Confirmed
	Reorg
)

func (t MsgType) String() string {
	switch t {
	case AddedToMempool:
		return "AddedToMempool"
	case RemovedFromMempool:
		return "RemovedFromMempool"
	case Confirmed:
		return "Confirmed"
	case Reorg:
		return "Reorg"
	}
	return "Unknown"
}

// Msg is one event concerning a transaction that touched a subscribed
// script.
type Msg struct {
	Type MsgType   `json:"type"`
	TxID spec.Hash `json:"txid"`
}

// Subscriber is one client connection's mailbox. Events arrive on C in
// commit order; C is closed when the subscriber is dropped or closed.
type Subscriber struct {
	C chan Msg

	reg     *Registry
	scripts map[string]int // script key -> refcount
	closed  bool
}

// Registry maps script fingerprints to live subscribers.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
	log  zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		subs: make(map[string]map[*Subscriber]struct{}),
		log:  log.With().Str("component", "subs").Logger(),
	}
}

// NewSubscriber creates a mailbox with the given buffer. A full buffer
// at publish time drops the subscriber.
func (r *Registry) NewSubscriber(buffer int) *Subscriber {
	return &Subscriber{
		C:       make(chan Msg, buffer),
		reg:     r,
		scripts: make(map[string]int),
	}
}

// Subscribe registers interest in a script. Repeated subscribes only
// bump a refcount.
func (r *Registry) Subscribe(sub *Subscriber, key spec.ScriptKey) {
	k := string(key.Bytes())
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.closed {
		return
	}
	sub.scripts[k]++
	set, ok := r.subs[k]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[k] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe drops one refcount of interest; unknown pairs are a no-op.
func (r *Registry) Unsubscribe(sub *Subscriber, key spec.ScriptKey) {
	k := string(key.Bytes())
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := sub.scripts[k]
	if !ok {
		return
	}
	if n > 1 {
		sub.scripts[k] = n - 1
		return
	}
	delete(sub.scripts, k)
	r.detachLocked(sub, k)
}

// Close unsubscribes everything and closes the mailbox.
func (sub *Subscriber) Close() {
	r := sub.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(sub)
}

func (r *Registry) detachLocked(sub *Subscriber, k string) {
	if set, ok := r.subs[k]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, k)
		}
	}
}

func (r *Registry) dropLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	for k := range sub.scripts {
		r.detachLocked(sub, k)
	}
	sub.scripts = make(map[string]int)
	close(sub.C)
}

// Publish delivers msg to every subscriber interested in any of the
// touched scripts, exactly once per subscriber. Called from the single
// writer, so per-subscriber order is commit order. A subscriber whose
// buffer is full is dropped rather than allowed to block ingestion.
func (r *Registry) Publish(keys []spec.ScriptKey, msg Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Subscriber]struct{})
	for _, key := range keys {
		for sub := range r.subs[string(key.Bytes())] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.C <- msg:
			default:
				r.log.Warn().Stringer("txid", msg.TxID).
					Msg("dropping slow subscriber")
				r.dropLocked(sub)
			}
		}
	}
}
