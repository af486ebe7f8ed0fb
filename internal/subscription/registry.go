// Package subscription maps topics to interested sessions.
package subscription

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"tradegate/internal/model"
)

const numShards = 32

// Kind is the class of data a topic carries.
type Kind string

const (
	// KindMarket covers both top-of-book quotes and depth for a symbol.
	KindMarket    Kind = "market"
	KindIndicator Kind = "indicator"
	KindAccount   Kind = "account"
)

// Topic is a subscribable unit.
type Topic struct {
	Kind Kind
	Key  string
}

func Market(symbol string) Topic    { return Topic{Kind: KindMarket, Key: symbol} }
func Indicator(symbol string) Topic { return Topic{Kind: KindIndicator, Key: symbol} }
func Account(account string) Topic  { return Topic{Kind: KindAccount, Key: account} }

func (t Topic) String() string { return string(t.Kind) + ":" + t.Key }

// Options refine a subscription.
type Options struct {
	// Depth opts a market subscriber into level-2 updates.
	Depth bool
	// Indicators lists the indicator names wanted on an indicator topic.
	Indicators []string
}

// Subscriber pairs a session with its options on one topic.
type Subscriber struct {
	ID      model.SessionID
	Options Options
}

type topicState struct {
	subs  map[model.SessionID]Options
	depth map[model.SessionID]struct{}
}

type shard struct {
	mu     sync.RWMutex
	topics map[Topic]*topicState
}

// Registry is safe for concurrent use. Topics are spread over independently
// locked shards; a reverse index per session makes purge proportional to the
// session's own subscriptions.
type Registry struct {
	shards [numShards]*shard

	idxMu    sync.Mutex
	sessions map[model.SessionID]map[Topic]struct{}

	active atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{sessions: make(map[model.SessionID]map[Topic]struct{})}
	for i := range r.shards {
		r.shards[i] = &shard{topics: make(map[Topic]*topicState)}
	}
	return r
}

func (r *Registry) shardFor(t Topic) *shard {
	h := fnv.New32a()
	h.Write([]byte(t.Kind))
	h.Write([]byte{0})
	h.Write([]byte(t.Key))
	return r.shards[h.Sum32()%numShards]
}

// Subscribe adds or replaces the session's interest in t.
func (r *Registry) Subscribe(id model.SessionID, t Topic, opts Options) {
	sh := r.shardFor(t)
	sh.mu.Lock()
	ts, ok := sh.topics[t]
	if !ok {
		ts = &topicState{subs: make(map[model.SessionID]Options), depth: make(map[model.SessionID]struct{})}
		sh.topics[t] = ts
	}
	if _, exists := ts.subs[id]; !exists {
		r.active.Add(1)
	}
	if len(opts.Indicators) > 0 {
		opts.Indicators = append([]string(nil), opts.Indicators...)
	}
	ts.subs[id] = opts
	if opts.Depth {
		ts.depth[id] = struct{}{}
	} else {
		delete(ts.depth, id)
	}
	sh.mu.Unlock()

	r.idxMu.Lock()
	set, ok := r.sessions[id]
	if !ok {
		set = make(map[Topic]struct{})
		r.sessions[id] = set
	}
	set[t] = struct{}{}
	r.idxMu.Unlock()
}

// Unsubscribe removes the session from t and reports whether it was subscribed.
// The topic is deleted with its last subscriber.
func (r *Registry) Unsubscribe(id model.SessionID, t Topic) bool {
	removed := r.remove(id, t)
	if removed {
		r.idxMu.Lock()
		if set, ok := r.sessions[id]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(r.sessions, id)
			}
		}
		r.idxMu.Unlock()
	}
	return removed
}

func (r *Registry) remove(id model.SessionID, t Topic) bool {
	sh := r.shardFor(t)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ts, ok := sh.topics[t]
	if !ok {
		return false
	}
	if _, ok := ts.subs[id]; !ok {
		return false
	}
	delete(ts.subs, id)
	delete(ts.depth, id)
	r.active.Add(-1)
	if len(ts.subs) == 0 {
		delete(sh.topics, t)
	}
	return true
}

// PurgeSession drops every subscription held by id and returns how many were removed.
func (r *Registry) PurgeSession(id model.SessionID) int {
	r.idxMu.Lock()
	set := r.sessions[id]
	delete(r.sessions, id)
	r.idxMu.Unlock()

	n := 0
	for t := range set {
		if r.remove(id, t) {
			n++
		}
	}
	return n
}

// ResolveInterested returns every session subscribed to t.
func (r *Registry) ResolveInterested(t Topic) []model.SessionID {
	sh := r.shardFor(t)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ts, ok := sh.topics[t]
	if !ok {
		return nil
	}
	out := make([]model.SessionID, 0, len(ts.subs))
	for id := range ts.subs {
		out = append(out, id)
	}
	return out
}

// ResolveDepth returns the sessions that opted into depth for symbol.
func (r *Registry) ResolveDepth(symbol string) []model.SessionID {
	t := Market(symbol)
	sh := r.shardFor(t)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ts, ok := sh.topics[t]
	if !ok || len(ts.depth) == 0 {
		return nil
	}
	out := make([]model.SessionID, 0, len(ts.depth))
	for id := range ts.depth {
		out = append(out, id)
	}
	return out
}

// Subscribers returns each session on t with its options.
func (r *Registry) Subscribers(t Topic) []Subscriber {
	sh := r.shardFor(t)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ts, ok := sh.topics[t]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(ts.subs))
	for id, opts := range ts.subs {
		out = append(out, Subscriber{ID: id, Options: opts})
	}
	return out
}

// Topics lists live topics of one kind, sorted by key.
func (r *Registry) Topics(kind Kind) []Topic {
	var out []Topic
	for _, sh := range r.shards {
		sh.mu.RLock()
		for t := range sh.topics {
			if t.Kind == kind {
				out = append(out, t)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TopicCount returns the number of live topics.
func (r *Registry) TopicCount() int {
	total := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		total += len(sh.topics)
		sh.mu.RUnlock()
	}
	return total
}

// ActiveSubscriptions returns the number of (session, topic) pairs.
func (r *Registry) ActiveSubscriptions() int {
	return int(r.active.Load())
}
