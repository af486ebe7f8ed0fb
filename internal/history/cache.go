// Package history caches historical bar ranges fetched from the host.
package history

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tradegate/internal/metrics"
	"tradegate/internal/model"
)

const (
	DefaultMaxBytes = 500 << 20
	DefaultTTL      = 24 * time.Hour
	DefaultIdleTTL  = time.Hour

	barBytes      = 64
	entryOverhead = 160

	maxFetchAttempts = 3
)

var (
	ErrUnknownSymbol          = errors.New("unknown symbol")
	ErrUnsupportedGranularity = errors.New("unsupported granularity")
	ErrCanceled               = errors.New("history request canceled")
)

// Source is the part of the host the cache reads from.
type Source interface {
	Instrument(symbol string) (model.Instrument, bool)
	Bars(ctx context.Context, req model.BarRequest) ([]model.Bar, error)
}

// Key identifies one cached range. From is inclusive, To exclusive.
type Key struct {
	Symbol      string
	Granularity model.Granularity
	From        time.Time
	To          time.Time
	MaxBars     int
}

func (k Key) normalized() Key {
	k.From = k.From.UTC()
	k.To = k.To.UTC()
	return k
}

func (k Key) String() string {
	return k.Symbol + "|" + string(k.Granularity) + "|" +
		strconv.FormatInt(k.From.UnixNano(), 10) + "|" +
		strconv.FormatInt(k.To.UnixNano(), 10) + "|" +
		strconv.Itoa(k.MaxBars)
}

// RequestID names one caller's fetch so it can be cancelled.
type RequestID string

// Result always describes a completed fetch. Bars are shared with the cache and
// must not be modified.
type Result struct {
	Key       Key
	Bars      []model.Bar
	Err       error
	FromCache bool
	Shared    bool
}

// Config controls the cache budget and expiry.
type Config struct {
	MaxBytes      int64
	TTL           time.Duration
	IdleTTL       time.Duration
	Granularities []model.Granularity
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Inflight int   `json:"inflight"`
}

type entry struct {
	key        Key
	bars       []model.Bar
	size       int64
	created    time.Time
	lastAccess time.Time
}

type flight struct {
	cancel context.CancelFunc
}

type request struct {
	ks       string
	canceled chan struct{}
	once     sync.Once
}

// Cache is an LRU of bar ranges under a byte budget. Concurrent misses for the
// same key share one host call.
type Cache struct {
	cfg     Config
	src     Source
	log     *zap.Logger
	allowed map[model.Granularity]struct{}

	mu     sync.Mutex
	lru    *list.List
	items  map[Key]*list.Element
	bytes  int64
	hits   int64
	misses int64

	group singleflight.Group

	reqMu    sync.Mutex
	requests map[RequestID]*request
	waiters  map[string]int
	flights  map[string]*flight
}

// New builds a cache reading from src.
func New(cfg Config, src Source, log *zap.Logger) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if len(cfg.Granularities) == 0 {
		cfg.Granularities = []model.Granularity{
			model.GranularitySecond, model.GranularityMinute, model.GranularityDay,
			model.GranularityWeek, model.GranularityMonth,
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[model.Granularity]struct{}, len(cfg.Granularities))
	for _, g := range cfg.Granularities {
		allowed[g] = struct{}{}
	}
	return &Cache{
		cfg:      cfg,
		src:      src,
		log:      log,
		allowed:  allowed,
		lru:      list.New(),
		items:    make(map[Key]*list.Element),
		requests: make(map[RequestID]*request),
		waiters:  make(map[string]int),
		flights:  make(map[string]*flight),
	}
}

// Validate checks a key without touching the host's bar retrieval path.
func (c *Cache) Validate(k Key) error {
	if k.Symbol == "" {
		return model.Invalid("symbol", "required")
	}
	if _, ok := c.allowed[k.Granularity]; !ok || k.Granularity.Duration() <= 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedGranularity, k.Granularity)
	}
	if k.From.IsZero() || k.To.IsZero() {
		return model.Invalid("from/to", "both bounds are required")
	}
	if !k.From.Before(k.To) {
		return model.Invalid("from/to", "from must be before to")
	}
	if k.MaxBars < 0 {
		return model.Invalid("maxBars", "must not be negative")
	}
	if _, ok := c.src.Instrument(k.Symbol); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, k.Symbol)
	}
	return nil
}

// Fetch returns the bars for k, from cache or from one shared host call. It
// blocks until the result is ready, ctx is done or Cancel(id) is called.
func (c *Cache) Fetch(ctx context.Context, id RequestID, k Key) Result {
	if err := c.Validate(k); err != nil {
		return Result{Key: k, Err: err}
	}
	k = k.normalized()

	if bars, ok := c.get(k); ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return Result{Key: k, Bars: bars, FromCache: true}
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	ks := k.String()
	req := c.register(id, ks)
	defer c.release(id, req)

	for attempt := 1; ; attempt++ {
		ch := c.group.DoChan(ks, func() (any, error) {
			return c.load(ks, k)
		})
		select {
		case r := <-ch:
			if r.Shared {
				metrics.CacheRequests.WithLabelValues("shared").Inc()
			}
			// A flight abandoned by earlier waiters says nothing about this caller.
			if errors.Is(r.Err, ErrCanceled) && attempt < maxFetchAttempts && !req.done(ctx) {
				continue
			}
			if r.Err != nil {
				return Result{Key: k, Err: r.Err, Shared: r.Shared}
			}
			return Result{Key: k, Bars: r.Val.([]model.Bar), Shared: r.Shared}
		case <-req.canceled:
			return Result{Key: k, Err: ErrCanceled}
		case <-ctx.Done():
			return Result{Key: k, Err: ErrCanceled}
		}
	}
}

func (r *request) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-r.canceled:
		return true
	default:
		return false
	}
}

// Cancel abandons the fetch registered under id. The host call itself is
// cancelled once no caller is waiting on it. It reports whether id was pending.
func (c *Cache) Cancel(id RequestID) bool {
	c.reqMu.Lock()
	req, ok := c.requests[id]
	c.reqMu.Unlock()
	if !ok {
		return false
	}
	req.once.Do(func() { close(req.canceled) })
	return true
}

func (c *Cache) register(id RequestID, ks string) *request {
	req := &request{ks: ks, canceled: make(chan struct{})}
	c.reqMu.Lock()
	if id != "" {
		c.requests[id] = req
	}
	c.waiters[ks]++
	c.reqMu.Unlock()
	return req
}

func (c *Cache) release(id RequestID, req *request) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if id != "" && c.requests[id] == req {
		delete(c.requests, id)
	}
	c.waiters[req.ks]--
	if c.waiters[req.ks] > 0 {
		return
	}
	delete(c.waiters, req.ks)
	if f, ok := c.flights[req.ks]; ok {
		f.cancel()
		// The next caller for this key starts a fresh host call.
		c.group.Forget(req.ks)
	}
}

// load performs the host call for a key on behalf of every waiter.
func (c *Cache) load(ks string, k Key) ([]model.Bar, error) {
	if bars, ok := c.peek(k); ok {
		return bars, nil
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &flight{cancel: cancel}
	c.reqMu.Lock()
	c.flights[ks] = f
	if c.waiters[ks] == 0 {
		cancel()
		c.group.Forget(ks)
	}
	c.reqMu.Unlock()
	defer func() {
		c.reqMu.Lock()
		if c.flights[ks] == f {
			delete(c.flights, ks)
		}
		c.reqMu.Unlock()
		cancel()
	}()

	start := time.Now()
	bars, err := c.src.Bars(fctx, model.BarRequest{
		Symbol: k.Symbol, Granularity: k.Granularity, From: k.From, To: k.To, MaxBars: k.MaxBars,
	})
	if err != nil {
		if fctx.Err() != nil {
			metrics.BarFetches.WithLabelValues("canceled").Inc()
			c.log.Info("history_fetch_canceled", zap.String("key", ks))
			return nil, ErrCanceled
		}
		metrics.BarFetches.WithLabelValues("error").Inc()
		c.log.Warn("history_fetch_failed", zap.String("key", ks), zap.Error(err))
		return nil, fmt.Errorf("retrieving bars for %s: %w", k.Symbol, err)
	}
	metrics.BarFetches.WithLabelValues("ok").Inc()
	c.log.Debug("history_fetched",
		zap.String("key", ks),
		zap.Int("bars", len(bars)),
		zap.Duration("took", time.Since(start)),
	)
	c.store(k, bars)
	return bars, nil
}

func entrySize(k Key, bars []model.Bar) int64 {
	return entryOverhead + int64(len(k.Symbol)) + int64(len(bars))*barBytes
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.created) > c.cfg.TTL || now.Sub(e.lastAccess) > c.cfg.IdleTTL
}

// get returns a live entry and marks it most recently used.
func (c *Cache) get(k Key) ([]model.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	now := c.cfg.Now()
	if c.expired(e, now) {
		c.removeElement(el, "expired")
		c.misses++
		return nil, false
	}
	e.lastAccess = now
	c.lru.MoveToFront(el)
	c.hits++
	return e.bars, true
}

// peek is get without touching recency or counters.
func (c *Cache) peek(k Key) ([]model.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok || c.expired(el.Value.(*entry), c.cfg.Now()) {
		return nil, false
	}
	return el.Value.(*entry).bars, true
}

func (c *Cache) store(k Key, bars []model.Bar) {
	size := entrySize(k, bars)
	if size > c.cfg.MaxBytes {
		c.log.Warn("history_entry_exceeds_budget",
			zap.String("symbol", k.Symbol),
			zap.Int64("size", size),
			zap.Int64("max_bytes", c.cfg.MaxBytes),
		)
		return
	}
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		if !c.expired(el.Value.(*entry), now) {
			// Entries are immutable once cached.
			return
		}
		c.removeElement(el, "expired")
	}
	el := c.lru.PushFront(&entry{key: k, bars: bars, size: size, created: now, lastAccess: now})
	c.items[k] = el
	c.bytes += size
	for c.bytes > c.cfg.MaxBytes {
		back := c.lru.Back()
		if back == nil || back == el {
			break
		}
		c.removeElement(back, "capacity")
	}
	metrics.CacheBytes.Set(float64(c.bytes))
}

func (c *Cache) removeElement(el *list.Element, reason string) {
	e := c.lru.Remove(el).(*entry)
	delete(c.items, e.key)
	c.bytes -= e.size
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
	metrics.CacheBytes.Set(float64(c.bytes))
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry), now) {
			c.removeElement(el, "expired")
			n++
		}
		el = prev
	}
	return n
}

// RunJanitor sweeps expired entries every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("history_sweep", zap.Int("removed", n))
			}
		}
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{Entries: len(c.items), Bytes: c.bytes, MaxBytes: c.cfg.MaxBytes, Hits: c.hits, Misses: c.misses}
	c.mu.Unlock()
	c.reqMu.Lock()
	st.Inflight = len(c.flights)
	c.reqMu.Unlock()
	return st
}
