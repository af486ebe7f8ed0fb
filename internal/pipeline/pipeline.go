package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradegate/internal/metrics"
)

const (
	DefaultCapacity       = 10000
	DefaultStaleThreshold = 100 * time.Millisecond

	minBackoff = 50 * time.Microsecond
	maxBackoff = 2 * time.Millisecond
)

// ErrConsumerRunning is returned when a second consumer is started.
var ErrConsumerRunning = errors.New("pipeline consumer already running")

// Config sizes the buffer and its timing policy.
type Config struct {
	Capacity        int
	StaleThreshold  time.Duration
	IdleSleep       time.Duration
	ProducerMaxWait time.Duration
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 500 * time.Microsecond
	}
	if c.ProducerMaxWait <= 0 {
		c.ProducerMaxWait = 250 * time.Millisecond
	}
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Stale     uint64 `json:"stale"`
	Backoffs  uint64 `json:"backoffs"`
	Dropped   uint64 `json:"dropped"`
}

// Pipeline wraps a Ring with producer backoff and a single consumer loop.
type Pipeline struct {
	ring *Ring
	cfg  Config
	log  *zap.Logger

	staleLog *rate.Limiter
	fullLog  *rate.Limiter
	running  atomic.Bool
	stopped  atomic.Bool

	published atomic.Uint64
	consumed  atomic.Uint64
	stale     atomic.Uint64
	backoffs  atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a pipeline. A nil logger is replaced by a no-op logger.
func New(cfg Config, log *zap.Logger) *Pipeline {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		ring:     NewRing(cfg.Capacity),
		cfg:      cfg,
		log:      log,
		staleLog: rate.NewLimiter(rate.Every(time.Second), 5),
		fullLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Publish enqueues f, sleeping with exponential backoff while the buffer is full.
// Quote and depth frames are abandoned after ProducerMaxWait, counted and
// logged. Order and account frames keep backing off until written; they are
// only abandoned once the consumer has stopped.
func (p *Pipeline) Publish(f Frame) bool {
	if f.Origin.IsZero() {
		f.Origin = time.Now()
	}
	if p.ring.TryWrite(&f) {
		p.published.Add(1)
		return true
	}

	deadline := time.Now().Add(p.cfg.ProducerMaxWait)
	backoff := minBackoff
	for {
		p.backoffs.Add(1)
		metrics.PipelineBackoff.Inc()
		if p.fullLog.Allow() {
			p.log.Warn("pipeline_full_backoff",
				zap.Int("capacity", p.ring.Cap()),
				zap.String("kind", f.Kind.String()),
				zap.String("key", f.Key),
			)
		}
		time.Sleep(backoff)
		if p.ring.TryWrite(&f) {
			p.published.Add(1)
			return true
		}
		if time.Now().After(deadline) && (f.Kind.Droppable() || p.stopped.Load()) {
			p.dropped.Add(1)
			metrics.PipelineDropped.Inc()
			p.log.Error("pipeline_frame_abandoned",
				zap.String("kind", f.Kind.String()),
				zap.String("key", f.Key),
				zap.Duration("waited", p.cfg.ProducerMaxWait),
			)
			return false
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Run drains frames in write order until ctx is done. Only one Run may be active.
func (p *Pipeline) Run(ctx context.Context, handle func(*Frame)) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer p.running.Store(false)
	p.stopped.Store(false)

	p.log.Info("pipeline_consumer_started",
		zap.Int("capacity", p.ring.Cap()),
		zap.Duration("stale_threshold", p.cfg.StaleThreshold),
	)

	var f Frame
	idle := time.NewTimer(p.cfg.IdleSleep)
	defer idle.Stop()
	for {
		if !p.ring.TryRead(&f) {
			metrics.PipelineDepth.Set(0)
			idle.Reset(p.cfg.IdleSleep)
			select {
			case <-ctx.Done():
				p.stopped.Store(true)
				return ctx.Err()
			case <-idle.C:
			}
			continue
		}
		p.observe(&f)
		handle(&f)
		p.consumed.Add(1)
	}
}

func (p *Pipeline) observe(f *Frame) {
	lag := time.Since(f.Origin)
	metrics.PipelineLatency.Observe(lag.Seconds())
	metrics.PipelineDepth.Set(float64(p.ring.Len()))
	if lag <= p.cfg.StaleThreshold {
		return
	}
	p.stale.Add(1)
	metrics.PipelineStale.Inc()
	if p.staleLog.Allow() {
		p.log.Warn("pipeline_frame_stale",
			zap.String("kind", f.Kind.String()),
			zap.String("key", f.Key),
			zap.Duration("lag", lag),
			zap.Int("buffered", p.ring.Len()),
		)
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Buffered:  p.ring.Len(),
		Capacity:  p.ring.Cap(),
		Published: p.published.Load(),
		Consumed:  p.consumed.Load(),
		Stale:     p.stale.Load(),
		Backoffs:  p.backoffs.Load(),
		Dropped:   p.dropped.Load(),
	}
}
