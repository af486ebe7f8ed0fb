// Package gateway owns client sessions on both transports, dispatches their
// commands and fans host events out to subscribers.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tradegate/internal/accounts"
	"tradegate/internal/history"
	"tradegate/internal/metrics"
	"tradegate/internal/orders"
	"tradegate/internal/pipeline"
	"tradegate/internal/platform"
	"tradegate/internal/protocol"
	"tradegate/internal/subscription"
)

// Config holds timing and sizing for sessions and background loops.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageBytes   int
	HistoryChunkSize  int

	IndicatorInterval  time.Duration
	AccountRefresh     time.Duration
	CacheJanitor       time.Duration
	OrderSweepInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1024
	}
	if c.MaxMessageBytes <= 0 || c.MaxMessageBytes > protocol.MaxMessageBytes {
		c.MaxMessageBytes = protocol.MaxMessageBytes
	}
	if c.HistoryChunkSize <= 0 {
		c.HistoryChunkSize = 5000
	}
	if c.IndicatorInterval <= 0 {
		c.IndicatorInterval = time.Second
	}
	if c.AccountRefresh <= 0 {
		c.AccountRefresh = 10 * time.Second
	}
	if c.CacheJanitor <= 0 {
		c.CacheJanitor = time.Minute
	}
	if c.OrderSweepInterval <= 0 {
		c.OrderSweepInterval = 10 * time.Second
	}
}

// Deps are the components the gateway routes to. Sessions is the same table
// handed to orders and accounts as their outbound path.
type Deps struct {
	Host     platform.Host
	Pipeline *pipeline.Pipeline
	Registry *subscription.Registry
	Cache    *history.Cache
	Orders   *orders.Tracker
	Accounts *accounts.Store
	Sessions *Table
}

type Gateway struct {
	cfg      Config
	host     platform.Host
	pipe     *pipeline.Pipeline
	registry *subscription.Registry
	cache    *history.Cache
	orders   *orders.Tracker
	accounts *accounts.Store
	sessions *Table
	log      *zap.Logger

	mu      sync.Mutex
	base    context.Context
	started time.Time
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, log *zap.Logger) *Gateway {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewTable(log)
	}
	return &Gateway{
		cfg:      cfg,
		host:     deps.Host,
		pipe:     deps.Pipeline,
		registry: deps.Registry,
		cache:    deps.Cache,
		orders:   deps.Orders,
		accounts: deps.Accounts,
		sessions: deps.Sessions,
		log:      log,
		base:     context.Background(),
	}
}

func (g *Gateway) baseContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.base
}

// Serve runs the gateway on ln until ctx is done: the host feed, the pipeline
// consumer, the periodic loops and the accept loop. Connections that start
// with an HTTP verb are handed to httpHandler.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, httpHandler http.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.base = ctx
	g.started = time.Now()
	g.mu.Unlock()

	consumerErr := make(chan error, 1)
	go func() { consumerErr <- g.pipe.Run(ctx, g.handleFrame) }()

	if err := g.host.Start(ctx, &sink{pipe: g.pipe}); err != nil {
		cancel()
		<-consumerErr
		return err
	}
	g.startLoops(ctx)

	httpLn := newConnListener(ln.Addr())
	httpSrv := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if httpHandler == nil {
			httpErr <- nil
			return
		}
		err := httpSrv.Serve(httpLn)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		httpErr <- err
	}()

	g.log.Info("gateway_listening", zap.String("address", ln.Addr().String()))
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- g.acceptLoop(ctx, ln, httpLn, httpHandler != nil) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-acceptErr:
		cancel()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	err := multierr.Combine(
		runErr,
		ignoreClosed(ln.Close()),
		httpSrv.Shutdown(shutCtx),
	)
	httpLn.Close()
	for _, s := range g.sessions.all() {
		s.teardown("server_shutdown")
	}
	g.wg.Wait()
	err = multierr.Append(err, <-httpErr)
	if cerr := <-consumerErr; cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = multierr.Append(err, cerr)
	}
	g.log.Info("gateway_stopped", zap.Error(err))
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// AcceptWebSocket adopts an upgraded websocket connection as a session and
// returns once its loops are running.
func (g *Gateway) AcceptWebSocket(conn *websocket.Conn) {
	s := newSession(g, newWSTransport(conn, g.cfg.MaxMessageBytes, g.cfg.WriteTimeout))
	g.open(s)
	go s.run()
}

func (g *Gateway) open(s *Session) {
	g.sessions.add(s)
	metrics.Sessions.WithLabelValues(s.transport.Kind()).Inc()
	s.log.Info("session_opened", zap.String("remote_addr", s.transport.RemoteAddr()))
}

// remove forgets s and purges its subscriptions. It returns the number of purged entries.
func (g *Gateway) remove(s *Session) int {
	g.sessions.remove(s.id)
	return g.registry.PurgeSession(s.id)
}

// Status is the operational snapshot served on /api/status.
type Status struct {
	Uptime              string         `json:"uptime"`
	Sessions            int            `json:"sessions"`
	Topics              int            `json:"topics"`
	ActiveSubscriptions int            `json:"activeSubscriptions"`
	LiveOrders          int            `json:"liveOrders"`
	Pipeline            pipeline.Stats `json:"pipeline"`
	Cache               history.Stats  `json:"historyCache"`
	Accounts            []string       `json:"accounts"`
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	st := Status{
		Sessions:            g.sessions.Count(),
		Topics:              g.registry.TopicCount(),
		ActiveSubscriptions: g.registry.ActiveSubscriptions(),
		LiveOrders:          g.orders.Live(),
		Pipeline:            g.pipe.Stats(),
		Cache:               g.cache.Stats(),
		Accounts:            g.accounts.Names(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	return st
}
