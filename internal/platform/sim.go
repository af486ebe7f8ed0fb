package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/model"
)

const (
	midHistory  = 256
	maxSimBars  = 100000
	depthLevels = 5
)

// SymbolSpec describes one simulated instrument.
type SymbolSpec struct {
	Symbol     string
	Price      float64
	Spread     float64
	TickSize   float64
	PointValue float64
}

// AccountSpec seeds one simulated account.
type AccountSpec struct {
	Name string
	Cash float64
}

// SimConfig configures the simulated host.
type SimConfig struct {
	Symbols      []SymbolSpec
	Accounts     []AccountSpec
	TickInterval time.Duration
	FillLatency  time.Duration
	BarLatency   time.Duration
	Seed         int64
	Indicators   IndicatorParams
}

// DefaultSimSymbols is used when no symbols are configured.
func DefaultSimSymbols() []SymbolSpec {
	return []SymbolSpec{
		{Symbol: "ES 09-25", Price: 5650.25, Spread: 0.25, TickSize: 0.25, PointValue: 50},
		{Symbol: "NQ 09-25", Price: 19875.50, Spread: 0.25, TickSize: 0.25, PointValue: 20},
		{Symbol: "CL 10-25", Price: 71.42, Spread: 0.01, TickSize: 0.01, PointValue: 1000},
		{Symbol: "GC 12-25", Price: 2485.30, Spread: 0.10, TickSize: 0.10, PointValue: 100},
		{Symbol: "6E 09-25", Price: 1.08345, Spread: 0.00005, TickSize: 0.00005, PointValue: 125000},
	}
}

type simSymbol struct {
	spec   SymbolSpec
	bid    float64
	volume int64
	mids   []float64
}

type simOrder struct {
	ticket    model.OrderTicket
	filled    int64
	triggered bool
	done      bool
}

// Sim is an in-process host that random-walks prices, fills orders against the
// simulated book and reports everything through the Sink like a real host would.
type Sim struct {
	cfg SimConfig
	log *zap.Logger
	ind *IndicatorEngine

	mu       sync.Mutex
	rng      *rand.Rand
	symbols  map[string]*simSymbol
	order    []string
	orders   map[string]*simOrder
	accounts map[string]*model.AccountSnapshot
	step     int

	sink    atomic.Pointer[sinkHolder]
	started atomic.Bool
}

type sinkHolder struct{ Sink }

// NewSim builds a simulated host. Missing settings fall back to demo values.
func NewSim(cfg SimConfig, log *zap.Logger) *Sim {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = DefaultSimSymbols()
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = []AccountSpec{{Name: "Sim101", Cash: 100000}}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.FillLatency <= 0 {
		cfg.FillLatency = 50 * time.Millisecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Sim{
		cfg:      cfg,
		log:      log,
		ind:      NewIndicatorEngine(cfg.Indicators),
		rng:      rand.New(rand.NewSource(seed)),
		symbols:  make(map[string]*simSymbol, len(cfg.Symbols)),
		orders:   make(map[string]*simOrder),
		accounts: make(map[string]*model.AccountSnapshot, len(cfg.Accounts)),
	}
	now := time.Now()
	for _, spec := range cfg.Symbols {
		if spec.TickSize <= 0 {
			spec.TickSize = 0.01
		}
		if spec.Spread <= 0 {
			spec.Spread = spec.TickSize
		}
		s.symbols[spec.Symbol] = &simSymbol{spec: spec, bid: spec.Price}
		s.order = append(s.order, spec.Symbol)
	}
	for _, a := range cfg.Accounts {
		s.accounts[a.Name] = &model.AccountSnapshot{
			AccountName:    a.Name,
			Cash:           a.Cash,
			NetLiquidation: a.Cash,
			BuyingPower:    a.Cash * 4,
			LastUpdatedAt:  now,
		}
	}
	log.Info("sim_host_ready",
		zap.Int("symbols", len(s.symbols)),
		zap.Int("accounts", len(s.accounts)),
		zap.Duration("tick_interval", cfg.TickInterval),
	)
	return s
}

func (s *Sim) Instrument(symbol string) (model.Instrument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym, ok := s.symbols[symbol]
	if !ok {
		return model.Instrument{}, false
	}
	return model.Instrument{Symbol: symbol, TickSize: sym.spec.TickSize, PointValue: sym.spec.PointValue}, true
}

// Start launches the market loop. Callbacks are delivered outside the sim lock.
func (s *Sim) Start(ctx context.Context, sink Sink) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.sink.Store(&sinkHolder{sink})
	go s.loop(ctx)
	return nil
}

func (s *Sim) Close() error { return nil }

func (s *Sim) emit(fn func(Sink)) {
	if h := s.sink.Load(); h != nil {
		fn(h.Sink)
	}
}

type simBatch struct {
	quotes  []model.Quote
	depth   []model.Depth
	updates []model.OrderUpdate
	items   []model.AccountItem
}

func (s *Sim) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.log.Info("sim_feed_started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sim_feed_stopped")
			return
		case now := <-ticker.C:
			b := s.advance(now)
			s.emit(func(sink Sink) {
				for _, q := range b.quotes {
					sink.OnQuote(q)
				}
				for _, d := range b.depth {
					sink.OnDepth(d)
				}
				for _, u := range b.updates {
					sink.OnOrderUpdate(u)
				}
				for _, it := range b.items {
					sink.OnAccountItem(it)
				}
			})
		}
	}
}

// advance moves every symbol one step and evaluates resting orders.
func (s *Sim) advance(now time.Time) simBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	var b simBatch

	for i, name := range s.order {
		sym := s.symbols[name]
		spec := sym.spec
		delta := (s.rng.Float64() - 0.5) * spec.Spread * 3
		wave := math.Sin(float64(s.step)/20.0+float64(i)*1.5) * spec.Spread * 0.5
		sym.bid = roundTo(math.Max(sym.bid+delta+wave, spec.TickSize), spec.TickSize)
		ask := roundTo(sym.bid+spec.Spread, spec.TickSize)
		last := sym.bid
		if s.rng.Intn(2) == 1 {
			last = ask
		}
		size := int64(1 + s.rng.Intn(20))
		sym.volume += size

		q := model.Quote{
			Symbol: name, Bid: sym.bid, Ask: ask, Last: last, Volume: sym.volume,
			BidSize: int64(1 + s.rng.Intn(50)), AskSize: int64(1 + s.rng.Intn(50)), Time: now,
		}
		b.quotes = append(b.quotes, q)
		sym.mids = append(sym.mids, q.Mid())
		if len(sym.mids) > midHistory {
			sym.mids = sym.mids[len(sym.mids)-midHistory:]
		}

		level := s.rng.Intn(depthLevels)
		b.depth = append(b.depth,
			model.Depth{Symbol: name, Side: model.DepthBid, Price: roundTo(sym.bid-float64(level)*spec.TickSize, spec.TickSize),
				Size: int64(1 + s.rng.Intn(100)), Level: level, Action: model.DepthUpdate, Time: now},
			model.Depth{Symbol: name, Side: model.DepthAsk, Price: roundTo(ask+float64(level)*spec.TickSize, spec.TickSize),
				Size: int64(1 + s.rng.Intn(100)), Level: level, Action: model.DepthUpdate, Time: now},
		)
	}

	for id, o := range s.orders {
		if o.done {
			delete(s.orders, id)
			continue
		}
		if u, ok := s.evaluate(o, now); ok {
			b.updates = append(b.updates, u)
		}
	}

	if s.step%10 == 0 {
		for name, acc := range s.accounts {
			acc.UnrealizedPnL = math.Round((s.rng.Float64()-0.48)*500*100) / 100
			acc.NetLiquidation = acc.Cash + acc.UnrealizedPnL
			acc.LastUpdatedAt = now
			b.items = append(b.items,
				model.AccountItem{Account: name, Field: model.FieldUnrealizedPnL, Value: acc.UnrealizedPnL, Time: now},
				model.AccountItem{Account: name, Field: model.FieldNetLiquidation, Value: acc.NetLiquidation, Time: now},
			)
		}
	}
	return b
}

// evaluate fills a resting order whose trigger or limit has been reached. Orders
// for more than one contract fill in two steps so partial fills occur. Market
// orders are filled by their scheduled callback instead.
func (s *Sim) evaluate(o *simOrder, now time.Time) (model.OrderUpdate, bool) {
	if o.ticket.Type == model.OrderMarket {
		return model.OrderUpdate{}, false
	}
	sym := s.symbols[o.ticket.Symbol]
	ask := roundTo(sym.bid+sym.spec.Spread, sym.spec.TickSize)
	buy := o.ticket.Side == model.SideBuy

	if o.ticket.StopPrice != nil && !o.triggered {
		stop := *o.ticket.StopPrice
		if (buy && ask >= stop) || (!buy && sym.bid <= stop) {
			o.triggered = true
		} else {
			return model.OrderUpdate{}, false
		}
	}

	price := ask
	if !buy {
		price = sym.bid
	}
	if o.ticket.LimitPrice != nil {
		limit := *o.ticket.LimitPrice
		if (buy && ask > limit) || (!buy && sym.bid < limit) {
			return model.OrderUpdate{}, false
		}
		price = limit
	}
	return s.fill(o, price, now), true
}

func (s *Sim) fill(o *simOrder, price float64, now time.Time) model.OrderUpdate {
	remaining := o.ticket.Quantity - o.filled
	qty := remaining
	if o.filled == 0 && o.ticket.Quantity > 1 {
		qty = o.ticket.Quantity / 2
	}
	o.filled += qty
	state := model.OrderPartiallyFilled
	if o.filled >= o.ticket.Quantity {
		state = model.OrderFilled
		o.done = true
	}
	return model.OrderUpdate{
		OrderID: o.ticket.OrderID, State: state, FilledQuantity: o.filled,
		AvgFillPrice: price, Time: now,
	}
}

func (s *Sim) SubmitOrder(ctx context.Context, t model.OrderTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[t.Symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, t.Symbol)
	}
	if t.Account != "" {
		if _, ok := s.accounts[t.Account]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, t.Account)
		}
	}
	o := &simOrder{ticket: t}
	s.orders[t.OrderID] = o
	if t.Type == model.OrderMarket {
		s.schedule(t.OrderID, func(o *simOrder, now time.Time) (model.OrderUpdate, bool) {
			sym := s.symbols[o.ticket.Symbol]
			price := sym.bid
			if o.ticket.Side == model.SideBuy {
				price = roundTo(sym.bid+sym.spec.Spread, sym.spec.TickSize)
			}
			u := model.OrderUpdate{OrderID: o.ticket.OrderID, State: model.OrderFilled,
				FilledQuantity: o.ticket.Quantity, AvgFillPrice: price, Time: now}
			o.filled = o.ticket.Quantity
			o.done = true
			return u, true
		})
	}
	s.log.Debug("sim_order_accepted", zap.String("order_id", t.OrderID), zap.String("symbol", t.Symbol))
	return nil
}

// schedule runs fn against a live order after the fill latency and reports the result.
func (s *Sim) schedule(orderID string, fn func(o *simOrder, now time.Time) (model.OrderUpdate, bool)) {
	time.AfterFunc(s.cfg.FillLatency, func() {
		s.mu.Lock()
		o, ok := s.orders[orderID]
		if !ok || o.done {
			s.mu.Unlock()
			return
		}
		u, emit := fn(o, time.Now())
		s.mu.Unlock()
		if emit {
			s.emit(func(sink Sink) { sink.OnOrderUpdate(u) })
		}
	})
}

func (s *Sim) AmendOrder(ctx context.Context, orderID string, a model.Amendment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.done {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if a.Quantity != nil {
		if *a.Quantity < o.filled {
			return fmt.Errorf("quantity %d is below filled %d", *a.Quantity, o.filled)
		}
		o.ticket.Quantity = *a.Quantity
	}
	if a.LimitPrice != nil {
		o.ticket.LimitPrice = a.LimitPrice
	}
	if a.StopPrice != nil {
		o.ticket.StopPrice = a.StopPrice
	}
	return nil
}

func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.done {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	s.schedule(orderID, func(o *simOrder, now time.Time) (model.OrderUpdate, bool) {
		o.done = true
		return model.OrderUpdate{OrderID: orderID, State: model.OrderCancelled,
			FilledQuantity: o.filled, Message: "cancelled by request", Time: now}, true
	})
	return nil
}

func (s *Sim) Accounts(ctx context.Context) ([]model.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AccountSnapshot, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (s *Sim) Indicators(ctx context.Context, symbol string, names []string) (map[string]float64, error) {
	s.mu.Lock()
	sym, ok := s.symbols[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	mids := append([]float64(nil), sym.mids...)
	s.mu.Unlock()
	return s.ind.Compute(mids, names), nil
}

func (s *Sim) SupportedIndicators() []string {
	return s.ind.Names()
}

// Bars synthesizes a deterministic series: the bar at a given timestamp is the
// same for every request that covers it.
func (s *Sim) Bars(ctx context.Context, req model.BarRequest) ([]model.Bar, error) {
	s.mu.Lock()
	sym, ok := s.symbols[req.Symbol]
	var spec SymbolSpec
	if ok {
		spec = sym.spec
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, req.Symbol)
	}
	step := req.Granularity.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("unsupported granularity %q", req.Granularity)
	}

	if s.cfg.BarLatency > 0 {
		timer := time.NewTimer(s.cfg.BarLatency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	start := req.From.Truncate(step)
	if start.Before(req.From) {
		start = start.Add(step)
	}
	count := 0
	if req.To.After(start) {
		count = int((req.To.Sub(start) + step - 1) / step)
	}
	if count > maxSimBars {
		count = maxSimBars
	}
	skip := 0
	if req.MaxBars > 0 && count > req.MaxBars {
		skip = count - req.MaxBars
	}

	h := fnv.New64a()
	h.Write([]byte(req.Symbol))
	symSeed := h.Sum64()
	bars := make([]model.Bar, 0, count-skip)
	for i := skip; i < count; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t := start.Add(time.Duration(i) * step)
		idx := t.UnixNano() / int64(step)
		open := syntheticPrice(spec, symSeed, idx-1)
		closePx := syntheticPrice(spec, symSeed, idx)
		wick := math.Abs(noise(symSeed^0x9e3779b97f4a7c15, idx)) * spec.Spread * 4
		bars = append(bars, model.Bar{
			Time:   t,
			Open:   open,
			High:   roundTo(math.Max(open, closePx)+wick, spec.TickSize),
			Low:    roundTo(math.Min(open, closePx)-wick, spec.TickSize),
			Close:  closePx,
			Volume: 100 + int64(math.Abs(noise(symSeed+1, idx))*1000),
		})
	}
	return bars, nil
}

func syntheticPrice(spec SymbolSpec, seed uint64, idx int64) float64 {
	drift := 0.01*math.Sin(float64(idx)/37.0) + 0.004*math.Sin(float64(idx)/11.0)
	return roundTo(spec.Price*(1+drift+0.002*noise(seed, idx)), spec.TickSize)
}

// noise maps (seed, idx) to a stable value in [-1, 1).
func noise(seed uint64, idx int64) float64 {
	x := seed ^ uint64(idx)*0x9e3779b97f4a7c15
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return float64(x>>11)/float64(1<<52) - 1
}

func roundTo(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Round(v/tick) * tick
}
