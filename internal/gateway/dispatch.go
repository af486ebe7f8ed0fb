package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/history"
	"tradegate/internal/metrics"
	"tradegate/internal/model"
	"tradegate/internal/orders"
	"tradegate/internal/protocol"
	"tradegate/internal/subscription"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrNoSymbols      = errors.New("no known symbols in request")
	errInternal       = errors.New("internal error")
)

// Dispatch decodes one raw command and returns the synchronous response, or
// nil when the command answers asynchronously.
func (g *Gateway) Dispatch(s *Session, raw []byte) (resp any) {
	cmd, env, err := protocol.Decode(raw)
	if err != nil {
		var reqID *int64
		name := ""
		if env != nil {
			reqID, name = env.ReqID, env.Cmd
		}
		metrics.Commands.WithLabelValues(commandLabel(name), "invalid").Inc()
		s.log.Info("command_invalid", zap.String("cmd", name), zap.Error(err))
		return protocol.NewError(reqID, name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command_panic", zap.String("cmd", env.Cmd), zap.Any("panic", r), zap.Stack("stack"))
			metrics.Commands.WithLabelValues(env.Cmd, "panic").Inc()
			resp = protocol.NewError(env.ReqID, env.Cmd, errInternal)
		}
	}()

	resp = g.route(s, cmd)
	result := "ok"
	switch r := resp.(type) {
	case nil:
		result = "async"
	case interface{ Failed() bool }:
		if r.Failed() {
			result = "error"
		}
	}
	metrics.Commands.WithLabelValues(env.Cmd, result).Inc()
	return resp
}

func commandLabel(name string) string {
	switch name {
	case protocol.CmdFetchHistory, protocol.CmdSubscribeMarketData, protocol.CmdUnsubscribeMarketData,
		protocol.CmdSubscribeIndicators, protocol.CmdGetAccountInfo, protocol.CmdPlaceOrder,
		protocol.CmdAmendOrder, protocol.CmdCancelOrder, protocol.CmdPing:
		return name
	}
	// Keeps label cardinality bounded for garbage input.
	return "unknown"
}

func (g *Gateway) route(s *Session, cmd protocol.Command) any {
	switch c := cmd.(type) {
	case *protocol.Ping:
		return g.ping(c)
	case *protocol.SubscribeMarketData:
		return g.subscribeMarket(s, c)
	case *protocol.UnsubscribeMarketData:
		return g.unsubscribeMarket(s, c)
	case *protocol.SubscribeIndicators:
		return g.subscribeIndicators(s, c)
	case *protocol.GetAccountInfo:
		return g.accountInfo(s, c)
	case *protocol.FetchHistory:
		return g.fetchHistory(s, c)
	case *protocol.PlaceOrder:
		g.async(s, func(ctx context.Context) {
			g.orders.Place(ctx, orders.PlaceRequest{
				Session:     s.id,
				ReqID:       c.ReqID,
				Account:     c.Account,
				Symbol:      c.Symbol,
				Side:        c.Side,
				Quantity:    c.Quantity,
				Type:        c.OrderType,
				LimitPrice:  c.Price,
				StopPrice:   c.StopPrice,
				TimeInForce: c.TimeInForce,
			})
		}, true)
		return nil
	case *protocol.AmendOrder:
		g.async(s, func(ctx context.Context) {
			g.orders.Amend(ctx, orders.AmendRequest{
				Session: s.id, ReqID: c.ReqID, OrderID: c.OrderID,
				Quantity: c.Quantity, LimitPrice: c.Price, StopPrice: c.StopPrice,
			})
		}, true)
		return nil
	case *protocol.CancelOrder:
		g.async(s, func(ctx context.Context) {
			g.orders.Cancel(ctx, orders.CancelRequest{Session: s.id, ReqID: c.ReqID, OrderID: c.OrderID})
		}, true)
		return nil
	}
	h := cmd.Header()
	return protocol.NewError(h.ReqID, h.Cmd, &protocol.UnknownCommandError{Cmd: h.Cmd})
}

// async runs fn off the receive loop. Order commands detach from the session
// context so a disconnect does not abandon a submitted order.
func (g *Gateway) async(s *Session, fn func(ctx context.Context), detach bool) {
	ctx := s.ctx
	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("async_command_panic", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		fn(ctx)
	}()
}

func (g *Gateway) ping(c *protocol.Ping) protocol.Pong {
	now := time.Now().UTC()
	pong := protocol.Pong{Header: protocol.NewHeader(protocol.EvtPong, c.ReqID), ServerTime: now}
	if !c.Timestamp.IsZero() {
		pong.Latency = float64(now.Sub(c.Timestamp.Time).Microseconds()) / 1000
	}
	return pong
}

func ack(reqID *int64, cmd, msg string) protocol.Ack {
	return protocol.Ack{Header: protocol.NewHeader(protocol.EvtAck, reqID), Cmd: cmd, Message: msg}
}

func (g *Gateway) subscribeMarket(s *Session, c *protocol.SubscribeMarketData) any {
	var known, unknown []string
	for _, sym := range c.Symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, ok := g.host.Instrument(sym); !ok {
			unknown = append(unknown, sym)
			continue
		}
		g.registry.Subscribe(s.id, subscription.Market(sym), subscription.Options{Depth: c.IncludeDepth})
		known = append(known, sym)
	}
	g.purgeIfClosed(s)
	if len(known) == 0 {
		err := ErrNoSymbols
		if len(unknown) > 0 {
			err = fmt.Errorf("%w: unknown %s", ErrNoSymbols, strings.Join(unknown, ", "))
		}
		return protocol.NewError(c.ReqID, c.Cmd, err)
	}
	msg := "subscribed " + strings.Join(known, ", ")
	if c.IncludeDepth {
		msg += " with depth"
	}
	if len(unknown) > 0 {
		msg += "; unknown " + strings.Join(unknown, ", ")
	}
	s.log.Debug("market_subscribed", zap.Strings("symbols", known), zap.Bool("depth", c.IncludeDepth))
	return ack(c.ReqID, c.Cmd, msg)
}

func (g *Gateway) unsubscribeMarket(s *Session, c *protocol.UnsubscribeMarketData) any {
	removed := make([]string, 0, len(c.Symbols))
	for _, sym := range c.Symbols {
		if g.registry.Unsubscribe(s.id, subscription.Market(sym)) {
			removed = append(removed, sym)
		}
	}
	return ack(c.ReqID, c.Cmd, "unsubscribed "+strings.Join(removed, ", "))
}

func (g *Gateway) subscribeIndicators(s *Session, c *protocol.SubscribeIndicators) any {
	if _, ok := g.host.Instrument(c.Symbol); !ok {
		return protocol.NewError(c.ReqID, c.Cmd, fmt.Errorf("%w: %s", history.ErrUnknownSymbol, c.Symbol))
	}
	if len(c.Indicators) == 0 {
		return protocol.NewError(c.ReqID, c.Cmd, model.Invalid("indicators", "must not be empty"))
	}
	supported := make(map[string]struct{})
	for _, name := range g.host.SupportedIndicators() {
		supported[name] = struct{}{}
	}
	var bad []string
	for _, name := range c.Indicators {
		if _, ok := supported[name]; !ok {
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		return protocol.NewError(c.ReqID, c.Cmd, model.Invalid("indicators", "unsupported "+strings.Join(bad, ", ")))
	}

	names := append([]string(nil), c.Indicators...)
	g.registry.Subscribe(s.id, subscription.Indicator(c.Symbol), subscription.Options{Indicators: names})
	g.purgeIfClosed(s)

	g.async(s, func(ctx context.Context) {
		values, err := g.host.Indicators(ctx, c.Symbol, names)
		if err != nil {
			s.deliver(protocol.NewError(c.ReqID, c.Cmd, err))
			return
		}
		s.deliver(indicatorEvent(c.ReqID, c.Symbol, names, values))
	}, false)
	return nil
}

func (g *Gateway) accountInfo(s *Session, c *protocol.GetAccountInfo) any {
	g.async(s, func(ctx context.Context) {
		snaps, err := g.accountSnapshots(ctx, c.AccountName)
		if err != nil {
			s.deliver(protocol.NewError(c.ReqID, c.Cmd, err))
			return
		}
		for _, snap := range snaps {
			g.registry.Subscribe(s.id, subscription.Account(snap.AccountName), subscription.Options{})
		}
		g.purgeIfClosed(s)
		for _, snap := range snaps {
			s.deliver(protocol.NewAccount(c.ReqID, snap))
		}
	}, false)
	return nil
}

// accountSnapshots resolves name, or every account when name is empty. A miss
// forces a refresh since the periodic one may not have run yet.
func (g *Gateway) accountSnapshots(ctx context.Context, name string) ([]model.AccountSnapshot, error) {
	lookup := func() []model.AccountSnapshot {
		if name == "" {
			return g.accounts.All()
		}
		if snap, ok := g.accounts.Get(name); ok {
			return []model.AccountSnapshot{snap}
		}
		return nil
	}
	snaps := lookup()
	if len(snaps) == 0 {
		if err := g.accounts.Refresh(ctx); err != nil {
			return nil, err
		}
		snaps = lookup()
	}
	if len(snaps) == 0 {
		if name == "" {
			return nil, fmt.Errorf("%w: none available", ErrUnknownAccount)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return snaps, nil
}

func (g *Gateway) fetchHistory(s *Session, c *protocol.FetchHistory) any {
	key := history.Key{
		Symbol:      c.Symbol,
		Granularity: c.Level,
		From:        c.From.Time,
		To:          c.To.Time,
		MaxBars:     c.MaxBars,
	}
	if err := g.cache.Validate(key); err != nil {
		return failedChunk(c, err)
	}

	id := history.RequestID(string(s.id) + "/" + reqLabel(c.ReqID))
	if g.cache.Cancel(id) {
		s.log.Debug("history_request_superseded", zap.String("request", string(id)))
	}
	g.async(s, func(ctx context.Context) {
		res := g.cache.Fetch(ctx, id, key)
		if res.Err != nil {
			s.deliver(failedChunk(c, res.Err))
			return
		}
		g.sendChunks(s, c, res.Bars)
		s.log.Debug("history_served",
			zap.String("symbol", c.Symbol),
			zap.Int("bars", len(res.Bars)),
			zap.Bool("from_cache", res.FromCache),
			zap.Bool("shared", res.Shared),
		)
	}, false)
	return nil
}

func (g *Gateway) sendChunks(s *Session, c *protocol.FetchHistory, bars []model.Bar) {
	size := g.cfg.HistoryChunkSize
	for start := 0; ; start += size {
		end := start + size
		if end >= len(bars) {
			end = len(bars)
		}
		chunk := protocol.HistoryChunk{
			Header:     protocol.NewHeader(protocol.EvtHistoryChunk, c.ReqID),
			Symbol:     c.Symbol,
			Level:      c.Level,
			Bars:       bars[start:end],
			IsComplete: end == len(bars),
		}
		if !s.deliver(chunk) || chunk.IsComplete {
			return
		}
	}
}

func failedChunk(c *protocol.FetchHistory, err error) protocol.HistoryChunk {
	chunk := protocol.HistoryChunk{
		Header:     protocol.NewHeader(protocol.EvtHistoryChunk, c.ReqID),
		Symbol:     c.Symbol,
		Level:      c.Level,
		Bars:       []model.Bar{},
		IsComplete: true,
	}
	chunk.Fail(err)
	return chunk
}

func reqLabel(reqID *int64) string {
	if reqID == nil {
		return "-"
	}
	return strconv.FormatInt(*reqID, 10)
}

// purgeIfClosed undoes subscriptions that raced with teardown.
func (g *Gateway) purgeIfClosed(s *Session) {
	if s.Closed() {
		g.registry.PurgeSession(s.id)
	}
}
