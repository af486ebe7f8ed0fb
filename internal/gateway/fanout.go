package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/model"
	"tradegate/internal/pipeline"
	"tradegate/internal/protocol"
	"tradegate/internal/subscription"
)

// sink is the host-facing callback adapter. Its only effect is a pipeline publish.
type sink struct {
	pipe *pipeline.Pipeline
}

func (s *sink) OnQuote(q model.Quote) {
	s.pipe.Publish(pipeline.Frame{Kind: pipeline.KindQuote, Key: q.Symbol, Quote: q})
}

func (s *sink) OnDepth(d model.Depth) {
	s.pipe.Publish(pipeline.Frame{Kind: pipeline.KindDepth, Key: d.Symbol, Depth: d})
}

func (s *sink) OnOrderUpdate(u model.OrderUpdate) {
	s.pipe.Publish(pipeline.Frame{Kind: pipeline.KindOrder, Key: u.OrderID, Order: u})
}

func (s *sink) OnAccountItem(item model.AccountItem) {
	s.pipe.Publish(pipeline.Frame{Kind: pipeline.KindAccount, Key: item.Account, Account: item})
}

// handleFrame runs on the single pipeline consumer.
func (g *Gateway) handleFrame(f *pipeline.Frame) {
	switch f.Kind {
	case pipeline.KindQuote:
		ids := g.registry.ResolveInterested(subscription.Market(f.Key))
		if len(ids) > 0 {
			g.sessions.DeliverMany(ids, protocol.NewTick(f.Quote))
		}
	case pipeline.KindDepth:
		ids := g.registry.ResolveDepth(f.Key)
		if len(ids) > 0 {
			g.sessions.DeliverMany(ids, protocol.NewDepth(f.Depth))
		}
	case pipeline.KindOrder:
		g.orders.OnPlatformUpdate(f.Order)
	case pipeline.KindAccount:
		g.accounts.ApplyItem(f.Account)
	}
}

func (g *Gateway) startLoops(ctx context.Context) {
	g.goLoop(func() { g.heartbeatLoop(ctx) })
	g.goLoop(func() { g.indicatorLoop(ctx) })
	g.goLoop(func() { g.accounts.RunRefresh(ctx, g.cfg.AccountRefresh) })
	g.goLoop(func() { g.cache.RunJanitor(ctx, g.cfg.CacheJanitor) })
	g.goLoop(func() { g.orders.RunSweeper(ctx, g.cfg.OrderSweepInterval) })
}

func (g *Gateway) goLoop(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *Gateway) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sessions.Broadcast(g.heartbeat(now))
		}
	}
}

func (g *Gateway) heartbeat(now time.Time) protocol.Heartbeat {
	return protocol.Heartbeat{
		Header:              protocol.NewHeader(protocol.EvtHeartbeat, nil),
		ServerTime:          now.UTC(),
		ConnectedClients:    g.sessions.Count(),
		ActiveSubscriptions: g.registry.ActiveSubscriptions(),
	}
}

func (g *Gateway) indicatorLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.IndicatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range g.registry.Topics(subscription.KindIndicator) {
				g.pushIndicators(ctx, topic)
			}
		}
	}
}

// pushIndicators computes the union of requested names once and sends each
// subscriber only the names it asked for.
func (g *Gateway) pushIndicators(ctx context.Context, topic subscription.Topic) {
	subs := g.registry.Subscribers(topic)
	if len(subs) == 0 {
		return
	}
	seen := make(map[string]struct{})
	var names []string
	for _, sub := range subs {
		for _, name := range sub.Options.Indicators {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	values, err := g.host.Indicators(ctx, topic.Key, names)
	if err != nil {
		g.log.Warn("indicator_compute_failed", zap.String("symbol", topic.Key), zap.Error(err))
		return
	}
	for _, sub := range subs {
		g.sessions.Deliver(sub.ID, indicatorEvent(nil, topic.Key, sub.Options.Indicators, values))
	}
}

func indicatorEvent(reqID *int64, symbol string, names []string, values map[string]float64) protocol.Indicator {
	picked := make(map[string]float64, len(names))
	for _, name := range names {
		if v, ok := values[name]; ok {
			picked[name] = v
		}
	}
	return protocol.Indicator{
		Header:     protocol.NewHeader(protocol.EvtIndicator, reqID),
		Symbol:     symbol,
		Indicators: picked,
	}
}
