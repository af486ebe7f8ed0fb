package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"tradegate/internal/model"
)

type captureSink struct {
	mu      sync.Mutex
	quotes  []model.Quote
	updates []model.OrderUpdate
}

func (c *captureSink) OnQuote(q model.Quote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, q)
	c.mu.Unlock()
}
func (c *captureSink) OnDepth(model.Depth) {}
func (c *captureSink) OnOrderUpdate(u model.OrderUpdate) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}
func (c *captureSink) OnAccountItem(model.AccountItem) {}

func (c *captureSink) orderUpdates() []model.OrderUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.OrderUpdate(nil), c.updates...)
}

func newTestSim(t *testing.T) *Sim {
	return NewSim(SimConfig{Seed: 7, TickInterval: 5 * time.Millisecond, FillLatency: time.Millisecond}, zaptest.NewLogger(t))
}

func TestSimBarsAreDeterministic(t *testing.T) {
	sim := newTestSim(t)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	req := model.BarRequest{Symbol: "ES 09-25", Granularity: model.GranularityMinute, From: from, To: from.Add(time.Hour)}

	a, err := sim.Bars(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, a, 60)
	assert.Equal(t, from, a[0].Time)
	for _, b := range a {
		assert.GreaterOrEqual(t, b.High, b.Low)
	}

	req.MaxBars = 10
	tail, err := sim.Bars(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, tail, 10)
	assert.Equal(t, a[50:], tail)
}

func TestSimBarsRejectUnknownSymbol(t *testing.T) {
	sim := newTestSim(t)
	_, err := sim.Bars(context.Background(), model.BarRequest{Symbol: "BOGUS", Granularity: model.GranularityMinute})
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestSimBarsHonorCancellation(t *testing.T) {
	sim := NewSim(SimConfig{BarLatency: time.Second}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Bars(ctx, model.BarRequest{Symbol: "ES 09-25", Granularity: model.GranularityMinute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimMarketOrderFills(t *testing.T) {
	// The feed goroutine outlives the test body, so it must not log through t.
	sim := NewSim(SimConfig{Seed: 7, TickInterval: 5 * time.Millisecond, FillLatency: time.Millisecond}, zap.NewNop())
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sim.Start(ctx, sink))
	assert.ErrorIs(t, sim.Start(ctx, sink), ErrAlreadyStarted)

	require.NoError(t, sim.SubmitOrder(ctx, model.OrderTicket{
		OrderID: "1", Symbol: "NQ 09-25", Side: model.SideBuy, Quantity: 2, Type: model.OrderMarket,
	}))
	require.Eventually(t, func() bool { return len(sink.orderUpdates()) > 0 }, time.Second, 5*time.Millisecond)

	u := sink.orderUpdates()[0]
	assert.Equal(t, "1", u.OrderID)
	assert.Equal(t, model.OrderFilled, u.State)
	assert.Equal(t, int64(2), u.FilledQuantity)

	err := sim.CancelOrder(ctx, "1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSimRejectsUnknownAccount(t *testing.T) {
	sim := newTestSim(t)
	err := sim.SubmitOrder(context.Background(), model.OrderTicket{OrderID: "1", Symbol: "ES 09-25", Account: "nope", Quantity: 1, Type: model.OrderMarket})
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestIndicatorEngine(t *testing.T) {
	e := NewIndicatorEngine(IndicatorParams{FastPeriod: 3})
	mids := []float64{1, 2, 3, 4, 5}

	got := e.Compute(mids, []string{"SMA", "RSI", "MACD", "Nope"})
	assert.InDelta(t, 4.0, got["SMA"], 1e-9)
	assert.NotContains(t, got, "RSI", "series shorter than the RSI period")
	assert.NotContains(t, got, "MACD")
	assert.NotContains(t, got, "Nope")

	assert.True(t, e.Supports("Stochastic"))
	assert.False(t, e.Supports("Nope"))
	assert.Contains(t, e.Names(), "ATR")
}

func TestIndicatorValues(t *testing.T) {
	e := NewIndicatorEngine(DefaultIndicatorParams())
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	got := e.Compute(rising, []string{"RSI", "ADX", "Stochastic", "ATR"})
	assert.InDelta(t, 100.0, got["RSI"], 1e-9)
	assert.InDelta(t, 100.0, got["ADX"], 1e-9)
	assert.InDelta(t, 100.0, got["Stochastic"], 1e-9)
	assert.InDelta(t, 1.0, got["ATR"], 1e-9)
}
