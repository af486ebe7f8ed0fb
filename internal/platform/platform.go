// Package platform is the boundary to the host trading platform. The gateway only
// talks to the host through Host and only hears from it through Sink.
package platform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradegate/internal/model"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrOrderNotFound     = errors.New("order not found on host")
	ErrAlreadyStarted    = errors.New("host feed already started")
)

// Host is the capability set the gateway needs from the trading platform.
type Host interface {
	Instrument(symbol string) (model.Instrument, bool)
	Bars(ctx context.Context, req model.BarRequest) ([]model.Bar, error)

	SubmitOrder(ctx context.Context, ticket model.OrderTicket) error
	AmendOrder(ctx context.Context, orderID string, a model.Amendment) error
	CancelOrder(ctx context.Context, orderID string) error

	Accounts(ctx context.Context) ([]model.AccountSnapshot, error)

	Indicators(ctx context.Context, symbol string, names []string) (map[string]float64, error)
	SupportedIndicators() []string

	// Start begins delivering callbacks to sink until ctx is done.
	Start(ctx context.Context, sink Sink) error
	Close() error
}

// Sink receives host callbacks. Implementations must return quickly because
// they run on the host's own event thread.
type Sink interface {
	OnQuote(q model.Quote)
	OnDepth(d model.Depth)
	OnOrderUpdate(u model.OrderUpdate)
	OnAccountItem(item model.AccountItem)
}

// Open selects a host implementation by kind.
func Open(kind string, sim SimConfig, log *zap.Logger) (Host, error) {
	switch kind {
	case "", "sim":
		return NewSim(sim, log), nil
	default:
		return nil, fmt.Errorf("unsupported platform kind %q", kind)
	}
}
