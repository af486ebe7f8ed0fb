// Package orders tracks the lifecycle of client-submitted orders and reconciles
// client commands with asynchronous host callbacks.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/metrics"
	"tradegate/internal/model"
	"tradegate/internal/platform"
	"tradegate/internal/protocol"
)

const DefaultTerminalRetention = time.Minute

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order is already terminal")
	ErrUnknownInstrument = platform.ErrUnknownInstrument
)

// Host is the part of the platform that executes orders.
type Host interface {
	Instrument(symbol string) (model.Instrument, bool)
	SubmitOrder(ctx context.Context, ticket model.OrderTicket) error
	AmendOrder(ctx context.Context, orderID string, a model.Amendment) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Notifier delivers an event to one session. It must not block.
type Notifier interface {
	Deliver(id model.SessionID, evt any) bool
}

// Archiver receives orders once they turn terminal.
type Archiver interface {
	Archive(o model.Order)
}

// archiveReader is implemented by archives that can answer for swept orders.
type archiveReader interface {
	Lookup(ctx context.Context, id string) (model.Order, bool, error)
}

type PlaceRequest struct {
	Session     model.SessionID
	ReqID       *int64
	Account     string
	Symbol      string
	Side        model.Side
	Quantity    int64
	Type        model.OrderType
	LimitPrice  *float64
	StopPrice   *float64
	TimeInForce model.TimeInForce
}

type AmendRequest struct {
	Session    model.SessionID
	ReqID      *int64
	OrderID    string
	Quantity   *int64
	LimitPrice *float64
	StopPrice  *float64
}

type CancelRequest struct {
	Session model.SessionID
	ReqID   *int64
	OrderID string
}

// Result is the outcome of a client command. The matching event has already
// been delivered to the session when it is returned.
type Result struct {
	Order model.Order
	Err   error
}

type Config struct {
	TerminalRetention time.Duration
	Now               func() time.Time
}

type record struct {
	cmdMu sync.Mutex // serializes client commands on this order

	mu         sync.Mutex
	order      model.Order
	busy       bool
	deferred   []model.OrderUpdate
	terminalAt time.Time
}

// Tracker exclusively owns order records.
type Tracker struct {
	cfg     Config
	host    Host
	out     Notifier
	archive Archiver
	log     *zap.Logger

	seq    atomic.Int64
	orders sync.Map // order id -> *record
	live   atomic.Int64
}

func New(cfg Config, host Host, out Notifier, archive Archiver, log *zap.Logger) *Tracker {
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{cfg: cfg, host: host, out: out, archive: archive, log: log}
}

// Place validates and submits a new order. Validation failures never create a
// record or consume an order id.
func (t *Tracker) Place(ctx context.Context, req PlaceRequest) Result {
	now := t.cfg.Now().UTC()
	order := model.Order{
		Owner:         req.Session,
		Account:       req.Account,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if req.ReqID != nil {
		order.ClientRequestID = *req.ReqID
	}
	if order.TimeInForce == "" {
		order.TimeInForce = model.TIFDay
	}

	err := validatePlace(req)
	if err == nil {
		if _, ok := t.host.Instrument(req.Symbol); !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownInstrument, req.Symbol)
		}
	}
	if err != nil {
		order.State = model.OrderRejected
		order.Message = err.Error()
		t.log.Info("order_rejected", zap.String("session_id", string(req.Session)), zap.Error(err))
		metrics.OrderTransitions.WithLabelValues(string(model.OrderRejected)).Inc()
		t.out.Deliver(req.Session, protocol.NewOrderStatus(req.ReqID, order))
		return Result{Order: order, Err: err}
	}

	order.ID = strconv.FormatInt(t.seq.Add(1), 10)
	order.State = model.OrderWorking
	r := &record{order: order, busy: true}
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	t.orders.Store(order.ID, r)
	t.live.Add(1)

	err = t.host.SubmitOrder(ctx, model.OrderTicket{
		OrderID:     order.ID,
		Account:     order.Account,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Type:        order.Type,
		LimitPrice:  order.LimitPrice,
		StopPrice:   order.StopPrice,
		TimeInForce: order.TimeInForce,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.deferred = nil
		r.busy = false
		t.terminate(r, model.OrderRejected, err.Error())
		metrics.OrderTransitions.WithLabelValues(string(model.OrderRejected)).Inc()
		t.log.Warn("order_submit_failed", zap.String("order_id", order.ID), zap.Error(err))
		t.out.Deliver(req.Session, protocol.NewOrderStatus(req.ReqID, r.order))
		return Result{Order: r.order, Err: err}
	}

	metrics.OrderTransitions.WithLabelValues(string(model.OrderWorking)).Inc()
	t.log.Info("order_working",
		zap.String("order_id", order.ID),
		zap.String("session_id", string(req.Session)),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Int64("quantity", order.Quantity),
	)
	t.out.Deliver(req.Session, protocol.NewOrderStatus(req.ReqID, r.order))
	snapshot := r.order
	t.drainLocked(r)
	return Result{Order: snapshot}
}

// Amend changes quantity or prices of a live order owned by the session.
func (t *Tracker) Amend(ctx context.Context, req AmendRequest) Result {
	return t.command(ctx, req.Session, req.ReqID, protocol.CmdAmendOrder, req.OrderID,
		func(o model.Order) error { return validateAmend(o, req) },
		func(ctx context.Context) error {
			return t.host.AmendOrder(ctx, req.OrderID, model.Amendment{
				Quantity: req.Quantity, LimitPrice: req.LimitPrice, StopPrice: req.StopPrice,
			})
		},
		func(o *model.Order) string {
			if req.Quantity != nil {
				o.Quantity = *req.Quantity
			}
			if req.LimitPrice != nil {
				o.LimitPrice = req.LimitPrice
			}
			if req.StopPrice != nil {
				o.StopPrice = req.StopPrice
			}
			return "amended"
		},
	)
}

// Cancel asks the host to cancel a live order. The Cancelled transition itself
// arrives later through OnPlatformUpdate.
func (t *Tracker) Cancel(ctx context.Context, req CancelRequest) Result {
	return t.command(ctx, req.Session, req.ReqID, protocol.CmdCancelOrder, req.OrderID,
		nil,
		func(ctx context.Context) error { return t.host.CancelOrder(ctx, req.OrderID) },
		func(*model.Order) string { return "cancel requested" },
	)
}

func (t *Tracker) command(
	ctx context.Context,
	session model.SessionID,
	reqID *int64,
	cmd, orderID string,
	validate func(model.Order) error,
	call func(context.Context) error,
	accept func(*model.Order) string,
) Result {
	fail := func(err error) Result {
		t.out.Deliver(session, protocol.NewError(reqID, cmd, err))
		return Result{Err: err}
	}

	r, ok := t.lookup(orderID)
	if !ok {
		return fail(t.missing(ctx, session, orderID))
	}
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.mu.Lock()
	current := r.order
	switch {
	case current.Owner != session:
		r.mu.Unlock()
		return fail(fmt.Errorf("%w: %s", ErrOrderNotFound, orderID))
	case current.State.Terminal():
		r.mu.Unlock()
		return fail(fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, current.State))
	}
	if validate != nil {
		if err := validate(current); err != nil {
			r.mu.Unlock()
			return fail(err)
		}
	}
	r.busy = true
	r.mu.Unlock()

	err := call(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		t.log.Warn("order_command_failed", zap.String("cmd", cmd), zap.String("order_id", orderID), zap.Error(err))
		t.out.Deliver(session, protocol.NewError(reqID, cmd, fmt.Errorf("%s rejected by platform: %w", cmd, err)))
		t.drainLocked(r)
		return Result{Order: r.order, Err: err}
	}

	// Updates were deferred while busy, so the order is still live here.
	msg := accept(&r.order)
	r.order.LastUpdatedAt = t.cfg.Now().UTC()
	ack := r.order
	ack.Message = msg
	t.log.Info("order_command_accepted", zap.String("cmd", cmd), zap.String("order_id", orderID))
	t.out.Deliver(session, protocol.NewOrderStatus(reqID, ack))
	t.drainLocked(r)
	return Result{Order: ack}
}

// missing explains why an order id is not live. Swept orders found in the archive are terminal.
func (t *Tracker) missing(ctx context.Context, session model.SessionID, orderID string) error {
	if reader, ok := t.archive.(archiveReader); ok {
		o, found, err := reader.Lookup(ctx, orderID)
		if err != nil {
			t.log.Warn("order_archive_lookup_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if found && o.Owner == session {
			return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, o.State)
		}
	}
	return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// OnPlatformUpdate applies a host callback. It is the only path that moves an
// order past Working. Updates for an order with a command in flight are held
// until that command's response has been emitted.
func (t *Tracker) OnPlatformUpdate(u model.OrderUpdate) {
	r, ok := t.lookup(u.OrderID)
	if !ok {
		t.log.Debug("order_update_unknown", zap.String("order_id", u.OrderID), zap.String("state", string(u.State)))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		r.deferred = append(r.deferred, u)
		return
	}
	t.applyLocked(r, u)
}

func (t *Tracker) drainLocked(r *record) {
	r.busy = false
	pending := r.deferred
	r.deferred = nil
	for _, u := range pending {
		t.applyLocked(r, u)
	}
}

// applyLocked reports whether u caused a transition. r.mu must be held.
func (t *Tracker) applyLocked(r *record, u model.OrderUpdate) bool {
	o := &r.order
	if o.State.Terminal() {
		if u.State == o.State {
			t.log.Debug("order_update_duplicate", zap.String("order_id", o.ID), zap.String("state", string(u.State)))
		} else {
			t.log.Warn("order_update_after_terminal",
				zap.String("order_id", o.ID),
				zap.String("state", string(o.State)),
				zap.String("update", string(u.State)),
			)
		}
		return false
	}
	if !allowed(*o, u) {
		t.log.Warn("order_update_ignored",
			zap.String("order_id", o.ID),
			zap.String("state", string(o.State)),
			zap.String("update", string(u.State)),
			zap.Int64("filled", u.FilledQuantity),
		)
		return false
	}

	filled := u.FilledQuantity
	if u.State == model.OrderFilled && filled < o.Quantity {
		filled = o.Quantity
	}
	if filled > o.Quantity {
		filled = o.Quantity
	}
	if filled > o.FilledQuantity {
		o.FilledQuantity = filled
	}
	if u.AvgFillPrice > 0 {
		avg := u.AvgFillPrice
		o.AvgFillPrice = &avg
	}
	o.Message = u.Message
	if u.State.Terminal() {
		t.terminate(r, u.State, u.Message)
	} else {
		o.State = u.State
		o.LastUpdatedAt = t.cfg.Now().UTC()
	}

	metrics.OrderTransitions.WithLabelValues(string(o.State)).Inc()
	t.log.Info("order_transition",
		zap.String("order_id", o.ID),
		zap.String("state", string(o.State)),
		zap.Int64("filled", o.FilledQuantity),
	)
	t.out.Deliver(o.Owner, protocol.NewOrderStatus(nil, *o))
	return true
}

// terminate moves r into a terminal state and hands it to the archive. r.mu must be held.
func (t *Tracker) terminate(r *record, state model.OrderState, msg string) {
	now := t.cfg.Now().UTC()
	r.order.State = state
	r.order.Message = msg
	r.order.LastUpdatedAt = now
	r.terminalAt = now
	t.live.Add(-1)
	if t.archive != nil {
		t.archive.Archive(r.order)
	}
}

func allowed(o model.Order, u model.OrderUpdate) bool {
	switch o.State {
	case model.OrderWorking:
		switch u.State {
		case model.OrderFilled, model.OrderCancelled, model.OrderRejected:
			return true
		case model.OrderPartiallyFilled:
			return u.FilledQuantity > 0 && u.FilledQuantity < o.Quantity
		}
	case model.OrderPartiallyFilled:
		switch u.State {
		case model.OrderFilled, model.OrderCancelled:
			return true
		case model.OrderPartiallyFilled:
			return u.FilledQuantity > o.FilledQuantity && u.FilledQuantity < o.Quantity
		}
	}
	return false
}

func (t *Tracker) lookup(id string) (*record, bool) {
	v, ok := t.orders.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// Get returns a copy of a tracked order.
func (t *Tracker) Get(id string) (model.Order, bool) {
	r, ok := t.lookup(id)
	if !ok {
		return model.Order{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order, true
}

// Live is the number of non-terminal orders.
func (t *Tracker) Live() int {
	return int(t.live.Load())
}

// Sweep drops terminal records older than the retention window.
func (t *Tracker) Sweep() int {
	cutoff := t.cfg.Now().UTC().Add(-t.cfg.TerminalRetention)
	removed := 0
	t.orders.Range(func(k, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		expired := r.order.State.Terminal() && !r.busy && r.terminalAt.Before(cutoff)
		r.mu.Unlock()
		if expired {
			t.orders.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		t.log.Debug("orders_swept", zap.Int("removed", removed))
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func validatePlace(req PlaceRequest) error {
	if req.Symbol == "" {
		return model.Invalid("symbol", "must not be empty")
	}
	if req.Quantity <= 0 {
		return model.Invalid("quantity", "must be positive")
	}
	switch req.Side {
	case model.SideBuy, model.SideSell:
	default:
		return model.Invalid("side", fmt.Sprintf("unsupported side %q", req.Side))
	}
	switch req.TimeInForce {
	case "", model.TIFDay, model.TIFGTC:
	default:
		return model.Invalid("timeInForce", fmt.Sprintf("unsupported time in force %q", req.TimeInForce))
	}
	return validatePrices(req.Type, req.LimitPrice, req.StopPrice)
}

func validatePrices(typ model.OrderType, limit, stop *float64) error {
	needLimit, needStop := false, false
	switch typ {
	case model.OrderMarket:
	case model.OrderLimit:
		needLimit = true
	case model.OrderStopMarket:
		needStop = true
	case model.OrderStopLimit:
		needLimit, needStop = true, true
	default:
		return model.Invalid("orderType", fmt.Sprintf("unsupported order type %q", typ))
	}
	if needLimit && (limit == nil || *limit <= 0) {
		return model.Invalid("price", fmt.Sprintf("%s orders require a positive price", typ))
	}
	if needStop && (stop == nil || *stop <= 0) {
		return model.Invalid("stopPrice", fmt.Sprintf("%s orders require a positive stopPrice", typ))
	}
	return nil
}

func validateAmend(o model.Order, req AmendRequest) error {
	if req.Quantity == nil && req.LimitPrice == nil && req.StopPrice == nil {
		return &model.ValidationError{Fields: []string{"quantity", "price", "stopPrice"}, Reason: "nothing to amend"}
	}
	if req.Quantity != nil {
		if *req.Quantity <= 0 {
			return model.Invalid("quantity", "must be positive")
		}
		if *req.Quantity <= o.FilledQuantity {
			return model.Invalid("quantity", "must exceed the filled quantity")
		}
	}
	limit, stop := o.LimitPrice, o.StopPrice
	if req.LimitPrice != nil {
		if o.Type != model.OrderLimit && o.Type != model.OrderStopLimit {
			return model.Invalid("price", fmt.Sprintf("%s orders carry no price", o.Type))
		}
		limit = req.LimitPrice
	}
	if req.StopPrice != nil {
		if o.Type != model.OrderStopMarket && o.Type != model.OrderStopLimit {
			return model.Invalid("stopPrice", fmt.Sprintf("%s orders carry no stopPrice", o.Type))
		}
		stop = req.StopPrice
	}
	return validatePrices(o.Type, limit, stop)
}
