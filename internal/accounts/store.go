// Package accounts keeps the latest snapshot per account and notifies
// subscribed sessions with a throttled cadence.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/model"
	"tradegate/internal/protocol"
	"tradegate/internal/subscription"
)

const DefaultThrottle = 250 * time.Millisecond

// Source is the host's wholesale account view.
type Source interface {
	Accounts(ctx context.Context) ([]model.AccountSnapshot, error)
}

// Resolver finds sessions interested in a topic.
type Resolver interface {
	ResolveInterested(t subscription.Topic) []model.SessionID
}

// Broadcaster delivers one event to many sessions without blocking.
type Broadcaster interface {
	DeliverMany(ids []model.SessionID, evt any) int
}

type throttleState struct {
	lastEmit time.Time
	timer    *time.Timer
}

// Store is a thread-safe account snapshot store.
//
// Notifications use a leading and trailing edge: the first change after a quiet
// window is sent at once, later changes inside the window collapse into one
// emission carrying the latest values when the window closes.
type Store struct {
	src      Source
	subs     Resolver
	out      Broadcaster
	throttle time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	accounts map[string]model.AccountSnapshot
	windows  map[string]*throttleState
	closed   bool
}

func NewStore(src Source, subs Resolver, out Broadcaster, throttle time.Duration, log *zap.Logger) *Store {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		src:      src,
		subs:     subs,
		out:      out,
		throttle: throttle,
		log:      log,
		accounts: make(map[string]model.AccountSnapshot),
		windows:  make(map[string]*throttleState),
	}
}

// ApplyItem updates one field of one account.
func (s *Store) ApplyItem(item model.AccountItem) {
	s.mu.Lock()
	snap, ok := s.accounts[item.Account]
	if !ok {
		snap.AccountName = item.Account
	}
	before := snap
	switch item.Field {
	case model.FieldCash:
		snap.Cash = item.Value
	case model.FieldNetLiquidation:
		snap.NetLiquidation = item.Value
	case model.FieldUnrealizedPnL:
		snap.UnrealizedPnL = item.Value
	case model.FieldRealizedPnL:
		snap.RealizedPnL = item.Value
	case model.FieldBuyingPower:
		snap.BuyingPower = item.Value
	case model.FieldMargin:
		snap.Margin = item.Value
	default:
		s.mu.Unlock()
		s.log.Debug("account_item_ignored", zap.String("account", item.Account), zap.String("field", string(item.Field)))
		return
	}
	snap.LastUpdatedAt = item.Time
	if snap.LastUpdatedAt.IsZero() {
		snap.LastUpdatedAt = time.Now().UTC()
	}
	s.accounts[item.Account] = snap
	changed := !ok || !sameValues(before, snap)
	s.mu.Unlock()

	if changed {
		s.changed(item.Account)
	}
}

// Refresh replaces every snapshot with the host's current view.
func (s *Store) Refresh(ctx context.Context) error {
	list, err := s.src.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("refreshing accounts: %w", err)
	}
	now := time.Now().UTC()
	var changed []string
	s.mu.Lock()
	for _, snap := range list {
		if snap.LastUpdatedAt.IsZero() {
			snap.LastUpdatedAt = now
		}
		prev, ok := s.accounts[snap.AccountName]
		s.accounts[snap.AccountName] = snap
		if !ok || !sameValues(prev, snap) {
			changed = append(changed, snap.AccountName)
		}
	}
	s.mu.Unlock()

	for _, name := range changed {
		s.changed(name)
	}
	s.log.Debug("accounts_refreshed", zap.Int("accounts", len(list)), zap.Int("changed", len(changed)))
	return nil
}

// RunRefresh refreshes on every interval until ctx is done.
func (s *Store) RunRefresh(ctx context.Context, interval time.Duration) {
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("accounts_refresh_failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("accounts_refresh_failed", zap.Error(err))
			}
		}
	}
}

func (s *Store) changed(name string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	w, ok := s.windows[name]
	if !ok {
		w = &throttleState{}
		s.windows[name] = w
	}
	if w.timer != nil {
		// Trailing emission already scheduled; it will read the latest values.
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if wait := s.throttle - now.Sub(w.lastEmit); wait > 0 {
		w.timer = time.AfterFunc(wait, func() { s.trailing(name) })
		s.mu.Unlock()
		return
	}
	w.lastEmit = now
	snap := s.accounts[name]
	s.mu.Unlock()
	s.emit(snap)
}

func (s *Store) trailing(name string) {
	s.mu.Lock()
	w := s.windows[name]
	if s.closed || w == nil {
		s.mu.Unlock()
		return
	}
	w.timer = nil
	w.lastEmit = time.Now()
	snap := s.accounts[name]
	s.mu.Unlock()
	s.emit(snap)
}

func (s *Store) emit(snap model.AccountSnapshot) {
	ids := s.subs.ResolveInterested(subscription.Account(snap.AccountName))
	if len(ids) == 0 {
		return
	}
	s.out.DeliverMany(ids, protocol.NewAccount(nil, snap))
}

// Get returns the snapshot for one account.
func (s *Store) Get(name string) (model.AccountSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.accounts[name]
	return snap, ok
}

// Names returns all known account names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every snapshot ordered by account name.
func (s *Store) All() []model.AccountSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AccountSnapshot, 0, len(s.accounts))
	for _, snap := range s.accounts {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out
}

// Close stops pending trailing emissions.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, w := range s.windows {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
}

func sameValues(a, b model.AccountSnapshot) bool {
	return a.Cash == b.Cash &&
		a.NetLiquidation == b.NetLiquidation &&
		a.UnrealizedPnL == b.UnrealizedPnL &&
		a.RealizedPnL == b.RealizedPnL &&
		a.BuyingPower == b.BuyingPower &&
		a.Margin == b.Margin
}
