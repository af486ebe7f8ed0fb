package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradegate/internal/metrics"
	"tradegate/internal/model"
	"tradegate/internal/protocol"
)

// Session is one client connection. It owns a bounded outbound queue drained
// by a single writer goroutine, so writes are serialized per session.
type Session struct {
	id        model.SessionID
	transport Transport
	gw        *Gateway
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	lastSeen  atomic.Int64
	opened    time.Time
}

func newSession(gw *Gateway, t Transport) *Session {
	id := model.SessionID(uuid.NewString())
	ctx, cancel := context.WithCancel(gw.baseContext())
	s := &Session{
		id:        id,
		transport: t,
		gw:        gw,
		log:       gw.log.With(zap.String("session_id", string(id)), zap.String("transport", t.Kind())),
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, gw.cfg.SendQueueSize),
		done:      make(chan struct{}),
		opened:    time.Now(),
	}
	s.touch()
	return s
}

func (s *Session) ID() model.SessionID { return s.id }

// Closed reports whether teardown has started.
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// enqueue never blocks. A full queue degrades the session and tears it down.
func (s *Session) enqueue(payload []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
	}
	metrics.DegradedSessions.Inc()
	s.log.Warn("session_send_queue_full", zap.Int("queue_size", cap(s.send)))
	go s.teardown("send_queue_full")
	return false
}

// deliver encodes and queues one event for this session only.
func (s *Session) deliver(evt any) bool {
	payload, err := protocol.Encode(evt)
	if err != nil {
		s.log.Error("event_encode_failed", zap.Error(err))
		return false
	}
	return s.enqueue(payload)
}

func (s *Session) run() {
	go s.writeLoop()
	go s.livenessLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			if isOversize(err) {
				s.touch()
				s.log.Warn("message_oversize", zap.Error(err))
				s.deliver(protocol.NewError(nil, "", err))
				continue
			}
			s.teardown(readFailureReason(err))
			return
		}
		s.touch()
		if resp := s.gw.Dispatch(s, raw); resp != nil {
			s.deliver(resp)
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case payload := <-s.send:
			if err := s.transport.WriteMessage(payload); err != nil {
				if isOversize(err) {
					s.log.Error("event_oversize_dropped", zap.Error(err))
					continue
				}
				s.log.Debug("session_write_failed", zap.Error(err))
				s.teardown("write_failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) livenessLoop() {
	timeout := s.gw.cfg.IdleTimeout
	if timeout <= 0 {
		return
	}
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.idle() > timeout {
				s.teardown("idle_timeout")
				return
			}
		}
	}
}

// teardown is idempotent. In-flight order commands keep running because they
// were started with a context detached from the session.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.cancel()
		s.transport.Close()
		purged := s.gw.remove(s)
		metrics.Sessions.WithLabelValues(s.transport.Kind()).Dec()
		s.log.Info("session_closed",
			zap.String("reason", reason),
			zap.Int("subscriptions_purged", purged),
			zap.Duration("age", time.Since(s.opened)),
		)
	})
}

func readFailureReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client_closed"
	case errors.Is(err, protocol.ErrFrameCorrupt):
		return "frame_corrupt"
	case errors.Is(err, net.ErrClosed):
		return "connection_closed"
	}
	return "read_failed"
}
