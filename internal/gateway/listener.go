package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sniffWindow bounds the wait for a client's first bytes. HTTP clients speak
// first; a connection still silent after the window is a framed session.
const sniffWindow = 300 * time.Millisecond

var httpPrefixes = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("OPTI"), []byte("DELE"), []byte("PATC"),
}

// isHTTP reports whether the first four bytes start an HTTP/1 request line.
// A binary frame with such a prefix would declare a length far above any
// accepted size, so the two transports never overlap.
func isHTTP(prefix []byte) bool {
	for _, p := range httpPrefixes {
		if bytes.Equal(prefix, p) {
			return true
		}
	}
	return false
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener, httpLn *connListener, serveHTTP bool) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeout(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				g.log.Warn("accept_retry", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go g.classify(conn, httpLn, serveHTTP)
	}
}

// classify peeks at the first bytes and routes the connection. Silent clients
// become framed sessions once the sniff window passes.
func (g *Gateway) classify(conn net.Conn, httpLn *connListener, serveHTTP bool) {
	br := bufio.NewReaderSize(conn, 64<<10)
	conn.SetReadDeadline(time.Now().Add(sniffWindow))
	prefix, err := br.Peek(4)
	conn.SetReadDeadline(time.Time{})
	if err != nil && !isTimeout(err) {
		g.log.Debug("connection_sniff_failed", zap.String("remote_addr", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	if err == nil && isHTTP(prefix) {
		if !serveHTTP || !httpLn.push(&peekedConn{Conn: conn, r: br}) {
			conn.Close()
		}
		return
	}

	s := newSession(g, newFramedTransport(conn, br, g.cfg.MaxMessageBytes, g.cfg.WriteTimeout))
	g.open(s)
	s.run()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peekedConn replays bytes already buffered during sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// connListener feeds sniffed HTTP connections to an http.Server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }
