package gateway

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/protocol"
)

const (
	TransportFramed    = "framed"
	TransportWebSocket = "websocket"
)

// Transport moves whole JSON payloads. Reads happen on the session's receive
// loop, writes only on its writer goroutine.
type Transport interface {
	Kind() string
	RemoteAddr() string
	// ReadMessage returns *protocol.OversizeError for a skipped message that
	// left the stream usable; any other error ends the session.
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// framedTransport is the 4-byte little-endian length prefix transport.
type framedTransport struct {
	conn         net.Conn
	reader       *protocol.FrameReader
	writeTimeout time.Duration
	buf          []byte
	closeOnce    sync.Once
}

func newFramedTransport(conn net.Conn, r *bufio.Reader, maxMessage int, writeTimeout time.Duration) *framedTransport {
	return &framedTransport{
		conn:         conn,
		reader:       protocol.NewFrameReader(r, maxMessage),
		writeTimeout: writeTimeout,
	}
}

func (t *framedTransport) Kind() string       { return TransportFramed }
func (t *framedTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *framedTransport) ReadMessage() ([]byte, error) {
	return t.reader.ReadFrame()
}

func (t *framedTransport) WriteMessage(payload []byte) error {
	buf, err := protocol.AppendFrame(t.buf[:0], payload)
	if err != nil {
		return err
	}
	t.buf = buf
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	_, err = t.conn.Write(buf)
	return err
}

func (t *framedTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

// wsTransport carries one JSON text message per websocket message.
type wsTransport struct {
	conn         *websocket.Conn
	maxMessage   int
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWSTransport(conn *websocket.Conn, maxMessage int, writeTimeout time.Duration) *wsTransport {
	if maxMessage <= 0 || maxMessage > protocol.MaxMessageBytes {
		maxMessage = protocol.MaxMessageBytes
	}
	// Messages up to the hard limit are read and rejected; beyond it gorilla fails the connection.
	conn.SetReadLimit(protocol.MaxDiscardBytes)
	return &wsTransport{conn: conn, maxMessage: maxMessage, writeTimeout: writeTimeout}
}

func (t *wsTransport) Kind() string       { return TransportWebSocket }
func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(payload) > t.maxMessage {
			return nil, &protocol.OversizeError{Size: uint32(len(payload)), Limit: t.maxMessage}
		}
		return payload, nil
	}
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	if len(payload) > t.maxMessage {
		return &protocol.OversizeError{Size: uint32(len(payload)), Limit: t.maxMessage}
	}
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = t.conn.Close()
	})
	return err
}

// isOversize reports whether err only rejected one message.
func isOversize(err error) bool {
	var oe *protocol.OversizeError
	return errors.As(err, &oe)
}
