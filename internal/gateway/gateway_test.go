package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradegate/internal/accounts"
	"tradegate/internal/history"
	"tradegate/internal/model"
	"tradegate/internal/orders"
	"tradegate/internal/pipeline"
	"tradegate/internal/platform"
	"tradegate/internal/protocol"
	"tradegate/internal/subscription"
)

type fakeHost struct {
	mu       sync.Mutex
	sink     platform.Sink
	tickets  chan model.OrderTicket
	barCount int
	barGate  chan struct{}
	acctGate chan struct{}
	extra    []model.AccountSnapshot
}

func newFakeHost() *fakeHost {
	return &fakeHost{tickets: make(chan model.OrderTicket, 16), barCount: 12}
}

func (h *fakeHost) Instrument(symbol string) (model.Instrument, bool) {
	switch symbol {
	case "ES 09-25", "NQ 09-25":
		return model.Instrument{Symbol: symbol, TickSize: 0.25, PointValue: 50}, true
	}
	return model.Instrument{}, false
}

// holdBars makes bar requests wait until the returned channel is closed.
func (h *fakeHost) holdBars() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.barGate = make(chan struct{})
	return h.barGate
}

// holdAccounts adds accounts that only appear once the returned channel is closed.
func (h *fakeHost) holdAccounts(extra ...model.AccountSnapshot) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acctGate = make(chan struct{})
	h.extra = extra
	return h.acctGate
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHost) Bars(ctx context.Context, req model.BarRequest) ([]model.Bar, error) {
	h.mu.Lock()
	gate := h.barGate
	h.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	bars := make([]model.Bar, h.barCount)
	for i := range bars {
		bars[i] = model.Bar{Time: req.From.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 0.5, Close: 1.5}
	}
	return bars, nil
}

func (h *fakeHost) SubmitOrder(_ context.Context, t model.OrderTicket) error {
	h.tickets <- t
	return nil
}

func (h *fakeHost) AmendOrder(context.Context, string, model.Amendment) error { return nil }
func (h *fakeHost) CancelOrder(context.Context, string) error { return nil }

func (h *fakeHost) Accounts(ctx context.Context) ([]model.AccountSnapshot, error) {
	h.mu.Lock()
	gate, extra := h.acctGate, h.extra
	h.mu.Unlock()
	list := []model.AccountSnapshot{{AccountName: "Sim101", Cash: 100000, NetLiquidation: 100000}}
	if gate == nil {
		return list, nil
	}
	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	return append(list, extra...), nil
}

func (h *fakeHost) Indicators(_ context.Context, _ string, names []string) (map[string]float64, error) {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = float64(i + 1)
	}
	return out, nil
}

func (h *fakeHost) SupportedIndicators() []string { return []string{"SMA", "RSI"} }

func (h *fakeHost) Start(_ context.Context, sink platform.Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
	return nil
}

func (h *fakeHost) Close() error { return nil }

func (h *fakeHost) feed() platform.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink
}

type harness struct {
	gw   *Gateway
	host *fakeHost
	reg  *subscription.Registry
	pipe *pipeline.Pipeline
	addr string
}

func startGateway(t *testing.T) *harness {
	t.Helper()
	// Session goroutines outlive individual assertions, so logging stays off the test.
	log := zap.NewNop()
	host := newFakeHost()
	reg := subscription.New()
	table := NewTable(log)
	pipe := pipeline.New(pipeline.Config{Capacity: 1024}, log)
	cache := history.New(history.Config{}, host, log)
	tracker := orders.New(orders.Config{}, host, table, nil, log)
	accts := accounts.NewStore(host, reg, table, 10*time.Millisecond, log)
	t.Cleanup(accts.Close)

	gw := New(Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HistoryChunkSize:  5,
		IndicatorInterval: time.Hour,
	}, Deps{
		Host: host, Pipeline: pipe, Registry: reg, Cache: cache,
		Orders: tracker, Accounts: accts, Sessions: table,
	}, log)

	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.AcceptWebSocket(conn)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln, handler) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})
	require.Eventually(t, func() bool { return host.feed() != nil }, time.Second, time.Millisecond)
	return &harness{gw: gw, host: host, reg: reg, pipe: pipe, addr: ln.Addr().String()}
}

// waitDrained blocks until the consumer has handled everything published so far.
func (h *harness) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.pipe.Stats()
		return st.Consumed == st.Published
	}, time.Second, time.Millisecond)
}

type event struct {
	Evt              string             `json:"evt"`
	ReqID            *int64             `json:"reqId"`
	Success          bool               `json:"success"`
	Error            *string            `json:"error"`
	Cmd              string             `json:"cmd"`
	Message          string             `json:"message"`
	OrderID          string             `json:"orderId"`
	State            string             `json:"state"`
	FilledQuantity   int64              `json:"filledQuantity"`
	Symbol           string             `json:"symbol"`
	Bid              float64            `json:"bid"`
	Bars             []model.Bar        `json:"bars"`
	IsComplete       bool               `json:"isComplete"`
	ConnectedClients int                `json:"connectedClients"`
	Cash             float64            `json:"cash"`
	AccountName      string             `json:"accountName"`
	Indicators       map[string]float64 `json:"indicators"`
}

type framedClient struct {
	t    *testing.T
	conn net.Conn
	fr   *protocol.FrameReader
}

func dial(t *testing.T, addr string) *framedClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &framedClient{t: t, conn: conn, fr: protocol.NewFrameReader(conn, 0)}
}

func (c *framedClient) send(raw string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, []byte(raw)))
}

// next returns the next event other than a heartbeat.
func (c *framedClient) next() event {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		payload, err := c.fr.ReadFrame()
		require.NoError(c.t, err)
		var evt event
		require.NoError(c.t, json.Unmarshal(payload, &evt), string(payload))
		if evt.Evt != protocol.EvtHeartbeat {
			return evt
		}
	}
}

// expectQuiet asserts nothing but heartbeats is pending by round-tripping a Ping.
func (c *framedClient) expectQuiet() {
	c.t.Helper()
	c.send(`{"cmd":"Ping","reqId":999,"clientId":"gateway-test"}`)
	evt := c.next()
	assert.Equal(c.t, protocol.EvtPong, evt.Evt, "unexpected %+v", evt)
}

func TestPlaceOrderThenFill(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"PlaceOrder","reqId":5,"symbol":"NQ 09-25","side":"Buy","quantity":1,"orderType":"Market"}`)
	evt := c.next()
	require.Equal(t, protocol.EvtOrderStatus, evt.Evt)
	require.NotNil(t, evt.ReqID)
	assert.Equal(t, int64(5), *evt.ReqID)
	assert.Equal(t, "Working", evt.State)

	ticket := <-h.host.tickets
	fill := model.OrderUpdate{OrderID: ticket.OrderID, State: model.OrderFilled, FilledQuantity: 1, AvgFillPrice: 21000}
	h.host.feed().OnOrderUpdate(fill)

	evt = c.next()
	require.Equal(t, protocol.EvtOrderStatus, evt.Evt)
	assert.Nil(t, evt.ReqID)
	assert.Equal(t, "Filled", evt.State)
	assert.Equal(t, int64(1), evt.FilledQuantity)

	h.host.feed().OnOrderUpdate(fill)
	h.waitDrained(t)
	c.expectQuiet()
}

func TestRejectedOrderEchoesRequest(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"PlaceOrder","reqId":6,"symbol":"NQ 09-25","side":"Buy","quantity":1,"orderType":"Limit"}`)
	evt := c.next()
	require.Equal(t, protocol.EvtOrderStatus, evt.Evt)
	assert.Equal(t, int64(6), *evt.ReqID)
	assert.Equal(t, "Rejected", evt.State)
	assert.False(t, evt.Success)
	require.NotNil(t, evt.Error)
	assert.Contains(t, *evt.Error, "price")
}

func TestFetchHistoryUnknownSymbol(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"FetchHistory","reqId":1,"symbol":"BOGUS","level":"Minute","from":"2025-01-01T00:00:00Z","to":"2025-01-02T00:00:00Z"}`)
	evt := c.next()
	assert.Equal(t, protocol.EvtHistoryChunk, evt.Evt)
	require.NotNil(t, evt.ReqID)
	assert.Equal(t, int64(1), *evt.ReqID)
	assert.False(t, evt.Success)
	require.NotNil(t, evt.Error)
	assert.True(t, evt.IsComplete)
}

func TestFetchHistoryIsChunked(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"FetchHistory","reqId":2,"symbol":"ES 09-25","level":"Minute","from":"2025-01-01T00:00:00","to":"2025-01-01T01:00:00"}`)
	var got []model.Bar
	for i := 0; i < 3; i++ {
		evt := c.next()
		require.Equal(t, protocol.EvtHistoryChunk, evt.Evt)
		assert.True(t, evt.Success)
		assert.Equal(t, int64(2), *evt.ReqID)
		got = append(got, evt.Bars...)
		assert.Equal(t, i == 2, evt.IsComplete, "chunk %d", i)
	}
	assert.Len(t, got, 12)
	assert.True(t, got[0].Time.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestQuotesReachOnlySubscribers(t *testing.T) {
	h := startGateway(t)
	a := dial(t, h.addr)
	b := dial(t, h.addr)
	quiet := dial(t, h.addr)

	a.send(`{"cmd":"SubscribeMarketData","reqId":1,"symbols":["ES 09-25","ZZ"],"includeDepth":false}`)
	evt := a.next()
	require.Equal(t, protocol.EvtAck, evt.Evt)
	assert.Contains(t, evt.Message, "unknown ZZ")

	b.send(`{"cmd":"SubscribeMarketData","reqId":1,"symbols":["ES 09-25"],"includeDepth":true}`)
	require.Equal(t, protocol.EvtAck, b.next().Evt)
	b.send(`{"cmd":"UnsubscribeMarketData","reqId":2,"symbols":["ES 09-25"]}`)
	require.Equal(t, protocol.EvtAck, b.next().Evt)

	h.host.feed().OnQuote(model.Quote{Symbol: "ES 09-25", Bid: 5000, Ask: 5000.25, Last: 5000})
	h.host.feed().OnDepth(model.Depth{Symbol: "ES 09-25", Side: model.DepthBid, Price: 5000, Size: 3, Action: model.DepthAdd})
	h.waitDrained(t)

	evt = a.next()
	assert.Equal(t, protocol.EvtTick, evt.Evt)
	assert.Equal(t, 5000.0, evt.Bid)
	assert.Nil(t, evt.ReqID)
	a.expectQuiet()
	b.expectQuiet()
	quiet.expectQuiet()
}

func TestDepthOnlyForDepthSubscribers(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"SubscribeMarketData","reqId":1,"symbols":["NQ 09-25"],"includeDepth":true}`)
	require.Equal(t, protocol.EvtAck, c.next().Evt)

	h.host.feed().OnDepth(model.Depth{Symbol: "NQ 09-25", Side: model.DepthAsk, Price: 21000, Size: 1, Action: model.DepthAdd})
	evt := c.next()
	assert.Equal(t, protocol.EvtDepth, evt.Evt)
	assert.Equal(t, "NQ 09-25", evt.Symbol)
}

func TestProtocolErrorsKeepSessionOpen(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"Teleport","reqId":3}`)
	evt := c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)
	assert.Equal(t, int64(3), *evt.ReqID)
	assert.False(t, evt.Success)

	c.send(`{"cmd":"Ping","reqId":4,"timestamp":"not a time"}`)
	evt = c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)
	assert.Equal(t, int64(4), *evt.ReqID)

	c.send(`not json`)
	evt = c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)
	assert.Nil(t, evt.ReqID)

	big := make([]byte, 4+protocol.MaxMessageBytes+1)
	binary.LittleEndian.PutUint32(big, uint32(protocol.MaxMessageBytes+1))
	_, err := c.conn.Write(big)
	require.NoError(t, err)
	evt = c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)
	require.NotNil(t, evt.Error)
	assert.Contains(t, *evt.Error, "exceeds limit")

	c.expectQuiet()
}

func TestCorruptFrameClosesSession(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)
	c.send(`{"cmd":"SubscribeMarketData","reqId":1,"symbols":["ES 09-25"]}`)
	require.Equal(t, protocol.EvtAck, c.next().Evt)
	require.Equal(t, 1, h.reg.ActiveSubscriptions())

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 100<<20)
	_, err := c.conn.Write(hdr[:])
	require.NoError(t, err)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err = c.fr.ReadFrame(); err != nil {
			break
		}
	}
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection should be closed, got %v", err)
	require.Eventually(t, func() bool {
		return h.reg.ActiveSubscriptions() == 0 && h.gw.sessions.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatReportsClients(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)
	_ = dial(t, h.addr)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := c.fr.ReadFrame()
	require.NoError(t, err)
	var evt event
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, protocol.EvtHeartbeat, evt.Evt)
	assert.Nil(t, evt.ReqID)
	assert.GreaterOrEqual(t, evt.ConnectedClients, 1)
}

func TestSilentClientBecomesSession(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	require.Eventually(t, func() bool { return h.gw.sessions.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := c.fr.ReadFrame()
	require.NoError(t, err)
	var evt event
	require.NoError(t, json.Unmarshal(payload, &evt))
	assert.Equal(t, protocol.EvtHeartbeat, evt.Evt)
	assert.Equal(t, 1, evt.ConnectedClients)

	// The session reads normally once adopted.
	c.expectQuiet()
}

func TestAccountInfoThenUpdates(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"GetAccountInfo","reqId":8,"accountName":"Sim101"}`)
	evt := c.next()
	require.Equal(t, protocol.EvtAccount, evt.Evt)
	assert.Equal(t, int64(8), *evt.ReqID)
	assert.Equal(t, 100000.0, evt.Cash)

	h.host.feed().OnAccountItem(model.AccountItem{Account: "Sim101", Field: model.FieldCash, Value: 99000})
	// The startup refresh may land after the subscription and push the old value first.
	for evt = c.next(); evt.Cash != 99000; evt = c.next() {
		require.Equal(t, protocol.EvtAccount, evt.Evt)
	}
	assert.Nil(t, evt.ReqID)
	assert.Equal(t, "Sim101", evt.AccountName)

	c.send(`{"cmd":"GetAccountInfo","reqId":9,"accountName":"Nope"}`)
	evt = c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)
	assert.Equal(t, int64(9), *evt.ReqID)
}

func TestAccountRefreshDoesNotStallSession(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)
	release := h.host.holdAccounts(model.AccountSnapshot{AccountName: "Sim202", Cash: 2500})

	c.send(`{"cmd":"GetAccountInfo","reqId":10,"accountName":"Sim202"}`)
	c.send(`{"cmd":"Ping","reqId":11}`)
	evt := c.next()
	require.Equal(t, protocol.EvtPong, evt.Evt, "ping must not queue behind the refresh")
	assert.Equal(t, int64(11), *evt.ReqID)

	close(release)
	// A concurrent periodic refresh may push the new account unsolicited.
	for evt = c.next(); evt.ReqID == nil; evt = c.next() {
		require.Equal(t, protocol.EvtAccount, evt.Evt)
	}
	require.Equal(t, protocol.EvtAccount, evt.Evt)
	assert.Equal(t, int64(10), *evt.ReqID)
	assert.Equal(t, "Sim202", evt.AccountName)
	assert.Equal(t, 2500.0, evt.Cash)
}

func TestRepeatedHistoryRequestSupersedesPending(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)
	release := h.host.holdBars()
	const fetch = `{"cmd":"FetchHistory","reqId":4,"symbol":"ES 09-25","level":"Minute","from":"2025-01-01T00:00:00Z","to":"2025-01-01T01:00:00Z"}`

	c.send(fetch)
	require.Eventually(t, func() bool { return h.gw.cache.Stats().Inflight == 1 }, time.Second, time.Millisecond)
	c.send(fetch)

	evt := c.next()
	require.Equal(t, protocol.EvtHistoryChunk, evt.Evt)
	assert.Equal(t, int64(4), *evt.ReqID)
	assert.False(t, evt.Success)
	require.NotNil(t, evt.Error)
	assert.Contains(t, *evt.Error, "canceled")

	close(release)
	var got []model.Bar
	for {
		evt = c.next()
		require.Equal(t, protocol.EvtHistoryChunk, evt.Evt)
		require.True(t, evt.Success, "unexpected %+v", evt)
		got = append(got, evt.Bars...)
		if evt.IsComplete {
			break
		}
	}
	assert.Len(t, got, 12)
}

func TestSubscribeIndicators(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)

	c.send(`{"cmd":"SubscribeIndicators","reqId":3,"symbol":"ES 09-25","indicators":["RSI"]}`)
	evt := c.next()
	require.Equal(t, protocol.EvtIndicator, evt.Evt)
	assert.Equal(t, int64(3), *evt.ReqID)
	assert.Equal(t, map[string]float64{"RSI": 1}, evt.Indicators)

	c.send(`{"cmd":"SubscribeIndicators","reqId":4,"symbol":"ES 09-25","indicators":["Voodoo"]}`)
	evt = c.next()
	assert.Equal(t, protocol.EvtError, evt.Evt)

	h.gw.pushIndicators(context.Background(), subscription.Indicator("ES 09-25"))
	evt = c.next()
	require.Equal(t, protocol.EvtIndicator, evt.Evt)
	assert.Nil(t, evt.ReqID)
	assert.Contains(t, evt.Indicators, "RSI")
}

func TestWebSocketTransportSharesPort(t *testing.T) {
	h := startGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"Ping","reqId":11,"clientId":"ws","timestamp":"2025-01-01T00:00:00Z"}`)))
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(msg), `"Heartbeat"`) {
			continue
		}
		var evt event
		require.NoError(t, json.Unmarshal(msg, &evt))
		assert.Equal(t, protocol.EvtPong, evt.Evt)
		assert.Equal(t, int64(11), *evt.ReqID)
		break
	}

	resp, err := http.Get("http://" + h.addr + "/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := startGateway(t)
	c := dial(t, h.addr)
	c.send(`{"cmd":"SubscribeMarketData","reqId":1,"symbols":["ES 09-25"]}`)
	require.Equal(t, protocol.EvtAck, c.next().Evt)

	sessions := h.gw.sessions.all()
	require.Len(t, sessions, 1)
	s := sessions[0]
	s.teardown("test")
	s.teardown("test")

	assert.True(t, s.Closed())
	assert.Equal(t, 0, h.reg.ActiveSubscriptions())
	assert.False(t, s.enqueue([]byte(`{}`)))
}
