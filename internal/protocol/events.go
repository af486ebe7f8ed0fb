package protocol

import (
	"encoding/json"
	"time"

	"tradegate/internal/model"
)

// Event names emitted to clients.
const (
	EvtHistoryChunk = "HistoryChunk"
	EvtTick         = "Tick"
	EvtDepth        = "Depth"
	EvtIndicator    = "Indicator"
	EvtAccount      = "Account"
	EvtOrderStatus  = "OrderStatus"
	EvtPong         = "Pong"
	EvtHeartbeat    = "Heartbeat"
	EvtAck          = "Ack"
	EvtError        = "Error"
)

// Header is embedded in every event.
type Header struct {
	Evt       string    `json:"evt"`
	ReqID     *int64    `json:"reqId"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     *string   `json:"error"`
}

// NewHeader builds a successful header. reqID nil marks an unsolicited event.
func NewHeader(evt string, reqID *int64) Header {
	return Header{Evt: evt, ReqID: reqID, Timestamp: time.Now().UTC(), Success: true}
}

// Fail marks the header unsuccessful with err's message.
func (h *Header) Fail(err error) {
	msg := err.Error()
	h.Success = false
	h.Error = &msg
}

// Failed reports whether the event carries an error.
func (h Header) Failed() bool { return !h.Success }

type HistoryChunk struct {
	Header
	Symbol     string            `json:"symbol"`
	Level      model.Granularity `json:"level"`
	Bars       []model.Bar       `json:"bars"`
	IsComplete bool              `json:"isComplete"`
}

type Tick struct {
	Header
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Last    float64 `json:"last"`
	Volume  int64   `json:"volume"`
	BidSize int64   `json:"bidSize"`
	AskSize int64   `json:"askSize"`
}

// NewTick converts a quote into an unsolicited Tick event.
func NewTick(q model.Quote) Tick {
	return Tick{
		Header: NewHeader(EvtTick, nil),
		Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Last: q.Last,
		Volume: q.Volume, BidSize: q.BidSize, AskSize: q.AskSize,
	}
}

type Depth struct {
	Header
	Symbol string            `json:"symbol"`
	Side   model.DepthSide   `json:"side"`
	Price  float64           `json:"price"`
	Size   int64             `json:"size"`
	Level  int               `json:"level"`
	Action model.DepthAction `json:"action"`
}

// NewDepth converts a depth change into an unsolicited Depth event.
func NewDepth(d model.Depth) Depth {
	return Depth{
		Header: NewHeader(EvtDepth, nil),
		Symbol: d.Symbol, Side: d.Side, Price: d.Price, Size: d.Size, Level: d.Level, Action: d.Action,
	}
}

type Indicator struct {
	Header
	Symbol     string             `json:"symbol"`
	Indicators map[string]float64 `json:"indicators"`
}

type Account struct {
	Header
	AccountName   string  `json:"accountName"`
	Cash          float64 `json:"cash"`
	NetLiq        float64 `json:"netLiq"`
	UnrealizedPnL float64 `json:"unrealPnL"`
	RealizedPnL   float64 `json:"realPnL"`
	BuyingPower   float64 `json:"buyingPower"`
	Margin        float64 `json:"margin"`
}

// NewAccount converts a snapshot into an Account event.
func NewAccount(reqID *int64, s model.AccountSnapshot) Account {
	return Account{
		Header:        NewHeader(EvtAccount, reqID),
		AccountName:   s.AccountName,
		Cash:          s.Cash,
		NetLiq:        s.NetLiquidation,
		UnrealizedPnL: s.UnrealizedPnL,
		RealizedPnL:   s.RealizedPnL,
		BuyingPower:   s.BuyingPower,
		Margin:        s.Margin,
	}
}

type OrderStatus struct {
	Header
	OrderID        string           `json:"orderId"`
	Symbol         string           `json:"symbol"`
	Side           model.Side       `json:"side"`
	Quantity       int64            `json:"quantity"`
	FilledQuantity int64            `json:"filledQuantity"`
	OrderType      model.OrderType  `json:"orderType"`
	Price          *float64         `json:"price,omitempty"`
	StopPrice      *float64         `json:"stopPrice,omitempty"`
	AvgPrice       *float64         `json:"avgPrice,omitempty"`
	State          model.OrderState `json:"state"`
	Message        string           `json:"message"`
}

// NewOrderStatus renders an order record. Rejected orders are reported unsuccessful.
func NewOrderStatus(reqID *int64, o model.Order) OrderStatus {
	st := OrderStatus{
		Header:         NewHeader(EvtOrderStatus, reqID),
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		OrderType:      o.Type,
		Price:          o.LimitPrice,
		StopPrice:      o.StopPrice,
		AvgPrice:       o.AvgFillPrice,
		State:          o.State,
		Message:        o.Message,
	}
	if o.State == model.OrderRejected {
		msg := o.Message
		st.Success = false
		st.Error = &msg
	}
	return st
}

type Pong struct {
	Header
	ServerTime time.Time `json:"serverTime"`
	// Latency is server receive time minus the client timestamp, in milliseconds.
	Latency float64 `json:"latency"`
}

type Heartbeat struct {
	Header
	ServerTime          time.Time `json:"serverTime"`
	ConnectedClients    int       `json:"connectedClients"`
	ActiveSubscriptions int       `json:"activeSubscriptions"`
}

// Ack acknowledges commands that have no richer response shape.
type Ack struct {
	Header
	Cmd     string `json:"cmd"`
	Message string `json:"message,omitempty"`
}

// Error reports protocol failures and domain errors without a dedicated shape.
type Error struct {
	Header
	Cmd string `json:"cmd,omitempty"`
}

// NewError builds a failed Error event.
func NewError(reqID *int64, cmd string, err error) Error {
	e := Error{Header: NewHeader(EvtError, reqID), Cmd: cmd}
	e.Fail(err)
	return e
}

// Encode serializes any event.
func Encode(evt any) ([]byte, error) {
	return json.Marshal(evt)
}
