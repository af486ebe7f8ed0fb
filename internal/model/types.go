// Package model defines shared data types used across all tradegate modules.
package model

import "time"

// SessionID identifies one client connection for its whole lifetime.
type SessionID string

// Side represents a trading direction.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType is the execution style requested by a client.
type OrderType string

const (
	OrderMarket     OrderType = "Market"
	OrderLimit      OrderType = "Limit"
	OrderStopMarket OrderType = "StopMarket"
	OrderStopLimit  OrderType = "StopLimit"
)

// TimeInForce controls how long a working order stays live.
type TimeInForce string

const (
	TIFDay TimeInForce = "Day"
	TIFGTC TimeInForce = "Gtc"
)

// OrderState is the lifecycle state of a tracked order.
type OrderState string

const (
	OrderWorking         OrderState = "Working"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderRejected        OrderState = "Rejected"
)

// Terminal reports whether no further transitions are accepted.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Granularity is the bar period requested in a history fetch.
type Granularity string

const (
	GranularityTick   Granularity = "Tick"
	GranularitySecond Granularity = "Second"
	GranularityMinute Granularity = "Minute"
	GranularityDay    Granularity = "Day"
	GranularityWeek   Granularity = "Week"
	GranularityMonth  Granularity = "Month"
)

// Duration returns the nominal bar length. Month is approximated as 30 days.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityTick:
		return 100 * time.Millisecond
	case GranularitySecond:
		return time.Second
	case GranularityMinute:
		return time.Minute
	case GranularityDay:
		return 24 * time.Hour
	case GranularityWeek:
		return 7 * 24 * time.Hour
	case GranularityMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Instrument is the host platform's view of a tradable symbol.
type Instrument struct {
	Symbol     string  `json:"symbol"`
	TickSize   float64 `json:"tickSize"`
	PointValue float64 `json:"pointValue"`
}

// Quote is a top-of-book update.
type Quote struct {
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Last    float64   `json:"last"`
	Volume  int64     `json:"volume"`
	BidSize int64     `json:"bidSize"`
	AskSize int64     `json:"askSize"`
	Time    time.Time `json:"time"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// DepthSide is the book side of a depth update.
type DepthSide string

const (
	DepthBid DepthSide = "Bid"
	DepthAsk DepthSide = "Ask"
)

// DepthAction describes how a depth level changed.
type DepthAction string

const (
	DepthAdd    DepthAction = "Add"
	DepthUpdate DepthAction = "Update"
	DepthRemove DepthAction = "Remove"
)

// Depth is one level-2 book change.
type Depth struct {
	Symbol string      `json:"symbol"`
	Side   DepthSide   `json:"side"`
	Price  float64     `json:"price"`
	Size   int64       `json:"size"`
	Level  int         `json:"level"`
	Action DepthAction `json:"action"`
	Time   time.Time   `json:"time"`
}

// Bar is one OHLCV bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// BarRequest asks the host for bars in [From, To).
type BarRequest struct {
	Symbol      string
	Granularity Granularity
	From        time.Time
	To          time.Time
	MaxBars     int
}

// AccountSnapshot is the latest known state of one account.
type AccountSnapshot struct {
	AccountName    string    `json:"accountName"`
	Cash           float64   `json:"cash"`
	NetLiquidation float64   `json:"netLiq"`
	UnrealizedPnL  float64   `json:"unrealPnL"`
	RealizedPnL    float64   `json:"realPnL"`
	BuyingPower    float64   `json:"buyingPower"`
	Margin         float64   `json:"margin"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// AccountField names one account value reported by the host.
type AccountField string

const (
	FieldCash           AccountField = "Cash"
	FieldNetLiquidation AccountField = "NetLiquidation"
	FieldUnrealizedPnL  AccountField = "UnrealizedPnL"
	FieldRealizedPnL    AccountField = "RealizedPnL"
	FieldBuyingPower    AccountField = "BuyingPower"
	FieldMargin         AccountField = "Margin"
)

// AccountItem is a single-field account update.
type AccountItem struct {
	Account string       `json:"account"`
	Field   AccountField `json:"field"`
	Value   float64      `json:"value"`
	Time    time.Time    `json:"time"`
}

// Order is a tracked order record.
type Order struct {
	ID              string      `json:"orderId"`
	Owner           SessionID   `json:"ownerSessionId"`
	ClientRequestID int64       `json:"clientRequestId"`
	Account         string      `json:"account,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Quantity        int64       `json:"quantity"`
	Type            OrderType   `json:"orderType"`
	LimitPrice      *float64    `json:"price,omitempty"`
	StopPrice       *float64    `json:"stopPrice,omitempty"`
	TimeInForce     TimeInForce `json:"timeInForce,omitempty"`
	State           OrderState  `json:"state"`
	FilledQuantity  int64       `json:"filledQuantity"`
	AvgFillPrice    *float64    `json:"avgPrice,omitempty"`
	Message         string      `json:"message,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastUpdatedAt   time.Time   `json:"lastUpdatedAt"`
}

// OrderTicket is what the host receives on submission.
type OrderTicket struct {
	OrderID     string
	Account     string
	Symbol      string
	Side        Side
	Quantity    int64
	Type        OrderType
	LimitPrice  *float64
	StopPrice   *float64
	TimeInForce TimeInForce
}

// Amendment carries the optional fields of an amend command.
type Amendment struct {
	Quantity   *int64
	LimitPrice *float64
	StopPrice  *float64
}

// OrderUpdate is a host callback about an order's progress. FilledQuantity is cumulative.
type OrderUpdate struct {
	OrderID        string
	State          OrderState
	FilledQuantity int64
	AvgFillPrice   float64
	Message        string
	Time           time.Time
}
