package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradegate/internal/model"
)

// Command names accepted from clients.
const (
	CmdFetchHistory          = "FetchHistory"
	CmdSubscribeMarketData   = "SubscribeMarketData"
	CmdUnsubscribeMarketData = "UnsubscribeMarketData"
	CmdSubscribeIndicators   = "SubscribeIndicators"
	CmdGetAccountInfo        = "GetAccountInfo"
	CmdPlaceOrder            = "PlaceOrder"
	CmdAmendOrder            = "AmendOrder"
	CmdCancelOrder           = "CancelOrder"
	CmdPing                  = "Ping"
)

// ErrMalformed wraps any envelope or field decoding failure.
var ErrMalformed = errors.New("malformed message")

// UnknownCommandError is returned for a well-formed envelope naming no known command.
type UnknownCommandError struct {
	Cmd string
}

func (e *UnknownCommandError) Error() string {
	if e.Cmd == "" {
		return "missing cmd"
	}
	return fmt.Sprintf("unknown command %q", e.Cmd)
}

// Timestamp accepts RFC 3339 and zone-less ISO 8601 values. Zone-less values are UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

// Envelope is the part every command shares.
type Envelope struct {
	Cmd       string    `json:"cmd"`
	ReqID     *int64    `json:"reqId"`
	Timestamp Timestamp `json:"timestamp"`
}

// Header returns the envelope itself so every command satisfies Command.
func (e *Envelope) Header() *Envelope { return e }

// Command is any decoded client command.
type Command interface {
	Header() *Envelope
}

type FetchHistory struct {
	Envelope
	Symbol  string            `json:"symbol"`
	Level   model.Granularity `json:"level"`
	From    Timestamp         `json:"from"`
	To      Timestamp         `json:"to"`
	MaxBars int               `json:"maxBars"`
}

type SubscribeMarketData struct {
	Envelope
	Symbols      []string `json:"symbols"`
	IncludeDepth bool     `json:"includeDepth"`
}

type UnsubscribeMarketData struct {
	Envelope
	Symbols []string `json:"symbols"`
}

type SubscribeIndicators struct {
	Envelope
	Symbol     string   `json:"symbol"`
	Indicators []string `json:"indicators"`
}

type GetAccountInfo struct {
	Envelope
	AccountName string `json:"accountName"`
}

type PlaceOrder struct {
	Envelope
	Symbol      string            `json:"symbol"`
	Side        model.Side        `json:"side"`
	Quantity    int64             `json:"quantity"`
	OrderType   model.OrderType   `json:"orderType"`
	Price       *float64          `json:"price"`
	StopPrice   *float64          `json:"stopPrice"`
	TimeInForce model.TimeInForce `json:"timeInForce"`
	Account     string            `json:"account"`
}

type AmendOrder struct {
	Envelope
	OrderID   string   `json:"orderId"`
	Quantity  *int64   `json:"quantity"`
	Price     *float64 `json:"price"`
	StopPrice *float64 `json:"stopPrice"`
}

type CancelOrder struct {
	Envelope
	OrderID string `json:"orderId"`
}

type Ping struct {
	Envelope
	ClientID string `json:"clientId"`
}

// Decode parses a raw JSON command. On failure the returned envelope is non-nil
// whenever the request id could be recovered, so the caller can echo it.
func Decode(raw []byte) (Command, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A bad timestamp or cmd type still may leave reqId readable.
		var probe struct {
			ReqID *int64 `json:"reqId"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.ReqID != nil {
			return nil, &Envelope{ReqID: probe.ReqID}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var cmd Command
	switch env.Cmd {
	case CmdFetchHistory:
		cmd = &FetchHistory{}
	case CmdSubscribeMarketData:
		cmd = &SubscribeMarketData{}
	case CmdUnsubscribeMarketData:
		cmd = &UnsubscribeMarketData{}
	case CmdSubscribeIndicators:
		cmd = &SubscribeIndicators{}
	case CmdGetAccountInfo:
		cmd = &GetAccountInfo{}
	case CmdPlaceOrder:
		cmd = &PlaceOrder{}
	case CmdAmendOrder:
		cmd = &AmendOrder{}
	case CmdCancelOrder:
		cmd = &CancelOrder{}
	case CmdPing:
		cmd = &Ping{}
	default:
		return nil, &env, &UnknownCommandError{Cmd: env.Cmd}
	}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, &env, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Cmd, err)
	}
	return cmd, cmd.Header(), nil
}
