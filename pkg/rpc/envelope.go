// Package rpc defines the request/response envelopes exchanged between
// callers and the gateway, and the TTL-bounded response store that
// correlates them.
package rpc

import (
	"time"

	"github.com/google/uuid"

	"exchange-core/pkg/exchanges/common"
)

// Action is the closed set of operations the gateway routes. Anything
// outside it is rejected before a client is resolved.
type Action string

const (
	ActionTestConnection  Action = "test_connection"
	ActionGetBalance      Action = "get_balance"
	ActionGetMarkets      Action = "get_markets"
	ActionFetchTickers    Action = "fetch_tickers"
	ActionGetOpenOrders   Action = "get_open_orders"
	ActionGetOrderHistory Action = "get_order_history"
	ActionPlaceOrder      Action = "place_order"
	ActionCancelOrder     Action = "cancel_order"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionTestConnection, ActionGetBalance, ActionGetMarkets,
		ActionFetchTickers, ActionGetOpenOrders, ActionGetOrderHistory,
		ActionPlaceOrder, ActionCancelOrder:
		return true
	}
	return false
}

// Params carries action-specific arguments. Keys follow the wire contract
// (symbol, side, type, quantity, price, order_id, start_time, cursor...).
type Params map[string]any

// String returns the string value for key, or "".
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value for key; JSON numbers decode as float64.
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int64 returns the integer value for key.
func (p Params) Int64(key string) int64 {
	return int64(p.Float(key))
}

// Strings returns the string-slice value for key.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Request is the envelope callers submit. Immutable once submitted.
type Request struct {
	ID        string `json:"request_id"`
	Action    Action `json:"action"`
	AccountID int64  `json:"account_id"`
	Params    Params `json:"params,omitempty"`
	IssuedAt  int64  `json:"issued_at"` // epoch ms
}

// NewRequest stamps a fresh correlation id and issue time.
func NewRequest(action Action, accountID int64, params Params) Request {
	return Request{
		ID:        uuid.NewString(),
		Action:    action,
		AccountID: accountID,
		Params:    params,
		IssuedAt:  time.Now().UnixMilli(),
	}
}

// ErrorInfo is the caller-visible error shape.
type ErrorInfo struct {
	Kind    common.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Response is written exactly once per request and matched by request id.
type Response struct {
	RequestID        string     `json:"request_id"`
	Success          bool       `json:"success"`
	Data             any        `json:"data,omitempty"`
	Error            *ErrorInfo `json:"error,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
}

// OK builds a success response.
func OK(requestID string, data any, elapsed time.Duration) Response {
	return Response{
		RequestID:        requestID,
		Success:          true,
		Data:             data,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// Fail builds an error response from a classified error.
func Fail(requestID string, err error, elapsed time.Duration) Response {
	return Response{
		RequestID:        requestID,
		Error:            &ErrorInfo{Kind: common.KindOf(err), Message: common.Message(err)},
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}
