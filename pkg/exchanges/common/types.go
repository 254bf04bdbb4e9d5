// Package common defines the uniform capability set every exchange client
// implements, plus the shared error taxonomy, rate budgets and time sync.
package common

import (
	"context"
	"encoding/json"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status vocabularies into a small set.
// Callers never see exchange-specific strings.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Capabilities describes what an exchange's history API supports, declared
// per client at registration so callers never branch on exchange name.
type Capabilities struct {
	Exchange string
	// History pagination
	SupportsCursor    bool
	SupportsTimeRange bool
	MaxHistoryLimit   int
	// Rate budget: calls allowed per window for one authenticated session.
	RateBudget int
	RateWindow time.Duration
	// HTTP timeout for one call.
	Timeout time.Duration
}

// AssetBalance is one asset's balance.
type AssetBalance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (b AssetBalance) Total() float64 { return b.Free + b.Locked }

// Market describes one tradable instrument.
type Market struct {
	Symbol         string  `json:"symbol"`
	Base           string  `json:"base"`
	Quote          string  `json:"quote"`
	PricePrecision int     `json:"price_precision"`
	QtyPrecision   int     `json:"qty_precision"`
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
	Active         bool    `json:"active"`
}

// Ticker is a normalized last-price snapshot.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // epoch ms
}

// Order is the normalized view of an exchange order.
type Order struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Status          OrderStatus     `json:"status"`
	Price           float64         `json:"price"`
	Quantity        float64         `json:"quantity"`
	FilledQuantity  float64         `json:"filled_quantity"`
	AvgFillPrice    float64         `json:"avg_fill_price"`
	Fees            float64         `json:"fees"` // always non-negative, quote currency
	CreatedAt       int64           `json:"created_at"` // epoch ms
	UpdatedAt       int64           `json:"updated_at"` // epoch ms
	Raw             json.RawMessage `json:"-"`
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // required for LIMIT
	ClientOrderID string
}

// OrderAck is the exchange acknowledgement for a placed order.
type OrderAck struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	Status          OrderStatus `json:"status"`
}

// OpenOrdersQuery filters GetOpenOrders.
type OpenOrdersQuery struct {
	Symbol string
	Limit  int
}

// HistoryQuery filters GetOrderHistory. Clients adapt it to whatever
// pagination their exchange supports; when both Cursor and StartTime are
// set, Cursor wins.
type HistoryQuery struct {
	Symbol    string
	StartTime int64 // epoch ms, inclusive
	EndTime   int64 // epoch ms
	Cursor    string
	Limit     int
}

// Client is the uniform capability set implemented once per exchange.
// Implementations sign requests per their exchange scheme, enforce their
// own HTTP timeout, normalize responses, and return only typed errors.
type Client interface {
	Name() string
	Capabilities() Capabilities

	TestConnection(ctx context.Context) error
	GetBalance(ctx context.Context) ([]AssetBalance, error)
	GetMarkets(ctx context.Context) ([]Market, error)
	FetchTickers(ctx context.Context, symbols []string) ([]Ticker, error)
	GetOpenOrders(ctx context.Context, q OpenOrdersQuery) ([]Order, error)
	GetOrderHistory(ctx context.Context, q HistoryQuery) ([]Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error

	Close() error
}
