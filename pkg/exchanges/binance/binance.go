// Package binance implements the uniform exchange client for Binance spot.
// Requests are signed with HMAC-SHA256 over the encoded query string and
// carry a server-synchronized timestamp to avoid clock-skew rejections.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"exchange-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	Timeout    time.Duration
}

// Client is a Binance spot client implementing common.Client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	retry      common.RetryPolicy
	cancel     context.CancelFunc
}

// New creates a Binance client and starts its time-sync loop.
func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	return NewWithBaseURL(cfg, base)
}

// NewWithBaseURL is used by tests to point the client at a stub server.
func NewWithBaseURL(cfg Config, baseURL string) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      common.DefaultRetry(),
	}
	c.timeSync = common.NewTimeSync(c.getServerTime)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.timeSync.Start(ctx)
	return c
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		Exchange:          "binance",
		SupportsCursor:    true, // orderId paging on allOrders
		SupportsTimeRange: true,
		MaxHistoryLimit:   1000,
		RateBudget:        1200,
		RateWindow:        time.Minute,
		Timeout:           c.cfg.Timeout,
	}
}

// Close stops the time-sync loop.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// TestConnection verifies the credential by reading account info.
func (c *Client) TestConnection(ctx context.Context) error {
	params := url.Values{}
	_, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", params)
	return err
}

// GetBalance returns non-zero asset balances.
func (c *Client) GetBalance(ctx context.Context) ([]common.AssetBalance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, c.internal("decode account info", err)
	}

	var out []common.AssetBalance
	for _, b := range info.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// GetMarkets returns the tradable symbols and their constraints.
func (c *Client) GetMarkets(ctx context.Context) ([]common.Market, error) {
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info struct {
		Symbols []struct {
			Symbol         string `json:"symbol"`
			Status         string `json:"status"`
			BaseAsset      string `json:"baseAsset"`
			QuoteAsset     string `json:"quoteAsset"`
			QuotePrecision int    `json:"quotePrecision"`
			BasePrecision  int    `json:"baseAssetPrecision"`
			Filters        []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, c.internal("decode exchange info", err)
	}

	markets := make([]common.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		m := common.Market{
			Symbol:         s.Symbol,
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			PricePrecision: s.QuotePrecision,
			QtyPrecision:   s.BasePrecision,
			Active:         s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.MinQty = parseFloat(f.MinQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinNotional = parseFloat(f.MinNotional)
			}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// FetchTickers returns 24h ticker snapshots for the given symbols, or all
// symbols when none are given.
func (c *Client) FetchTickers(ctx context.Context, symbols []string) ([]common.Ticker, error) {
	q := url.Values{}
	if len(symbols) == 1 {
		q.Set("symbol", symbols[0])
	} else if len(symbols) > 1 {
		encoded, _ := json.Marshal(symbols)
		q.Set("symbols", string(encoded))
	}
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", q)
	if err != nil {
		return nil, err
	}

	var raw []binanceTicker
	if len(symbols) == 1 {
		var one binanceTicker
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, c.internal("decode ticker", err)
		}
		raw = []binanceTicker{one}
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, c.internal("decode tickers", err)
	}

	out := make([]common.Ticker, 0, len(raw))
	for _, t := range raw {
		out = append(out, common.Ticker{
			Symbol:    t.Symbol,
			Last:      parseFloat(t.LastPrice),
			Bid:       parseFloat(t.BidPrice),
			Ask:       parseFloat(t.AskPrice),
			Volume:    parseFloat(t.Volume),
			Timestamp: t.CloseTime,
		})
	}
	return out, nil
}

// GetOpenOrders returns current open orders; all symbols when q.Symbol is
// empty (weight-expensive on Binance, use sparingly).
func (c *Client) GetOpenOrders(ctx context.Context, q common.OpenOrdersQuery) ([]common.Order, error) {
	params := url.Values{}
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(body, q.Limit)
}

// GetOrderHistory returns historical orders. Binance pages either by
// orderId (cursor) or by time range; the cursor wins when both are set.
func (c *Client) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.Order, error) {
	params := url.Values{}
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.Cursor != "" {
		params.Set("orderId", q.Cursor)
	} else {
		if q.StartTime > 0 {
			params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
		}
		if q.EndTime > 0 {
			params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
		}
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/allOrders", params)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(body, 0)
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Quantity))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderAck{}, err
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, c.internal("decode order response", err)
	}
	return common.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
	}, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// --- wire helpers ---

type binanceTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

type binanceOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *Client) decodeOrders(body []byte, limit int) ([]common.Order, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, c.internal("decode orders", err)
	}
	out := make([]common.Order, 0, len(raw))
	for _, r := range raw {
		var o binanceOrder
		if err := json.Unmarshal(r, &o); err != nil {
			return nil, c.internal("decode order", err)
		}
		executed := parseFloat(o.ExecutedQty)
		avg := 0.0
		if executed > 0 {
			avg = parseFloat(o.CumQuoteQty) / executed
		}
		out = append(out, common.Order{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientOrderID:   o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            mapSide(o.Side),
			Type:            mapType(o.Type),
			Status:          mapStatus(o.Status),
			Price:           parseFloat(o.Price),
			Quantity:        parseFloat(o.OrigQty),
			FilledQuantity:  executed,
			AvgFillPrice:    avg,
			CreatedAt:       o.Time,
			UpdatedAt:       o.UpdateTime,
			Raw:             r,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, c.internal("decode server time", err)
	}
	return res.ServerTime, nil
}

// doPublic performs an unsigned GET with retry on connectivity failures.
func (c *Client) doPublic(ctx context.Context, path string, q url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var body []byte
	err := c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return common.WrapError(common.KindInternal, "binance", "build request", err)
		}
		body, err = c.execute(req)
		return err
	})
	return body, err
}

// doSigned signs the query and performs the HTTP request, retrying on
// connectivity failures. Binance expects signed params in the query string
// for GET/DELETE and as a form body for POST.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewError(common.KindAuth, "binance", "API key/secret required")
	}

	var body []byte
	err := c.retry.Do(ctx, func() error {
		signed := cloneValues(params)
		signed.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		signed.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		// The signature goes last; Binance verifies over everything before it.
		payload := signed.Encode()
		encoded := payload + "&signature=" + sign(payload, c.cfg.APISecret)

		var (
			req *http.Request
			err error
		)
		endpoint := c.baseURL + path
		switch method {
		case http.MethodGet, http.MethodDelete:
			req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
		default:
			req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return common.WrapError(common.KindInternal, "binance", "build request", err)
		}
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

		body, err = c.execute(req)
		return err
	})
	return body, err
}

func (c *Client) execute(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindConnectivity, "binance", "request failed", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(res.StatusCode, body)
}

// classify maps a Binance error response onto the shared taxonomy.
func classify(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}

	switch {
	case status == 429 || status == 418:
		return common.NewError(common.KindRateLimit, "binance", msg)
	case status == 401 || status == 403:
		return common.NewError(common.KindAuth, "binance", msg)
	case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
		// Bad API key, invalid permissions, bad signature.
		return common.NewError(common.KindAuth, "binance", msg)
	case apiErr.Code == -1003:
		return common.NewError(common.KindRateLimit, "binance", msg)
	case status >= 500:
		return common.NewError(common.KindConnectivity, "binance", msg)
	}
	return common.NewError(common.KindValidation, "binance", msg)
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func mapSide(s string) common.Side {
	if strings.EqualFold(s, "SELL") {
		return common.SideSell
	}
	return common.SideBuy
}

func mapType(s string) common.OrderType {
	if strings.EqualFold(s, "LIMIT") {
		return common.OrderTypeLimit
	}
	return common.OrderTypeMarket
}

func (c *Client) internal(msg string, err error) error {
	return common.WrapError(common.KindInternal, "binance", msg, err)
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
