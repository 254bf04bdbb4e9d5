// Package bitget implements the uniform exchange client for Bitget spot
// (API v2). Requests are signed with base64(HMAC-SHA256) over
// timestamp + method + path + body and carry the ACCESS-* header set.
package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

// Config holds Bitget credentials. The passphrase is set when the API key
// is created and is required on every signed call.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool // demo trading via the paptrading header
	Timeout    time.Duration
}

// Client is a Bitget spot client implementing common.Client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	retry      common.RetryPolicy
	cancel     context.CancelFunc
}

// New creates a Bitget client and starts its time-sync loop.
func New(cfg Config) *Client {
	return NewWithBaseURL(cfg, "https://api.bitget.com")
}

// NewWithBaseURL is used by tests to point the client at a stub server.
func NewWithBaseURL(cfg Config, baseURL string) *Client {
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

func (c *Client) Name() string { return "bitget" }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		Exchange:          "bitget",
		SupportsCursor:    true, // idLessThan paging
		SupportsTimeRange: true,
		MaxHistoryLimit:   100,
		RateBudget:        600,
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

// TestConnection verifies the credential by reading account assets.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.doSigned(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil)
	return err
}

// GetBalance returns non-zero asset balances.
func (c *Client) GetBalance(ctx context.Context) ([]common.AssetBalance, error) {
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil)
	if err != nil {
		return nil, err
	}
	var assets []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, c.internal("decode assets", err)
	}

	var out []common.AssetBalance
	for _, a := range assets {
		free := parseFloat(a.Available)
		locked := parseFloat(a.Frozen) + parseFloat(a.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Asset: a.Coin, Free: free, Locked: locked})
	}
	return out, nil
}

// GetMarkets returns the tradable spot symbols.
func (c *Client) GetMarkets(ctx context.Context) ([]common.Market, error) {
	data, err := c.doPublic(ctx, "/api/v2/spot/public/symbols", nil)
	if err != nil {
		return nil, err
	}
	var symbols []struct {
		Symbol         string `json:"symbol"`
		BaseCoin       string `json:"baseCoin"`
		QuoteCoin      string `json:"quoteCoin"`
		Status         string `json:"status"`
		PricePrecision string `json:"pricePrecision"`
		QtyPrecision   string `json:"quantityPrecision"`
		MinTradeAmount string `json:"minTradeAmount"`
		MinTradeUSDT   string `json:"minTradeUSDT"`
	}
	if err := json.Unmarshal(data, &symbols); err != nil {
		return nil, c.internal("decode symbols", err)
	}

	markets := make([]common.Market, 0, len(symbols))
	for _, s := range symbols {
		markets = append(markets, common.Market{
			Symbol:         s.Symbol,
			Base:           s.BaseCoin,
			Quote:          s.QuoteCoin,
			PricePrecision: int(parseFloat(s.PricePrecision)),
			QtyPrecision:   int(parseFloat(s.QtyPrecision)),
			MinQty:         parseFloat(s.MinTradeAmount),
			MinNotional:    parseFloat(s.MinTradeUSDT),
			Active:         s.Status == "online",
		})
	}
	return markets, nil
}

// FetchTickers returns market tickers. Bitget's endpoint takes one symbol
// or none; with multiple requested symbols the full set is filtered here.
func (c *Client) FetchTickers(ctx context.Context, symbols []string) ([]common.Ticker, error) {
	q := url.Values{}
	if len(symbols) == 1 {
		q.Set("symbol", symbols[0])
	}
	data, err := c.doPublic(ctx, "/api/v2/spot/market/tickers", q)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol    string `json:"symbol"`
		LastPr    string `json:"lastPr"`
		BidPr     string `json:"bidPr"`
		AskPr     string `json:"askPr"`
		BaseVol   string `json:"baseVolume"`
		Timestamp string `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, c.internal("decode tickers", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]common.Ticker, 0, len(raw))
	for _, t := range raw {
		if len(symbols) > 1 && !want[t.Symbol] {
			continue
		}
		out = append(out, common.Ticker{
			Symbol:    t.Symbol,
			Last:      parseFloat(t.LastPr),
			Bid:       parseFloat(t.BidPr),
			Ask:       parseFloat(t.AskPr),
			Volume:    parseFloat(t.BaseVol),
			Timestamp: parseInt(t.Timestamp),
		})
	}
	return out, nil
}

// GetOpenOrders returns unfilled orders.
func (c *Client) GetOpenOrders(ctx context.Context, q common.OpenOrdersQuery) ([]common.Order, error) {
	params := url.Values{}
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v2/spot/trade/unfilled-orders", params, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(data)
}

// GetOrderHistory returns historical orders. Bitget pages by idLessThan
// (cursor) or by startTime/endTime; the cursor wins when both are set.
func (c *Client) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.Order, error) {
	params := url.Values{}
	if q.Symbol != "" {
		params.Set("symbol", q.Symbol)
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.Cursor != "" {
		params.Set("idLessThan", q.Cursor)
	} else {
		if q.StartTime > 0 {
			params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
		}
		if q.EndTime > 0 {
			params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
		}
	}
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v2/spot/trade/history-orders", params, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeOrders(data)
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	body := map[string]string{
		"symbol":    req.Symbol,
		"side":      strings.ToLower(string(req.Side)),
		"orderType": strings.ToLower(string(req.Type)),
		"force":     "gtc",
		"size":      formatFloat(req.Quantity),
	}
	if req.Type == common.OrderTypeLimit {
		body["price"] = formatFloat(req.Price)
	}
	if req.ClientOrderID != "" {
		body["clientOid"] = req.ClientOrderID
	}

	data, err := c.doSigned(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", nil, body)
	if err != nil {
		return common.OrderAck{}, err
	}
	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return common.OrderAck{}, c.internal("decode order response", err)
	}
	return common.OrderAck{
		ExchangeOrderID: resp.OrderID,
		ClientOrderID:   resp.ClientOid,
		Status:          common.StatusNew,
	}, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	body := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", nil, body)
	return err
}

// --- wire helpers ---

type bitgetOrder struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Status     string `json:"status"`
	Price      string `json:"price"`
	PriceAvg   string `json:"priceAvg"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	FeeDetail  string `json:"feeDetail"`
	CTime      string `json:"cTime"`
	UTime      string `json:"uTime"`
}

func (c *Client) decodeOrders(data []byte) ([]common.Order, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, c.internal("decode orders", err)
	}
	out := make([]common.Order, 0, len(raw))
	for _, r := range raw {
		var o bitgetOrder
		if err := json.Unmarshal(r, &o); err != nil {
			return nil, c.internal("decode order", err)
		}
		out = append(out, common.Order{
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOid,
			Symbol:          o.Symbol,
			Side:            mapSide(o.Side),
			Type:            mapType(o.OrderType),
			Status:          mapStatus(o.Status),
			Price:           parseFloat(o.Price),
			Quantity:        parseFloat(o.Size),
			FilledQuantity:  parseFloat(o.BaseVolume),
			AvgFillPrice:    parseFloat(o.PriceAvg),
			Fees:            parseFees(o.FeeDetail),
			CreatedAt:       parseInt(o.CTime),
			UpdatedAt:       parseInt(o.UTime),
			Raw:             r,
		})
	}
	return out, nil
}

// parseFees sums the absolute fee amounts out of Bitget's feeDetail blob,
// a JSON object keyed by fee coin.
func parseFees(detail string) float64 {
	if detail == "" {
		return 0
	}
	var m map[string]struct {
		TotalFee string `json:"totalFee"`
	}
	if err := json.Unmarshal([]byte(detail), &m); err != nil {
		return 0
	}
	var total float64
	for _, v := range m {
		f := parseFloat(v.TotalFee)
		if f < 0 {
			f = -f
		}
		total += f
	}
	return total
}

func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	data, err := c.doPublic(ctx, "/api/v2/public/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime string `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, c.internal("decode server time", err)
	}
	return parseInt(res.ServerTime), nil
}

// doPublic performs an unsigned GET and unwraps the response envelope.
func (c *Client) doPublic(ctx context.Context, path string, q url.Values) ([]byte, error) {
	endpoint := path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var data []byte
	err := c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			return common.WrapError(common.KindInternal, "bitget", "build request", err)
		}
		data, err = c.execute(req)
		return err
	})
	return data, err
}

// doSigned signs timestamp+method+path+body and performs the request.
// Query params are part of the signed path; a JSON body is signed as-is.
func (c *Client) doSigned(ctx context.Context, method, path string, q url.Values, body map[string]string) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" || c.cfg.Passphrase == "" {
		return nil, common.NewError(common.KindAuth, "bitget", "API key/secret/passphrase required")
	}

	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, c.internal("encode body", err)
		}
	}

	var data []byte
	err := c.retry.Do(ctx, func() error {
		timestamp := strconv.FormatInt(c.timeSync.Now(), 10)
		prehash := timestamp + method + requestPath + string(payload)

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
		if err != nil {
			return common.WrapError(common.KindInternal, "bitget", "build request", err)
		}
		req.Header.Set("ACCESS-KEY", c.cfg.APIKey)
		req.Header.Set("ACCESS-SIGN", sign(prehash, c.cfg.APISecret))
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-PASSPHRASE", c.cfg.Passphrase)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("locale", "en-US")
		if c.cfg.Testnet {
			req.Header.Set("paptrading", "1")
		}

		data, err = c.execute(req)
		return err
	})
	return data, err
}

// execute runs the request and unwraps Bitget's {code,msg,data} envelope.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindConnectivity, "bitget", "request failed", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, "", string(body))
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, c.internal("decode response envelope", err)
	}
	if envelope.Code != "00000" {
		return nil, classify(res.StatusCode, envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

// classify maps a Bitget error onto the shared taxonomy.
func classify(status int, code, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch {
	case status == 429 || code == "429":
		return common.NewError(common.KindRateLimit, "bitget", msg)
	case status == 401 || status == 403:
		return common.NewError(common.KindAuth, "bitget", msg)
	case isAuthCode(code):
		return common.NewError(common.KindAuth, "bitget", msg)
	case status >= 500:
		return common.NewError(common.KindConnectivity, "bitget", msg)
	}
	return common.NewError(common.KindValidation, "bitget", msg)
}

// Signature, key, passphrase and timestamp failures as documented.
func isAuthCode(code string) bool {
	switch code {
	case "40001", "40002", "40003", "40005", "40006", "40008", "40009", "40012", "40037":
		return true
	}
	return false
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "new", "init":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "cancelled", "canceled":
		return common.StatusCanceled
	case "rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func mapSide(s string) common.Side {
	if strings.EqualFold(s, "sell") {
		return common.SideSell
	}
	return common.SideBuy
}

func mapType(s string) common.OrderType {
	if strings.EqualFold(s, "limit") {
		return common.OrderTypeLimit
	}
	return common.OrderTypeMarket
}

func (c *Client) internal(msg string, err error) error {
	return common.WrapError(common.KindInternal, "bitget", msg, err)
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
