// Package kraken implements the uniform exchange client for Kraken spot.
// Private calls are form-POSTs signed with
// base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + postdata)))
// and carry a strictly increasing nonce instead of a synced timestamp.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"exchange-core/pkg/exchanges/common"
)

// Config holds Kraken credentials. The secret is the base64 private key as
// issued; it is decoded before signing.
type Config struct {
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is a Kraken spot client implementing common.Client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	retry      common.RetryPolicy

	nonceMu   sync.Mutex
	lastNonce int64
}

// New creates a Kraken client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    "https://api.kraken.com",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      common.DefaultRetry(),
	}
}

// NewWithBaseURL is used by tests to point the client at a stub server.
func NewWithBaseURL(cfg Config, baseURL string) *Client {
	c := New(cfg)
	c.baseURL = baseURL
	return c
}

func (c *Client) Name() string { return "kraken" }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{
		Exchange:          "kraken",
		SupportsCursor:    false, // ClosedOrders pages by time, not id
		SupportsTimeRange: true,
		MaxHistoryLimit:   50,
		RateBudget:        15,
		RateWindow:        45 * time.Second,
		Timeout:           c.cfg.Timeout,
	}
}

// Close releases nothing; Kraken clients hold no background loops.
func (c *Client) Close() error { return nil }

// TestConnection verifies the credential by reading the balance.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.doPrivate(ctx, "/0/private/Balance", url.Values{})
	return err
}

// GetBalance returns non-zero asset balances. Kraken's Balance call does
// not split free from locked, so everything is reported as free.
func (c *Client) GetBalance(ctx context.Context) ([]common.AssetBalance, error) {
	result, err := c.doPrivate(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var balances map[string]string
	if err := json.Unmarshal(result, &balances); err != nil {
		return nil, c.internal("decode balances", err)
	}

	var out []common.AssetBalance
	for asset, amount := range balances {
		total := parseFloat(amount)
		if total == 0 {
			continue
		}
		out = append(out, common.AssetBalance{Asset: asset, Free: total})
	}
	return out, nil
}

// GetMarkets returns the tradable asset pairs.
func (c *Client) GetMarkets(ctx context.Context) ([]common.Market, error) {
	result, err := c.doPublic(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, err
	}
	var pairs map[string]struct {
		Altname      string `json:"altname"`
		Base         string `json:"base"`
		Quote        string `json:"quote"`
		PairDecimals int    `json:"pair_decimals"`
		LotDecimals  int    `json:"lot_decimals"`
		OrderMin     string `json:"ordermin"`
		CostMin      string `json:"costmin"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(result, &pairs); err != nil {
		return nil, c.internal("decode asset pairs", err)
	}

	markets := make([]common.Market, 0, len(pairs))
	for name, p := range pairs {
		symbol := p.Altname
		if symbol == "" {
			symbol = name
		}
		markets = append(markets, common.Market{
			Symbol:         symbol,
			Base:           p.Base,
			Quote:          p.Quote,
			PricePrecision: p.PairDecimals,
			QtyPrecision:   p.LotDecimals,
			MinQty:         parseFloat(p.OrderMin),
			MinNotional:    parseFloat(p.CostMin),
			Active:         p.Status == "online",
		})
	}
	return markets, nil
}

// FetchTickers returns ticker snapshots for the given pairs; all pairs
// when none are given.
func (c *Client) FetchTickers(ctx context.Context, symbols []string) ([]common.Ticker, error) {
	q := url.Values{}
	if len(symbols) > 0 {
		q.Set("pair", strings.Join(symbols, ","))
	}
	result, err := c.doPublic(ctx, "/0/public/Ticker", q)
	if err != nil {
		return nil, err
	}
	var tickers map[string]struct {
		C []string `json:"c"` // last trade [price, lot volume]
		B []string `json:"b"` // best bid [price, whole lot, lot]
		A []string `json:"a"` // best ask
		V []string `json:"v"` // volume [today, 24h]
	}
	if err := json.Unmarshal(result, &tickers); err != nil {
		return nil, c.internal("decode tickers", err)
	}

	now := time.Now().UnixMilli()
	out := make([]common.Ticker, 0, len(tickers))
	for pair, t := range tickers {
		out = append(out, common.Ticker{
			Symbol:    pair,
			Last:      first(t.C),
			Bid:       first(t.B),
			Ask:       first(t.A),
			Volume:    second(t.V),
			Timestamp: now,
		})
	}
	return out, nil
}

// GetOpenOrders returns currently open orders.
func (c *Client) GetOpenOrders(ctx context.Context, q common.OpenOrdersQuery) ([]common.Order, error) {
	result, err := c.doPrivate(ctx, "/0/private/OpenOrders", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Open map[string]krakenOrder `json:"open"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, c.internal("decode open orders", err)
	}
	return c.convertOrders(resp.Open, q.Symbol, q.Limit), nil
}

// GetOrderHistory returns closed orders. Kraken pages by unix-seconds time
// range; it has no id cursor, so HistoryQuery.Cursor is ignored.
func (c *Client) GetOrderHistory(ctx context.Context, q common.HistoryQuery) ([]common.Order, error) {
	params := url.Values{}
	if q.StartTime > 0 {
		params.Set("start", strconv.FormatFloat(float64(q.StartTime)/1000, 'f', 3, 64))
	}
	if q.EndTime > 0 {
		params.Set("end", strconv.FormatFloat(float64(q.EndTime)/1000, 'f', 3, 64))
	}
	result, err := c.doPrivate(ctx, "/0/private/ClosedOrders", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Closed map[string]krakenOrder `json:"closed"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, c.internal("decode closed orders", err)
	}
	return c.convertOrders(resp.Closed, q.Symbol, q.Limit), nil
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", strings.ToLower(string(req.Type)))
	params.Set("volume", formatFloat(req.Quantity))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
	}
	if req.ClientOrderID != "" {
		params.Set("cl_ord_id", req.ClientOrderID)
	}

	result, err := c.doPrivate(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return common.OrderAck{}, err
	}
	var resp struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return common.OrderAck{}, c.internal("decode add order response", err)
	}
	if len(resp.TxID) == 0 {
		return common.OrderAck{}, common.NewError(common.KindInternal, "kraken", "add order returned no txid")
	}
	return common.OrderAck{
		ExchangeOrderID: resp.TxID[0],
		ClientOrderID:   req.ClientOrderID,
		Status:          common.StatusNew,
	}, nil
}

// CancelOrder cancels one order by txid. Kraken does not need the symbol.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := c.doPrivate(ctx, "/0/private/CancelOrder", params)
	return err
}

// --- wire helpers ---

type krakenOrder struct {
	Descr struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Price   string  `json:"price"` // average fill price
	Fee     string  `json:"fee"`
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
}

func (c *Client) convertOrders(orders map[string]krakenOrder, symbol string, limit int) []common.Order {
	out := make([]common.Order, 0, len(orders))
	for txid, o := range orders {
		if symbol != "" && !strings.EqualFold(o.Descr.Pair, symbol) {
			continue
		}
		raw, _ := json.Marshal(o)
		updated := secToMs(o.CloseTm)
		if updated == 0 {
			updated = secToMs(o.OpenTm)
		}
		out = append(out, common.Order{
			ExchangeOrderID: txid,
			Symbol:          o.Descr.Pair,
			Side:            mapSide(o.Descr.Type),
			Type:            mapType(o.Descr.OrderType),
			Status:          mapStatus(o.Status, parseFloat(o.VolExec), parseFloat(o.Vol)),
			Price:           parseFloat(o.Descr.Price),
			Quantity:        parseFloat(o.Vol),
			FilledQuantity:  parseFloat(o.VolExec),
			AvgFillPrice:    parseFloat(o.Price),
			Fees:            parseFloat(o.Fee),
			CreatedAt:       secToMs(o.OpenTm),
			UpdatedAt:       updated,
			Raw:             raw,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// doPublic performs an unsigned GET and unwraps Kraken's {error,result}
// envelope.
func (c *Client) doPublic(ctx context.Context, path string, q url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var result []byte
	err := c.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return common.WrapError(common.KindInternal, "kraken", "build request", err)
		}
		result, err = c.execute(req)
		return err
	})
	return result, err
}

// doPrivate signs and POSTs a private call. The nonce is regenerated on
// every attempt so a retried request is never rejected as a replay.
func (c *Client) doPrivate(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewError(common.KindAuth, "kraken", "API key/secret required")
	}
	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		return nil, common.NewError(common.KindAuth, "kraken", "API secret is not valid base64")
	}

	var result []byte
	err = c.retry.Do(ctx, func() error {
		nonce := c.nextNonce()
		form := cloneValues(params)
		form.Set("nonce", nonce)
		postdata := form.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postdata))
		if err != nil {
			return common.WrapError(common.KindInternal, "kraken", "build request", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", c.cfg.APIKey)
		req.Header.Set("API-Sign", sign(path, nonce, postdata, secret))

		result, err = c.execute(req)
		return err
	})
	return result, err
}

// execute runs the request and unwraps the {error,result} envelope.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.WrapError(common.KindConnectivity, "kraken", "request failed", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 500 {
		return nil, common.NewError(common.KindConnectivity, "kraken", fmt.Sprintf("status %d", res.StatusCode))
	}
	if res.StatusCode >= 300 {
		return nil, common.NewError(common.KindInternal, "kraken", fmt.Sprintf("status %d", res.StatusCode))
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, c.internal("decode response envelope", err)
	}
	if len(envelope.Error) > 0 {
		return nil, classify(envelope.Error[0])
	}
	return envelope.Result, nil
}

// classify maps a Kraken error string ("ESeverity:Category:...") onto the
// shared taxonomy.
func classify(msg string) error {
	switch {
	case strings.Contains(msg, "Rate limit"), strings.Contains(msg, "Too many requests"):
		return common.NewError(common.KindRateLimit, "kraken", msg)
	case strings.HasPrefix(msg, "EAPI:Invalid key"),
		strings.HasPrefix(msg, "EAPI:Invalid signature"),
		strings.HasPrefix(msg, "EAPI:Invalid nonce"),
		strings.HasPrefix(msg, "EGeneral:Permission denied"):
		return common.NewError(common.KindAuth, "kraken", msg)
	case strings.HasPrefix(msg, "EService:"):
		return common.NewError(common.KindConnectivity, "kraken", msg)
	}
	return common.NewError(common.KindValidation, "kraken", msg)
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// sign computes API-Sign for one private call.
func sign(path, nonce, postdata string, secret []byte) string {
	inner := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mapStatus(s string, executed, total float64) common.OrderStatus {
	switch strings.ToLower(s) {
	case "pending", "open":
		if executed > 0 && executed < total {
			return common.StatusPartial
		}
		return common.StatusNew
	case "closed":
		return common.StatusFilled
	case "canceled":
		return common.StatusCanceled
	case "expired":
		return common.StatusExpired
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
	return common.WrapError(common.KindInternal, "kraken", msg, err)
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

func secToMs(sec float64) int64 {
	if sec == 0 {
		return 0
	}
	return int64(sec * 1000)
}

func first(v []string) float64 {
	if len(v) == 0 {
		return 0
	}
	return parseFloat(v[0])
}

func second(v []string) float64 {
	if len(v) < 2 {
		return first(v)
	}
	return parseFloat(v[1])
}
