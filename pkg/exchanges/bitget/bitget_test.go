package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"exchange-core/pkg/exchanges/common"
)

const (
	testKey        = "bg-key"
	testSecret     = "bg-secret"
	testPassphrase = "bg-pass"
)

// verifySignature rebuilds timestamp+method+path+body and checks ACCESS-SIGN.
func verifySignature(t *testing.T, r *http.Request, body []byte) {
	t.Helper()
	if got := r.Header.Get("ACCESS-KEY"); got != testKey {
		t.Fatalf("ACCESS-KEY=%q", got)
	}
	if got := r.Header.Get("ACCESS-PASSPHRASE"); got != testPassphrase {
		t.Fatalf("ACCESS-PASSPHRASE=%q", got)
	}
	timestamp := r.Header.Get("ACCESS-TIMESTAMP")
	if timestamp == "" {
		t.Fatal("ACCESS-TIMESTAMP missing")
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	prehash := timestamp + r.Method + path + string(body)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(prehash))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got := r.Header.Get("ACCESS-SIGN"); got != want {
		t.Fatalf("ACCESS-SIGN=%s, expected %s", got, want)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/public/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":"00000","msg":"success","data":{"serverTime":"%d"}}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewWithBaseURL(Config{
		APIKey:     testKey,
		APISecret:  testSecret,
		Passphrase: testPassphrase,
	}, srv.URL)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetBalanceSignsAndFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/spot/account/assets" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		verifySignature(t, r, nil)
		fmt.Fprint(w, `{"code":"00000","msg":"success","data":[
			{"coin":"USDT","available":"100.5","frozen":"2","locked":"0.5"},
			{"coin":"DUST","available":"0","frozen":"0","locked":"0"}
		]}`)
	})

	balances, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("zero balances must be filtered, got %d", len(balances))
	}
	if balances[0].Free != 100.5 || balances[0].Locked != 2.5 {
		t.Fatalf("unexpected balance: %+v", balances[0])
	}
}

func TestPlaceOrderSignsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verifySignature(t, r, body)
		fmt.Fprint(w, `{"code":"00000","msg":"success","data":{"orderId":"777","clientOid":"c-9"}}`)
	})

	ack, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          common.SideSell,
		Type:          common.OrderTypeLimit,
		Quantity:      1.5,
		Price:         42000,
		ClientOrderID: "c-9",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.ExchangeOrderID != "777" || ack.ClientOrderID != "c-9" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestGetOrderHistoryCursorWins(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("idLessThan") != "500" {
			t.Fatalf("idLessThan=%q", q.Get("idLessThan"))
		}
		if q.Get("startTime") != "" {
			t.Fatal("startTime must be dropped when a cursor is present")
		}
		verifySignature(t, r, nil)
		fmt.Fprint(w, `{"code":"00000","msg":"success","data":[{
			"orderId":"499","clientOid":"","symbol":"BTCUSDT","side":"buy",
			"orderType":"limit","status":"filled","price":"100","priceAvg":"99.5",
			"size":"2","baseVolume":"2",
			"feeDetail":"{\"USDT\":{\"totalFee\":\"-0.2\"}}",
			"cTime":"1000","uTime":"2000"}]}`)
	})

	orders, err := c.GetOrderHistory(context.Background(), common.HistoryQuery{
		Cursor:    "500",
		StartTime: 999,
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders", len(orders))
	}
	o := orders[0]
	if o.Status != common.StatusFilled || o.AvgFillPrice != 99.5 {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.Fees != 0.2 {
		t.Fatalf("fees=%v, feeDetail amounts are reported absolute", o.Fees)
	}
	if o.UpdatedAt != 2000 {
		t.Fatalf("updatedAt=%d", o.UpdatedAt)
	}
}

func TestEnvelopeErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code string
		want common.Kind
	}{
		{"invalid signature", "40006", common.KindAuth},
		{"apikey not found", "40037", common.KindAuth},
		{"bad passphrase", "40012", common.KindAuth},
		{"validation", "43001", common.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"code":"%s","msg":"nope","data":null}`, tt.code)
			})
			err := c.TestConnection(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := common.KindOf(err); got != tt.want {
				t.Fatalf("kind=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestMissingPassphraseRejectedLocally(t *testing.T) {
	c := NewWithBaseURL(Config{APIKey: "k", APISecret: "s"}, "http://127.0.0.1:0")
	defer c.Close()

	err := c.TestConnection(context.Background())
	if common.KindOf(err) != common.KindAuth {
		t.Fatalf("kind=%v, expected auth", common.KindOf(err))
	}
}
