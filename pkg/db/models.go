package db

import "time"

// Credential is one account's API access to one exchange. The secrets are
// injected already decrypted by the external account service; this core
// only holds them for the lifetime of a pooled client.
type Credential struct {
	AccountID  int64     `json:"account_id"`
	Exchange   string    `json:"exchange"`
	APIKey     string    `json:"-"`
	APISecret  string    `json:"-"`
	Passphrase string    `json:"-"`
	Testnet    bool      `json:"testnet"`
	Version    int       `json:"version"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Position is one (account, symbol) ledger entry. AvgPrice is meaningful
// only while Qty is non-zero.
type Position struct {
	AccountID       int64     `json:"account_id"`
	Symbol          string    `json:"symbol"`
	Qty             float64   `json:"qty"`
	AvgPrice        float64   `json:"avg_price"`
	RealizedPnL     float64   `json:"realized_pnl"`
	LastExecutionID string    `json:"last_execution_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Execution is the immutable record of one exchange-reported fill and its
// P&L effect. ExchangeOrderID is the dedup key, unique per account.
type Execution struct {
	ID              string    `json:"id"`
	AccountID       int64     `json:"account_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	AvgFillPrice    float64   `json:"avg_fill_price"`
	Fees            float64   `json:"fees"`
	RealizedPnL     float64   `json:"realized_pnl_contribution"`
	PnLMethod       string    `json:"pnl_calculation_method"`
	ResultingQty    float64   `json:"resulting_net_quantity"`
	RawPayload      string    `json:"-"`
	ExecutedAt      time.Time `json:"executed_at"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Checkpoint marks the newest fill already reconciled for an account. It
// advances only after the matching execution record is durably persisted.
type Checkpoint struct {
	AccountID  int64     `json:"account_id"`
	LastFillAt int64     `json:"last_fill_at"` // epoch ms
	UpdatedAt  time.Time `json:"updated_at"`
}
