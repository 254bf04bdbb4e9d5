package events

// Event enumerates high-level topics inside the exchange core.
type Event string

const (
	EventNewTradeDetected  Event = "new_trade_detected"
	EventPositionPnLUpdate Event = "position_pnl_update"
	EventAccountInvalid    Event = "account_invalid"
	EventRequestCompleted  Event = "request_completed"
)

// Notification is the payload published for reconciliation and gateway
// events, both on the in-process bus and the optional Redis channel.
type Notification struct {
	Type      Event  `json:"type"`
	AccountID int64  `json:"account_id"`
	Symbol    string `json:"symbol,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}
