package models

// Per-symbol outcome statuses for an alert run.
const (
	ResultReceived     = "RECEIVED"
	ResultEntered      = "ENTERED"
	ResultSkipped      = "SKIPPED"
	ResultRejected     = "REJECTED"
	ResultError        = "ERROR"
	ResultCriticalFail = "CRITICAL_FAIL"
)

// Guard reasons attached to non-ENTERED outcomes.
const (
	ReasonKillSwitch         = "KILL_SWITCH"
	ReasonNoConfig           = "NO_CONFIG"
	ReasonDisabled           = "DISABLED"
	ReasonOutsideEntryWindow = "OUTSIDE_ENTRY_WINDOW"
	ReasonSectorFilter       = "SECTOR_FILTER"
	ReasonAlreadyOpen        = "ALREADY_OPEN"
	ReasonAlreadyOpenRedis   = "ALREADY_OPEN_REDIS"
	ReasonEntryLockBusy      = "ENTRY_LOCK_BUSY"
	ReasonNotConnected       = "ZERODHA_NOT_CONNECTED"
	ReasonCNCShortNotAllowed = "CNC_SHORT_NOT_ALLOWED"
	ReasonNoLTPForCapital    = "NO_LTP_FOR_CAPITAL_QTY"
	ReasonBadQty             = "BAD_QTY"
	ReasonTradeLimit         = "TRADE_LIMIT"
)

// SymbolResult is the final (status, reason) pair for one symbol of an alert,
// plus order details when an entry succeeded.
type SymbolResult struct {
	Symbol  string  `json:"symbol"`
	Status  string  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	OrderID string  `json:"order_id,omitempty"`
	TradeID string  `json:"trade_id,omitempty"`
	Qty     int     `json:"qty,omitempty"`
	Side    Side    `json:"side,omitempty"`
	Product Product `json:"product,omitempty"`
	LTP     float64 `json:"ltp,omitempty"`
	Pct     float64 `json:"pct,omitempty"`
}

// AlertRecord is one row of the per-user alert history list.
type AlertRecord struct {
	Type    string         `json:"type"`
	Name    string         `json:"alert_name"`
	RawName string         `json:"alert_name_raw,omitempty"`
	Time    string         `json:"time"`
	Symbols []string       `json:"symbols"`
	Result  []SymbolResult `json:"result"`
}

// Tick is the in-memory market-data cache entry for a symbol.
type Tick struct {
	LTP          float64
	PrevClose    float64
	SessionHigh  float64
	SessionLow   float64
	TotalBuyQty  float64
	TotalSellQty float64
}
