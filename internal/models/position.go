package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a position. Transitions are monotonic:
// OPEN -> EXIT_CONDITIONS_MET -> EXITING -> CLOSED, with ERROR and REJECTED
// as terminal dead ends.
type Status string

const (
	StatusOpen              Status = "OPEN"
	StatusExitConditionsMet Status = "EXIT_CONDITIONS_MET"
	StatusExiting           Status = "EXITING"
	StatusClosed            Status = "CLOSED"
	StatusRejected          Status = "REJECTED"
	StatusError             Status = "ERROR"
)

// Exit reasons recorded on a position and in the alert history.
const (
	ExitTarget     = "TARGET"
	ExitStopLoss   = "STOP_LOSS"
	ExitTrailingSL = "TRAILING_SL"
	ExitManual     = "MANUAL"
	ExitAutoSqOff  = "AUTO_SQ_OFF"
)

// validStatusTransitions encodes the allowed forward moves.
var validStatusTransitions = map[Status][]Status{
	StatusOpen:              {StatusExitConditionsMet, StatusExiting, StatusError, StatusRejected},
	StatusExitConditionsMet: {StatusExiting, StatusError},
	StatusExiting:           {StatusClosed, StatusError},
}

// Position is one live or finished trade for a (user, symbol) pair.
type Position struct {
	TradeID   string `json:"trade_id"`
	UserID    int64  `json:"user_id"`
	Symbol    string `json:"symbol"`
	AlertName string `json:"alert_name"`
	AlertTime string `json:"alert_time,omitempty"`

	Side    Side    `json:"side"`
	Product Product `json:"product"`
	Qty     int     `json:"qty"`

	EntryPrice    float64 `json:"entry_price"`
	LTP           float64 `json:"ltp"`
	TargetPrice   float64 `json:"target_price"`
	StopLossPrice float64 `json:"sl_price"`
	// RunningExtreme tracks the favorable extreme since entry: the session
	// high for BUY, the session low for SELL.
	RunningExtreme  float64 `json:"running_extreme"`
	TrailingStopPct float64 `json:"tsl_pct"`

	Status Status `json:"status"`

	EntryOrderID string `json:"entry_order_id,omitempty"`
	ExitOrderID  string `json:"exit_order_id,omitempty"`

	ExitReason string  `json:"exit_reason,omitempty"`
	PnL        float64 `json:"pnl"`

	// Config echo so levels can be recomputed after entry-price
	// reconciliation without re-reading the alert config.
	CfgTargetPct float64 `json:"cfg_target_pct"`
	CfgSLPct     float64 `json:"cfg_sl_pct"`
	CfgTSLPct    float64 `json:"cfg_tsl_pct"`

	Sector string `json:"sector,omitempty"`

	CreatedTS int64 `json:"created_ts"`
	UpdatedTS int64 `json:"updated_ts"`
}

// Active reports whether the position still holds the at-most-one slot for
// its (user, symbol) pair.
func (p *Position) Active() bool {
	switch p.Status {
	case StatusOpen, StatusExitConditionsMet, StatusExiting:
		return true
	default:
		return false
	}
}

// Transition advances the status, rejecting regressions and undefined moves.
func (p *Position) Transition(to Status) error {
	if p.Status == to {
		return nil
	}
	for _, allowed := range validStatusTransitions[p.Status] {
		if allowed == to {
			p.Status = to
			p.UpdatedTS = time.Now().Unix()
			return nil
		}
	}
	return fmt.Errorf("position %s: invalid status transition %s -> %s", p.TradeID, p.Status, to)
}

// ExitSide returns the side that flattens the position.
func (p *Position) ExitSide() Side {
	if p.Side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// UpdateTick refreshes LTP, P&L and the running extreme from a new trade
// price. P&L stays zero while the entry price is unreconciled.
func (p *Position) UpdateTick(ltp float64, now time.Time) {
	p.LTP = ltp
	p.UpdatedTS = now.Unix()

	if p.EntryPrice <= 0 {
		p.PnL = 0
		return
	}
	if p.Side == SideBuy {
		p.PnL = (ltp - p.EntryPrice) * float64(p.Qty)
		if ltp > p.RunningExtreme || p.RunningExtreme <= 0 {
			p.RunningExtreme = ltp
		}
	} else {
		p.PnL = (p.EntryPrice - ltp) * float64(p.Qty)
		if ltp < p.RunningExtreme || p.RunningExtreme <= 0 {
			p.RunningExtreme = ltp
		}
	}
}

// RecomputeLevels derives target, stop and the extreme anchor from the entry
// price and the echoed config percentages. Used at entry and again whenever
// fill reconciliation moves the entry price. Delivery positions carry no
// monitoring levels.
func (p *Position) RecomputeLevels() {
	if p.EntryPrice <= 0 || p.Product != ProductIntraday {
		return
	}
	if p.Side == SideBuy {
		p.TargetPrice = p.EntryPrice * (1 + p.CfgTargetPct/100)
		p.StopLossPrice = p.EntryPrice * (1 - p.CfgSLPct/100)
	} else {
		p.TargetPrice = p.EntryPrice * (1 - p.CfgTargetPct/100)
		p.StopLossPrice = p.EntryPrice * (1 + p.CfgSLPct/100)
	}
	p.RunningExtreme = p.EntryPrice
	p.TrailingStopPct = p.CfgTSLPct
}

// TrailingLine computes the current trailing stop level, or 0 when trailing
// is disabled or no extreme has been seen yet.
func (p *Position) TrailingLine() float64 {
	if p.TrailingStopPct <= 0 || p.RunningExtreme <= 0 {
		return 0
	}
	if p.Side == SideBuy {
		return p.RunningExtreme * (1 - p.TrailingStopPct/100)
	}
	return p.RunningExtreme * (1 + p.TrailingStopPct/100)
}

// EvaluateExit returns the first matching exit reason for the given price,
// checked in the fixed order TARGET -> STOP_LOSS -> TRAILING_SL. A level of
// zero disables that check.
func (p *Position) EvaluateExit(ltp float64) (string, bool) {
	trailing := p.TrailingLine()
	if p.Side == SideBuy {
		switch {
		case p.TargetPrice > 0 && ltp >= p.TargetPrice:
			return ExitTarget, true
		case p.StopLossPrice > 0 && ltp <= p.StopLossPrice:
			return ExitStopLoss, true
		case trailing > 0 && ltp <= trailing:
			return ExitTrailingSL, true
		}
		return "", false
	}
	switch {
	case p.TargetPrice > 0 && ltp <= p.TargetPrice:
		return ExitTarget, true
	case p.StopLossPrice > 0 && ltp >= p.StopLossPrice:
		return ExitStopLoss, true
	case trailing > 0 && ltp >= trailing:
		return ExitTrailingSL, true
	}
	return "", false
}
