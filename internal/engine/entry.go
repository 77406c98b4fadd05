package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/chartink"
	"github.com/algoedge/tickpilot/internal/models"
	"github.com/algoedge/tickpilot/internal/store"
)

const (
	lockActionEntry = "entry"
	lockActionExit  = "exit"
)

// HandleAlert runs the dispatcher for one webhook alert: record history,
// apply alert-level guards, then attempt entry per symbol. The returned
// record carries the final per-symbol outcomes.
func (e *Engine) HandleAlert(ctx context.Context, alert chartink.Alert) *models.AlertRecord {
	rec := &models.AlertRecord{
		Type:    "alert",
		Name:    alert.Name,
		RawName: alert.RawName,
		Time:    alert.Time,
		Symbols: alert.Symbols,
	}
	if rec.Time == "" {
		rec.Time = e.nowFn().In(e.loc).Format(time.RFC3339)
	}
	for _, sym := range alert.Symbols {
		rec.Result = append(rec.Result, models.SymbolResult{Symbol: sym, Status: models.ResultReceived})
	}

	// History row goes in first so the UI stays accurate even if the run
	// dies partway through.
	if err := e.store.SaveAlert(ctx, e.userID, rec); err != nil {
		e.logger.WithError(err).Warn("saving alert history failed")
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("alert", alert.Name).Errorf("alert dispatch panicked: %v", r)
			if err := e.store.SetKill(ctx, e.userID, true); err != nil {
				e.logger.WithError(err).Error("engaging kill switch failed")
			}
			reason := fmt.Sprintf("CRITICAL_FAIL:%v", r)
			for i := range rec.Result {
				if rec.Result[i].Status == models.ResultReceived {
					rec.Result[i].Status = models.ResultCriticalFail
					rec.Result[i].Reason = reason
				}
			}
			e.finalizeAlert(ctx, rec)
		}
	}()

	e.dispatch(ctx, alert, rec)
	e.finalizeAlert(ctx, rec)
	return rec
}

func (e *Engine) finalizeAlert(ctx context.Context, rec *models.AlertRecord) {
	if err := e.store.UpdateAlertRecord(ctx, e.userID, rec); err != nil {
		e.logger.WithError(err).Warn("finalizing alert history failed")
	}
	e.emit(Event{Type: "alert", Data: map[string]any{
		"alert_name": rec.Name,
		"time":       rec.Time,
		"symbols":    rec.Symbols,
		"result":     rec.Result,
	}})
}

func (e *Engine) dispatch(ctx context.Context, alert chartink.Alert, rec *models.AlertRecord) {
	setAll := func(status, reason string) {
		for i := range rec.Result {
			rec.Result[i].Status = status
			rec.Result[i].Reason = reason
		}
	}

	killed, err := e.store.IsKill(ctx, e.userID)
	if err != nil {
		e.logger.WithError(err).Error("kill switch check failed; refusing entries")
		setAll(models.ResultError, fmt.Sprintf("STORE_FAIL:%v", err))
		return
	}
	if killed {
		setAll(models.ResultRejected, models.ReasonKillSwitch)
		return
	}

	cfg, err := e.store.GetAlertConfig(ctx, e.userID, chartink.NameVariants(alert.RawName))
	if errors.Is(err, store.ErrNotFound) {
		setAll(models.ResultSkipped, models.ReasonNoConfig)
		return
	}
	if err != nil {
		e.logger.WithError(err).Error("alert config load failed")
		setAll(models.ResultError, fmt.Sprintf("STORE_FAIL:%v", err))
		return
	}
	if !cfg.Enabled {
		setAll(models.ResultSkipped, models.ReasonDisabled)
		return
	}
	if !cfg.InEntryWindow(e.nowFn(), e.loc) {
		setAll(models.ResultRejected, models.ReasonOutsideEntryWindow)
		return
	}

	for i := range rec.Result {
		rec.Result[i] = e.enterSymbol(ctx, cfg, alert, rec.Result[i].Symbol)
	}
}

// enterSymbol runs the ordered entry guards for one symbol. Guard outcomes
// are (status, reason) values; only store and broker faults surface as ERROR.
func (e *Engine) enterSymbol(ctx context.Context, cfg *models.AlertConfig, alert chartink.Alert, symbol string) (res models.SymbolResult) {
	res = models.SymbolResult{Symbol: symbol}
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("symbol", symbol).Errorf("entry panicked: %v", r)
			res.Status = models.ResultError
			res.Reason = fmt.Sprintf("%v", r)
		}
	}()

	e.mu.Lock()
	sectorOK := e.sectors.Allows(symbol, cfg)
	sectorName := e.sectors.Sector(symbol)
	dup := false
	if pos, ok := e.positions[symbol]; ok && pos.Active() {
		dup = true
	}
	e.mu.Unlock()

	if !sectorOK {
		res.Status, res.Reason = models.ResultSkipped, models.ReasonSectorFilter
		return res
	}
	if dup {
		res.Status, res.Reason = models.ResultSkipped, models.ReasonAlreadyOpen
		return res
	}

	if guard, err := e.store.GetOpen(ctx, e.userID, symbol); err != nil {
		res.Status, res.Reason = models.ResultError, fmt.Sprintf("STORE_FAIL:%v", err)
		return res
	} else if guard != "" {
		res.Status, res.Reason = models.ResultSkipped, models.ReasonAlreadyOpenRedis
		return res
	}

	lock, err := e.store.AcquireLock(ctx, e.userID, symbol, lockActionEntry, e.timing.EntryLockTTL)
	if err != nil {
		res.Status, res.Reason = models.ResultError, fmt.Sprintf("STORE_FAIL:%v", err)
		return res
	}
	switch lock {
	case store.LockKill:
		res.Status, res.Reason = models.ResultRejected, models.ReasonKillSwitch
		return res
	case store.LockBusy:
		res.Status, res.Reason = models.ResultSkipped, models.ReasonEntryLockBusy
		return res
	}
	defer e.store.ReleaseLock(ctx, e.userID, symbol, lockActionEntry)

	if !e.broker.Connected() {
		res.Status, res.Reason = models.ResultError, models.ReasonNotConnected
		return res
	}
	if cfg.Direction == models.DirectionShort && cfg.Product == models.ProductDelivery {
		res.Status, res.Reason = models.ResultRejected, models.ReasonCNCShortNotAllowed
		return res
	}

	ltp := e.cachedLTP(symbol)
	if ltp <= 0 && cfg.QtyMode == models.QtyModeCapital {
		ltp = e.waitForLTP(ctx, symbol)
		if ltp <= 0 {
			res.Status, res.Reason = models.ResultSkipped, models.ReasonNoLTPForCapital
			return res
		}
	}

	var qty int
	if cfg.QtyMode == models.QtyModeCapital {
		qty = int(cfg.Capital / ltp)
	} else {
		qty = cfg.Qty
	}
	if qty < 1 {
		qty = 1
	}
	if qty <= 0 {
		res.Status, res.Reason = models.ResultRejected, models.ReasonBadQty
		return res
	}

	// The slot is claimed before placement and is not refunded on failure.
	allowed, err := e.store.AllowAndIncrement(ctx, e.userID, cfg.AlertName, cfg.TradeLimitPerDay)
	if err != nil {
		res.Status, res.Reason = models.ResultError, fmt.Sprintf("STORE_FAIL:%v", err)
		return res
	}
	if !allowed {
		res.Status, res.Reason = models.ResultSkipped, models.ReasonTradeLimit
		return res
	}

	side := cfg.Side()
	order := <-e.worker.Submit(ctx, broker.OrderParams{
		Exchange: e.exchange,
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Product:  cfg.Product,
		Tag:      "tickpilot",
	})
	if order.Err != nil {
		// A broker-rejected order must not leave phantom state: no
		// open-guard, and the kill switch stops further entries.
		e.logger.WithError(order.Err).WithField("symbol", symbol).Error("entry order failed; engaging kill switch")
		if kerr := e.store.SetKill(ctx, e.userID, true); kerr != nil {
			e.logger.WithError(kerr).Error("engaging kill switch failed")
		}
		res.Status, res.Reason = models.ResultError, fmt.Sprintf("ORDER_FAIL:%v", order.Err)
		return res
	}

	now := e.nowFn()
	pos := &models.Position{
		TradeID:      uuid.NewString(),
		UserID:       e.userID,
		Symbol:       symbol,
		AlertName:    cfg.AlertName,
		AlertTime:    alert.Time,
		Side:         side,
		Product:      cfg.Product,
		Qty:          qty,
		EntryPrice:   ltp,
		LTP:          ltp,
		Status:       models.StatusOpen,
		EntryOrderID: order.OrderID,
		CfgTargetPct: cfg.TargetPct,
		CfgSLPct:     cfg.StopLossPct,
		CfgTSLPct:    cfg.TrailingSLPct,
		Sector:       sectorName,
		CreatedTS:    now.Unix(),
		UpdatedTS:    now.Unix(),
	}
	pos.RecomputeLevels()

	if err := e.store.SetOpen(ctx, e.userID, symbol, pos.TradeID, e.timing.OpenGuardTTL); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("setting open guard failed")
	}

	e.mu.Lock()
	e.positions[symbol] = pos
	snap := *pos
	e.mu.Unlock()
	e.snapshot(ctx, &snap)

	e.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     side,
		"qty":      qty,
		"ltp":      ltp,
		"order_id": order.OrderID,
		"trade_id": pos.TradeID,
	}).Info("position opened")

	res = models.SymbolResult{
		Symbol:  symbol,
		Status:  models.ResultEntered,
		OrderID: order.OrderID,
		TradeID: pos.TradeID,
		Qty:     qty,
		Side:    side,
		Product: cfg.Product,
		LTP:     ltp,
	}
	e.mu.Lock()
	if t, ok := e.ticks[symbol]; ok && t.PrevClose > 0 {
		res.Pct = (t.LTP - t.PrevClose) / t.PrevClose * 100
	}
	e.mu.Unlock()
	return res
}

// waitForLTP polls the tick cache until a price arrives or the wait window
// runs out. Only FIXED_CAPITAL sizing blocks on this.
func (e *Engine) waitForLTP(ctx context.Context, symbol string) float64 {
	deadline := e.nowFn().Add(e.timing.LTPWait)
	for {
		if ltp := e.cachedLTP(symbol); ltp > 0 {
			return ltp
		}
		if e.nowFn().After(deadline) {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(e.timing.LTPPoll):
		}
	}
}
