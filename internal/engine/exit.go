package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/models"
	"github.com/algoedge/tickpilot/internal/store"
)

// exitPosition flattens one position. The exit lock guarantees at most one
// concurrent exiter per symbol across processes; a failed exit order keeps
// the open-guard so the operator can reconcile, and never engages the kill
// switch.
func (e *Engine) exitPosition(symbol, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	defer func() {
		e.mu.Lock()
		delete(e.exitInflight, symbol)
		e.mu.Unlock()
		e.emit(Event{Type: "position_refresh", Data: map[string]any{"symbol": symbol}})
	}()

	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok || !pos.Active() {
		e.mu.Unlock()
		return
	}
	exitSide := pos.ExitSide()
	qty := pos.Qty
	product := pos.Product
	alertName, alertTime := pos.AlertName, pos.AlertTime
	e.mu.Unlock()

	lock, err := e.store.AcquireLock(ctx, e.userID, symbol, lockActionExit, e.timing.ExitLockTTL)
	if err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Error("exit lock acquisition failed")
		return
	}
	if lock != store.LockAcquired {
		e.logger.WithFields(logrus.Fields{"symbol": symbol, "lock": int(lock)}).
			Info("exit skipped; another exiter active or kill engaged")
		return
	}
	defer e.store.ReleaseLock(ctx, e.userID, symbol, lockActionExit)

	e.mu.Lock()
	pos, ok = e.positions[symbol]
	if !ok || !pos.Active() {
		e.mu.Unlock()
		return
	}
	if err := pos.Transition(models.StatusExiting); err != nil {
		e.mu.Unlock()
		e.logger.WithError(err).WithField("symbol", symbol).Warn("exit aborted")
		return
	}
	if pos.ExitReason == "" {
		pos.ExitReason = reason
	}
	snap := *pos
	e.mu.Unlock()
	e.snapshot(ctx, &snap)

	order := <-e.worker.Submit(ctx, broker.OrderParams{
		Exchange: e.exchange,
		Symbol:   symbol,
		Side:     exitSide,
		Qty:      qty,
		Product:  product,
		Tag:      "tickpilot-exit",
	})
	if order.Err != nil {
		e.logger.WithError(order.Err).WithField("symbol", symbol).Error("exit order failed")
		e.mu.Lock()
		p, ok := e.positions[symbol]
		if !ok {
			e.mu.Unlock()
			return
		}
		_ = p.Transition(models.StatusError)
		p.ExitReason = fmt.Sprintf("EXIT_ORDER_FAIL:%v", order.Err)
		snap = *p
		e.mu.Unlock()
		// Open-guard stays so manual reconciliation can retry.
		e.snapshot(ctx, &snap)
		return
	}

	e.mu.Lock()
	pos, ok = e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	pos.ExitOrderID = order.OrderID
	_ = pos.Transition(models.StatusClosed)
	snap = *pos
	delete(e.positions, symbol)
	e.mu.Unlock()

	e.snapshot(ctx, &snap)
	if err := e.store.DeletePosition(ctx, e.userID, symbol); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("deleting position snapshot failed")
	}
	if err := e.store.ClearOpen(ctx, e.userID, symbol); err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("clearing open guard failed")
	}
	if err := e.store.UpdateAlertStatus(ctx, e.userID, alertTime, alertName, symbol,
		string(models.StatusClosed), snap.ExitReason); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("updating alert history failed")
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"reason":   snap.ExitReason,
		"order_id": order.OrderID,
		"pnl":      snap.PnL,
	}).Info("position closed")
}

// requestExit marks the symbol's exit in flight and runs the exit path
// synchronously. Returns false when an exit is already in flight.
func (e *Engine) requestExit(symbol, reason string) bool {
	e.mu.Lock()
	if e.exitInflight[symbol] {
		e.mu.Unlock()
		return false
	}
	e.exitInflight[symbol] = true
	e.mu.Unlock()
	e.exitPosition(symbol, reason)
	return true
}

// ManualSquareOff exits the symbol on operator demand. Without an in-memory
// position it falls back to the broker's net positions and reverses the net
// quantity directly.
func (e *Engine) ManualSquareOff(ctx context.Context, symbol string) error {
	if e.activePosition(symbol) {
		if !e.requestExit(symbol, models.ExitManual) {
			return fmt.Errorf("exit already in progress for %s", symbol)
		}
		return nil
	}

	items, err := e.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("loading broker positions: %w", err)
	}
	for _, item := range items {
		if item.Symbol != symbol || item.NetQty == 0 {
			continue
		}
		side := models.SideSell
		qty := item.NetQty
		if qty < 0 {
			side = models.SideBuy
			qty = -qty
		}
		product := models.ProductIntraday
		if item.Product == "CNC" {
			product = models.ProductDelivery
		}

		order := <-e.worker.Submit(ctx, broker.OrderParams{
			Exchange: e.exchange,
			Symbol:   symbol,
			Side:     side,
			Qty:      qty,
			Product:  product,
			Tag:      "tickpilot-manual",
		})
		if order.Err != nil {
			return fmt.Errorf("manual square-off order: %w", order.Err)
		}

		if err := e.store.ClearOpen(ctx, e.userID, symbol); err != nil {
			e.logger.WithError(err).WithField("symbol", symbol).Warn("clearing open guard failed")
		}
		if err := e.store.DeletePosition(ctx, e.userID, symbol); err != nil {
			e.logger.WithError(err).WithField("symbol", symbol).Warn("deleting position snapshot failed")
		}
		e.logger.WithFields(logrus.Fields{"symbol": symbol, "order_id": order.OrderID}).
			Info("manual square-off via broker positions")
		e.emit(Event{Type: "position_refresh", Data: map[string]any{"symbol": symbol}})
		return nil
	}
	return fmt.Errorf("no position found for %s", symbol)
}

// BulkSquareOff exits every OPEN position concurrently with the given reason
// and returns how many exits were dispatched.
func (e *Engine) BulkSquareOff(ctx context.Context, reason string) int {
	e.mu.Lock()
	var symbols []string
	for sym, pos := range e.positions {
		if pos.Status == models.StatusOpen && !e.exitInflight[sym] {
			e.exitInflight[sym] = true
			symbols = append(symbols, sym)
		}
	}
	e.mu.Unlock()

	if len(symbols) == 0 {
		return 0
	}

	g, _ := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			e.exitPosition(sym, reason)
			return nil
		})
	}
	_ = g.Wait()

	e.emit(Event{Type: "toast", Data: map[string]any{
		"message": fmt.Sprintf("%s triggered (%d positions)", reason, len(symbols)),
	}})
	return len(symbols)
}

// RunAutoSquareOff fires the end-of-day bulk exit once per trading day when
// the user has it enabled.
func (e *Engine) RunAutoSquareOff(ctx context.Context) (int, error) {
	enabled, err := e.store.AutoSquareOffEnabled(ctx, e.userID)
	if err != nil {
		return 0, err
	}
	if !enabled {
		return 0, nil
	}
	ran, err := e.store.AutoSquareOffRan(ctx, e.userID)
	if err != nil {
		return 0, err
	}
	if ran {
		return 0, nil
	}

	n := e.BulkSquareOff(ctx, models.ExitAutoSqOff)
	if err := e.store.MarkAutoSquareOffRan(ctx, e.userID); err != nil {
		return n, err
	}
	return n, nil
}
