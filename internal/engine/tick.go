package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/models"
	"github.com/algoedge/tickpilot/internal/sector"
)

// nearLevelPct tags a monitoring record when price is within this signed
// percent distance of an exit level.
const nearLevelPct = 0.15

// OnTick ingests one market-data tick: cache it, fold it into the sector
// accumulator, refresh the position for the symbol and evaluate exits.
// Non-blocking; reconciliation and exits run as background tasks.
func (e *Engine) OnTick(ctx context.Context, symbol string, t models.Tick) {
	if t.LTP <= 0 {
		return
	}
	now := e.nowFn()

	var (
		summary    []sector.Rank
		snap       *models.Position
		monitorLog logrus.Fields
		castTick   bool
		spawnRecon bool
		spawnExit  bool
		exitReason string
	)

	e.mu.Lock()
	e.ticks[symbol] = t
	e.sectors.UpdateFromTick(symbol, t.LTP, t.PrevClose)

	if now.Sub(e.lastSummary) >= e.timing.SectorInterval {
		e.lastSummary = now
		summary = e.sectors.Ranked()
	}
	if now.Sub(e.lastTickCast[symbol]) >= e.timing.TickInterval {
		e.lastTickCast[symbol] = now
		castTick = true
	}

	pos, ok := e.positions[symbol]
	if ok && pos.Status == models.StatusOpen {
		pos.UpdateTick(t.LTP, now)

		if pos.Product == models.ProductIntraday {
			if pos.EntryPrice <= 0 && !e.reconInflight[symbol] {
				e.reconInflight[symbol] = true
				spawnRecon = true
			}

			if reason, hit := pos.EvaluateExit(t.LTP); hit {
				if err := pos.Transition(models.StatusExitConditionsMet); err == nil {
					pos.ExitReason = reason
					if !e.exitInflight[symbol] {
						e.exitInflight[symbol] = true
						spawnExit = true
						exitReason = reason
					}
					c := *pos
					snap = &c
				}
			}

			if now.Sub(e.lastMonitor[symbol]) >= e.timing.MonitorInterval {
				e.lastMonitor[symbol] = now
				monitorLog = monitorFields(pos, t.LTP)
			}
		}

		if snap == nil && now.Sub(e.lastSnapshot[symbol]) >= e.timing.SnapshotInterval {
			c := *pos
			snap = &c
		}
	}
	e.mu.Unlock()

	if snap != nil {
		e.snapshot(ctx, snap)
	}
	if spawnRecon {
		e.wg.Add(1)
		go e.reconcileEntryPrice(symbol)
	}
	if spawnExit {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.exitPosition(symbol, exitReason)
		}()
	}
	if monitorLog != nil {
		e.logger.WithFields(monitorLog).Info("position monitor")
	}
	if summary != nil {
		data := make([]map[string]any, 0, len(summary))
		for _, r := range summary {
			data = append(data, map[string]any{"sector": r.Sector, "avg_pct": r.AvgPct})
		}
		e.emit(Event{Type: "sector_summary", Data: map[string]any{"ranks": data}})
	}
	if castTick {
		e.emit(Event{Type: "tick", Data: map[string]any{
			"symbol":     symbol,
			"ltp":        t.LTP,
			"prev_close": t.PrevClose,
		}})
	}
}

// monitorFields builds the throttled per-symbol monitoring record: prices,
// P&L, exit levels and signed percent distances, with near tags when price
// sits within nearLevelPct of a level.
func monitorFields(pos *models.Position, ltp float64) logrus.Fields {
	fields := logrus.Fields{
		"symbol": pos.Symbol,
		"side":   pos.Side,
		"entry":  pos.EntryPrice,
		"ltp":    ltp,
		"pnl":    pos.PnL,
		"target": pos.TargetPrice,
		"stop":   pos.StopLossPrice,
	}

	var near []string
	addDist := func(name string, level float64) {
		if level <= 0 || ltp <= 0 {
			return
		}
		dist := (level - ltp) / ltp * 100
		fields["dist_"+name+"_pct"] = dist
		if dist < 0 {
			dist = -dist
		}
		if dist <= nearLevelPct {
			near = append(near, name)
		}
	}
	addDist("target", pos.TargetPrice)
	addDist("stop", pos.StopLossPrice)
	if line := pos.TrailingLine(); line > 0 {
		fields["trailing"] = line
		addDist("trailing", line)
	}
	if len(near) > 0 {
		fields["near"] = strings.Join(near, ",")
	}
	return fields
}

// reconcileEntryPrice fetches the broker's net positions and adopts the
// average fill price for a position still carrying a provisional entry.
// At most one invocation runs per symbol at a time.
func (e *Engine) reconcileEntryPrice(symbol string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.reconInflight, symbol)
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := e.broker.Positions(ctx)
	if err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Warn("entry price reconciliation failed")
		return
	}

	var avg float64
	for _, item := range items {
		if item.Symbol == symbol && item.AveragePrice > 0 {
			avg = item.AveragePrice
			break
		}
	}
	if avg <= 0 {
		return
	}

	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok || !pos.Active() || pos.EntryPrice > 0 {
		e.mu.Unlock()
		return
	}
	pos.EntryPrice = avg
	pos.RecomputeLevels()
	snap := *pos
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{"symbol": symbol, "entry_price": avg}).
		Info("entry price reconciled from positions")
	e.snapshot(ctx, &snap)
}
