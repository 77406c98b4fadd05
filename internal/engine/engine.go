// Package engine implements the per-user trade engine: alert dispatch with
// ordered entry guards, tick-driven position monitoring, the exit state
// machine and restart rehydration. All cross-process coordination goes
// through the shared store's atomic operations.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/config"
	"github.com/algoedge/tickpilot/internal/models"
	"github.com/algoedge/tickpilot/internal/sector"
	"github.com/algoedge/tickpilot/internal/store"
)

// Event is one observability message pushed to the broadcast hook.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventFunc receives engine events. Implementations must not block; the
// engine calls it from hot paths.
type EventFunc func(userID int64, ev Event)

// Options configures a per-user engine.
type Options struct {
	UserID   int64
	Store    store.Interface
	Broker   broker.Broker
	Worker   *broker.OrderWorker
	Logger   *logrus.Logger
	Location *time.Location
	Exchange string
	Timing   config.EngineConfig
	// Broadcast receives observability events; nil disables broadcasting.
	Broadcast EventFunc
	// Resubscribe is called after rehydration with the symbols that need
	// market data again; nil disables it.
	Resubscribe func(symbols []string)
}

// Engine is the per-user trade engine. Public methods are safe for concurrent
// use; internal state is guarded by one mutex and store/broker round-trips
// happen outside it.
type Engine struct {
	userID    int64
	store     store.Interface
	broker    broker.Broker
	worker    *broker.OrderWorker
	logger    *logrus.Entry
	loc       *time.Location
	exchange  string
	timing    config.EngineConfig
	broadcast EventFunc
	resub     func([]string)
	nowFn     func() time.Time

	mu            sync.Mutex
	positions     map[string]*models.Position
	ticks         map[string]models.Tick
	sectors       *sector.Accumulator
	exitInflight  map[string]bool
	reconInflight map[string]bool
	lastSnapshot  map[string]time.Time
	lastMonitor   map[string]time.Time
	lastTickCast  map[string]time.Time
	lastSummary   time.Time

	wg sync.WaitGroup
}

// New creates an engine for one user.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	exchange := opts.Exchange
	if exchange == "" {
		exchange = "NSE"
	}
	// Fill unset timing knobs with defaults.
	wrap := config.Config{Engine: opts.Timing}
	_ = wrap.Validate()
	timing := wrap.Engine

	e := &Engine{
		userID:        opts.UserID,
		store:         opts.Store,
		broker:        opts.Broker,
		worker:        opts.Worker,
		logger:        logger.WithField("user", opts.UserID),
		loc:           loc,
		exchange:      exchange,
		timing:        timing,
		broadcast:     opts.Broadcast,
		resub:         opts.Resubscribe,
		nowFn:         time.Now,
		positions:     make(map[string]*models.Position),
		ticks:         make(map[string]models.Tick),
		sectors:       sector.NewAccumulator(nil),
		exitInflight:  make(map[string]bool),
		reconInflight: make(map[string]bool),
		lastSnapshot:  make(map[string]time.Time),
		lastMonitor:   make(map[string]time.Time),
		lastTickCast:  make(map[string]time.Time),
	}
	return e
}

// Wait blocks until all background exit and reconciliation tasks finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) emit(ev Event) {
	if e.broadcast != nil {
		e.broadcast(e.userID, ev)
	}
}

// Position returns a copy of the in-memory position for a symbol.
func (e *Engine) Position(symbol string) (models.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all in-memory positions.
func (e *Engine) Positions() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	return out
}

// cachedLTP returns the last cached trade price for a symbol, 0 if none.
func (e *Engine) cachedLTP(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks[symbol].LTP
}

// activePosition returns whether an in-memory position holds the at-most-one
// slot for the symbol.
func (e *Engine) activePosition(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	return ok && pos.Active()
}

// snapshot writes the position to the store, bypassing the throttle.
func (e *Engine) snapshot(ctx context.Context, pos *models.Position) {
	if err := e.store.UpsertPosition(ctx, e.userID, pos); err != nil {
		e.logger.WithError(err).WithField("symbol", pos.Symbol).Warn("position snapshot failed")
		return
	}
	e.mu.Lock()
	e.lastSnapshot[pos.Symbol] = e.nowFn()
	e.mu.Unlock()
}

// Rehydrate rebuilds in-memory positions from the store snapshot after a
// restart. Active rows are coerced back to OPEN so monitoring resumes, and
// the extreme is reseeded from the entry price when it was lost.
func (e *Engine) Rehydrate(ctx context.Context) error {
	rows, err := e.store.ListPositions(ctx, e.userID)
	if err != nil {
		return err
	}

	var symbols []string
	e.mu.Lock()
	for i := range rows {
		pos := rows[i]
		if !pos.Active() {
			continue
		}
		pos.Status = models.StatusOpen
		if pos.EntryPrice > 0 && pos.RunningExtreme <= 0 {
			pos.RunningExtreme = pos.EntryPrice
		}
		p := pos
		e.positions[pos.Symbol] = &p
		symbols = append(symbols, pos.Symbol)
	}
	e.mu.Unlock()

	if len(symbols) > 0 {
		e.logger.WithField("symbols", symbols).Info("rehydrated positions")
		if e.resub != nil {
			e.resub(symbols)
		}
	}
	return nil
}

// OnOrderUpdate reconciles a completed-order event against open positions.
// Entry fills move the entry price to the broker's average price and
// recompute levels; exit fills are informational. Idempotent per order ID.
func (e *Engine) OnOrderUpdate(ctx context.Context, orderID, status string, averagePrice float64) {
	if status != "COMPLETE" || orderID == "" {
		return
	}

	e.mu.Lock()
	var entry *models.Position
	for _, pos := range e.positions {
		if pos.EntryOrderID == orderID {
			entry = pos
			break
		}
		if pos.ExitOrderID == orderID {
			e.mu.Unlock()
			e.logger.WithFields(logrus.Fields{"order_id": orderID, "symbol": pos.Symbol}).
				Info("exit order completed")
			return
		}
	}
	if entry == nil || averagePrice <= 0 {
		e.mu.Unlock()
		return
	}
	entry.EntryPrice = averagePrice
	entry.RecomputeLevels()
	snap := *entry
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"symbol":      snap.Symbol,
		"order_id":    orderID,
		"entry_price": averagePrice,
	}).Info("entry price reconciled from order update")
	e.snapshot(ctx, &snap)
}
