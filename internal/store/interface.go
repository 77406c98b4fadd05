// Package store implements the shared key-value backend that keeps multiple
// process instances consistent: atomic named locks, per-alert daily counters,
// open-trade guards, position snapshots, alert history and user state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/algoedge/tickpilot/internal/models"
)

// ErrNotFound is returned when a requested key or hash field is absent.
var ErrNotFound = errors.New("store: not found")

// LockResult is the outcome of an atomic lock acquisition.
type LockResult int

const (
	// LockKill means the user's kill switch is engaged.
	LockKill LockResult = -2
	// LockBusy means another holder owns the lock.
	LockBusy LockResult = 0
	// LockAcquired means the caller now holds the lock until TTL or release.
	LockAcquired LockResult = 1
)

// HistoryLimit caps the per-user alert history list.
const HistoryLimit = 200

// Interface is the contract the engine depends on. Implementations must be
// safe for concurrent use; the Redis implementation's atomic operations run
// as server-side scripts so they stay correct across processes.
type Interface interface {
	// Locks and counters.
	AcquireLock(ctx context.Context, userID int64, symbol, action string, ttl time.Duration) (LockResult, error)
	ReleaseLock(ctx context.Context, userID int64, symbol, action string)
	AllowAndIncrement(ctx context.Context, userID int64, alertName string, limit int) (bool, error)

	// Open-trade guard.
	SetOpen(ctx context.Context, userID int64, symbol, tradeID string, ttl time.Duration) error
	GetOpen(ctx context.Context, userID int64, symbol string) (string, error)
	ClearOpen(ctx context.Context, userID int64, symbol string) error

	// Position snapshots.
	UpsertPosition(ctx context.Context, userID int64, pos *models.Position) error
	DeletePosition(ctx context.Context, userID int64, symbol string) error
	ListPositions(ctx context.Context, userID int64) ([]models.Position, error)

	// Alert history.
	SaveAlert(ctx context.Context, userID int64, rec *models.AlertRecord) error
	GetRecentAlerts(ctx context.Context, userID int64, limit int) ([]models.AlertRecord, error)
	UpdateAlertRecord(ctx context.Context, userID int64, rec *models.AlertRecord) error
	UpdateAlertStatus(ctx context.Context, userID int64, alertTime, alertName, symbol, status, reason string) error

	// Kill switch.
	IsKill(ctx context.Context, userID int64) (bool, error)
	SetKill(ctx context.Context, userID int64, enabled bool) error

	// Alert configs.
	SaveAlertConfig(ctx context.Context, userID int64, cfg *models.AlertConfig) error
	GetAlertConfig(ctx context.Context, userID int64, variants []string) (*models.AlertConfig, error)
	ListAlertConfigs(ctx context.Context, userID int64) (map[string]models.AlertConfig, error)
	DeleteAlertConfig(ctx context.Context, userID int64, name string) error

	// Broker credentials and session token.
	SaveCredentials(ctx context.Context, userID int64, apiKey, apiSecret string) error
	Credentials(ctx context.Context, userID int64) (apiKey, apiSecret string, err error)
	SaveAccessToken(ctx context.Context, userID int64, token string) error
	AccessToken(ctx context.Context, userID int64) (string, error)
	ClearAccessToken(ctx context.Context, userID int64) error

	// Instrument-token cache for the market-data collaborator.
	SetSymbolToken(ctx context.Context, symbol string, token int64) error
	SymbolToken(ctx context.Context, symbol string) (int64, error)

	// End-of-day auto square-off flags.
	AutoSquareOffEnabled(ctx context.Context, userID int64) (bool, error)
	SetAutoSquareOff(ctx context.Context, userID int64, enabled bool) error
	AutoSquareOffRan(ctx context.Context, userID int64) (bool, error)
	MarkAutoSquareOffRan(ctx context.Context, userID int64) error

	Ping(ctx context.Context) error
	Close() error
}
