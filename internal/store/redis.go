package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/models"
)

// dayGrace keeps per-day keys alive past midnight so late reconciliation and
// dashboards still see them.
const dayGrace = 6 * time.Hour

// lockScript checks the kill switch and takes the lock in one atomic step.
// Returns -2 when the kill key exists, 0 when the lock is held, 1 on acquire.
var lockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -2
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('PSETEX', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// limitScript atomically claims one slot of a capped per-day counter.
// A limit <= 0 always allows. The TTL is set on the first increment only.
var limitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
if limit <= 0 then
  return 1
end
local cur = tonumber(redis.call('GET', KEYS[1]) or "0")
if cur >= limit then
  return 0
end
cur = redis.call('INCR', KEYS[1])
if cur == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return 1
`)

// RedisStore is the Redis-backed implementation of Interface.
type RedisStore struct {
	rdb    *redis.Client
	loc    *time.Location
	logger *logrus.Logger
	nowFn  func() time.Time
}

var _ Interface = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance at url. The location drives
// day-key rollover (the venue timezone).
func NewRedisStore(url string, loc *time.Location, logger *logrus.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStore{
		rdb:    redis.NewClient(opt),
		loc:    loc,
		logger: logger,
		nowFn:  time.Now,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(rdb *redis.Client, loc *time.Location, logger *logrus.Logger) *RedisStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStore{rdb: rdb, loc: loc, logger: logger, nowFn: time.Now}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// ---------------- Locks and counters ----------------

// AcquireLock runs the kill-aware lock script for lock:{user}:{symbol}:{action}.
func (s *RedisStore) AcquireLock(ctx context.Context, userID int64, symbol, action string, ttl time.Duration) (LockResult, error) {
	res, err := lockScript.Run(ctx, s.rdb,
		[]string{keyLock(userID, symbol, action), keyKill(userID)},
		ttl.Milliseconds(), s.nowFn().UnixMilli(),
	).Int()
	if err != nil {
		return LockBusy, fmt.Errorf("acquire lock %s/%s: %w", symbol, action, err)
	}
	return LockResult(res), nil
}

// ReleaseLock deletes the named lock. Best effort: a failed delete only
// shortens availability by the lock TTL, so the caller never sees an error.
func (s *RedisStore) ReleaseLock(ctx context.Context, userID int64, symbol, action string) {
	if err := s.rdb.Del(ctx, keyLock(userID, symbol, action)).Err(); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("lock release failed")
	}
}

// AllowAndIncrement claims one slot of the per-alert daily counter. The slot
// is claimed before the order is placed and is not refunded on rejection.
func (s *RedisStore) AllowAndIncrement(ctx context.Context, userID int64, alertName string, limit int) (bool, error) {
	now := s.nowFn()
	key := keyCount(userID, DayKey(now, s.loc), alertName)
	ttl := TTLUntilNextDay(now, s.loc, dayGrace)

	res, err := limitScript.Run(ctx, s.rdb, []string{key}, limit, int(ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("trade limit check for %q: %w", alertName, err)
	}
	return res == 1, nil
}

// ---------------- Open-trade guard ----------------

// SetOpen marks the (user, symbol) pair as holding an active position.
func (s *RedisStore) SetOpen(ctx context.Context, userID int64, symbol, tradeID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, keyOpen(userID, symbol), tradeID, ttl).Err()
}

// GetOpen returns the trade ID guarding the pair, or "" when no guard exists.
func (s *RedisStore) GetOpen(ctx context.Context, userID int64, symbol string) (string, error) {
	v, err := s.rdb.Get(ctx, keyOpen(userID, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// ClearOpen removes the open-trade guard.
func (s *RedisStore) ClearOpen(ctx context.Context, userID int64, symbol string) error {
	return s.rdb.Del(ctx, keyOpen(userID, symbol)).Err()
}

// ---------------- Position snapshots ----------------

// UpsertPosition writes the position into the per-user snapshot hash.
func (s *RedisStore) UpsertPosition(ctx context.Context, userID int64, pos *models.Position) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshaling position %s: %w", pos.Symbol, err)
	}
	return s.rdb.HSet(ctx, keyPositions(userID), pos.Symbol, raw).Err()
}

// DeletePosition removes the snapshot row for the symbol.
func (s *RedisStore) DeletePosition(ctx context.Context, userID int64, symbol string) error {
	return s.rdb.HDel(ctx, keyPositions(userID), symbol).Err()
}

// ListPositions returns all snapshot rows. Corrupt rows are skipped.
func (s *RedisStore) ListPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	rows, err := s.rdb.HGetAll(ctx, keyPositions(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	out := make([]models.Position, 0, len(rows))
	for sym, raw := range rows {
		var pos models.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			s.logger.WithField("symbol", sym).Warn("skipping corrupt position snapshot")
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// ---------------- Alert history ----------------

// SaveAlert prepends a record to the history list, trims to HistoryLimit and
// refreshes the daily TTL.
func (s *RedisStore) SaveAlert(ctx context.Context, userID int64, rec *models.AlertRecord) error {
	if rec.Type == "" {
		rec.Type = "alert"
	}
	if rec.Time == "" {
		rec.Time = s.nowFn().In(s.loc).Format(time.RFC3339)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling alert record: %w", err)
	}

	key := keyAlerts(userID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, HistoryLimit-1)
	pipe.Expire(ctx, key, TTLUntilNextDay(s.nowFn(), s.loc, dayGrace))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving alert record: %w", err)
	}
	return nil
}

// GetRecentAlerts returns up to limit newest-first history records.
func (s *RedisStore) GetRecentAlerts(ctx context.Context, userID int64, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.rdb.LRange(ctx, keyAlerts(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading alert history: %w", err)
	}
	out := make([]models.AlertRecord, 0, len(raws))
	for _, raw := range raws {
		var rec models.AlertRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateAlertRecord rewrites the stored record matching (name, time).
// Last write wins.
func (s *RedisStore) UpdateAlertRecord(ctx context.Context, userID int64, rec *models.AlertRecord) error {
	idx, _, err := s.findAlert(ctx, userID, rec.Time, rec.Name)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling alert record: %w", err)
	}
	return s.rdb.LSet(ctx, keyAlerts(userID), idx, raw).Err()
}

// UpdateAlertStatus rewrites one symbol's (status, reason) inside the record
// matching (alertTime, alertName).
func (s *RedisStore) UpdateAlertStatus(ctx context.Context, userID int64, alertTime, alertName, symbol, status, reason string) error {
	idx, rec, err := s.findAlert(ctx, userID, alertTime, alertName)
	if err != nil {
		return err
	}
	changed := false
	for i := range rec.Result {
		if rec.Result[i].Symbol == symbol {
			rec.Result[i].Status = status
			rec.Result[i].Reason = reason
			changed = true
		}
	}
	if !changed {
		return ErrNotFound
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling alert record: %w", err)
	}
	return s.rdb.LSet(ctx, keyAlerts(userID), idx, raw).Err()
}

func (s *RedisStore) findAlert(ctx context.Context, userID int64, alertTime, alertName string) (int64, *models.AlertRecord, error) {
	raws, err := s.rdb.LRange(ctx, keyAlerts(userID), 0, HistoryLimit-1).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("scanning alert history: %w", err)
	}
	for i, raw := range raws {
		var rec models.AlertRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Name == alertName && rec.Time == alertTime {
			return int64(i), &rec, nil
		}
	}
	return 0, nil, ErrNotFound
}

// ---------------- Kill switch ----------------

// IsKill reports whether the user's kill switch is engaged.
func (s *RedisStore) IsKill(ctx context.Context, userID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyKill(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("reading kill switch: %w", err)
	}
	return n > 0, nil
}

// SetKill engages the kill switch until the next day rollover, or clears it.
func (s *RedisStore) SetKill(ctx context.Context, userID int64, enabled bool) error {
	if !enabled {
		return s.rdb.Del(ctx, keyKill(userID)).Err()
	}
	return s.rdb.Set(ctx, keyKill(userID), "1", TTLUntilNextDay(s.nowFn(), s.loc, dayGrace)).Err()
}

// ---------------- Alert configs ----------------

// SaveAlertConfig stores the config under its normalized name.
func (s *RedisStore) SaveAlertConfig(ctx context.Context, userID int64, cfg *models.AlertConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling alert config: %w", err)
	}
	return s.rdb.HSet(ctx, keyAlertConfigs(userID), cfg.AlertName, raw).Err()
}

// GetAlertConfig tries each name variant in order and returns the first hit.
func (s *RedisStore) GetAlertConfig(ctx context.Context, userID int64, variants []string) (*models.AlertConfig, error) {
	for _, name := range variants {
		if name == "" {
			continue
		}
		raw, err := s.rdb.HGet(ctx, keyAlertConfigs(userID), name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading alert config %q: %w", name, err)
		}
		cfg, err := models.ParseAlertConfig([]byte(raw))
		if err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return nil, ErrNotFound
}

// ListAlertConfigs returns all configs keyed by normalized name.
func (s *RedisStore) ListAlertConfigs(ctx context.Context, userID int64) (map[string]models.AlertConfig, error) {
	rows, err := s.rdb.HGetAll(ctx, keyAlertConfigs(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing alert configs: %w", err)
	}
	out := make(map[string]models.AlertConfig, len(rows))
	for name, raw := range rows {
		cfg, err := models.ParseAlertConfig([]byte(raw))
		if err != nil {
			s.logger.WithField("alert", name).Warn("skipping corrupt alert config")
			continue
		}
		out[name] = cfg
	}
	return out, nil
}

// DeleteAlertConfig removes the config for the normalized name.
func (s *RedisStore) DeleteAlertConfig(ctx context.Context, userID int64, name string) error {
	return s.rdb.HDel(ctx, keyAlertConfigs(userID), name).Err()
}

// ---------------- Credentials ----------------

type credsPayload struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// SaveCredentials stores the broker API key pair as opaque strings.
func (s *RedisStore) SaveCredentials(ctx context.Context, userID int64, apiKey, apiSecret string) error {
	raw, err := json.Marshal(credsPayload{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	return s.rdb.Set(ctx, keyCreds(userID), raw, 0).Err()
}

// Credentials loads the broker API key pair.
func (s *RedisStore) Credentials(ctx context.Context, userID int64) (string, string, error) {
	raw, err := s.rdb.Get(ctx, keyCreds(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("reading credentials: %w", err)
	}
	var c credsPayload
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return "", "", fmt.Errorf("parsing credentials: %w", err)
	}
	return c.APIKey, c.APISecret, nil
}

// SaveAccessToken stores the daily broker session token.
func (s *RedisStore) SaveAccessToken(ctx context.Context, userID int64, token string) error {
	return s.rdb.Set(ctx, keyAccess(userID), token, 0).Err()
}

// AccessToken loads the session token, or "" when absent.
func (s *RedisStore) AccessToken(ctx context.Context, userID int64) (string, error) {
	v, err := s.rdb.Get(ctx, keyAccess(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// ClearAccessToken drops the session token, forcing a fresh login.
func (s *RedisStore) ClearAccessToken(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, keyAccess(userID)).Err()
}

// ---------------- Instrument-token cache ----------------

// SetSymbolToken caches the instrument token for a symbol.
func (s *RedisStore) SetSymbolToken(ctx context.Context, symbol string, token int64) error {
	return s.rdb.Set(ctx, keySymbolToken(symbol), strconv.FormatInt(token, 10), 0).Err()
}

// SymbolToken returns the cached instrument token for a symbol.
func (s *RedisStore) SymbolToken(ctx context.Context, symbol string) (int64, error) {
	raw, err := s.rdb.Get(ctx, keySymbolToken(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading symbol token: %w", err)
	}
	tok, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing symbol token %q: %w", raw, err)
	}
	return tok, nil
}

// ---------------- Auto square-off flags ----------------

// AutoSquareOffEnabled reports whether end-of-day square-off is on.
func (s *RedisStore) AutoSquareOffEnabled(ctx context.Context, userID int64) (bool, error) {
	v, err := s.rdb.Get(ctx, keyAutoSqOff(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetAutoSquareOff toggles the end-of-day square-off flag.
func (s *RedisStore) SetAutoSquareOff(ctx context.Context, userID int64, enabled bool) error {
	if !enabled {
		return s.rdb.Del(ctx, keyAutoSqOff(userID)).Err()
	}
	return s.rdb.Set(ctx, keyAutoSqOff(userID), "1", 0).Err()
}

// AutoSquareOffRan reports whether today's square-off already fired.
func (s *RedisStore) AutoSquareOffRan(ctx context.Context, userID int64) (bool, error) {
	now := s.nowFn()
	n, err := s.rdb.Exists(ctx, keyAutoSqOffRan(userID, DayKey(now, s.loc))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAutoSquareOffRan records that today's square-off fired.
func (s *RedisStore) MarkAutoSquareOffRan(ctx context.Context, userID int64) error {
	now := s.nowFn()
	key := keyAutoSqOffRan(userID, DayKey(now, s.loc))
	return s.rdb.Set(ctx, key, "1", TTLUntilNextDay(now, s.loc, time.Hour)).Err()
}
