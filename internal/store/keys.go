package store

import (
	"fmt"
	"strings"
	"time"
)

// Key layout. Informative, not guaranteed stable across major versions.
func keyCreds(userID int64) string  { return fmt.Sprintf("kite:creds:%d", userID) }
func keyAccess(userID int64) string { return fmt.Sprintf("kite:access:%d", userID) }
func keyKill(userID int64) string   { return fmt.Sprintf("kill:%d", userID) }

func keyAlertConfigs(userID int64) string { return fmt.Sprintf("cfg:alerts:%d", userID) }
func keyPositions(userID int64) string    { return fmt.Sprintf("positions:%d", userID) }
func keyAlerts(userID int64) string       { return fmt.Sprintf("alerts:%d", userID) }

func keyOpen(userID int64, symbol string) string {
	return fmt.Sprintf("open:%d:%s", userID, symbol)
}

func keyLock(userID int64, symbol, action string) string {
	return fmt.Sprintf("lock:%d:%s:%s", userID, symbol, strings.ToLower(strings.TrimSpace(action)))
}

func keyCount(userID int64, ymd, alertName string) string {
	return fmt.Sprintf("count:%d:%s:%s", userID, ymd, alertName)
}

func keySymbolToken(symbol string) string { return "symbol_token:" + symbol }

func keyAutoSqOff(userID int64) string { return fmt.Sprintf("config:auto_sq_off:%d", userID) }
func keyAutoSqOffRan(userID int64, ymd string) string {
	return fmt.Sprintf("status:auto_sq_off_ran:%d:%s", userID, ymd)
}

// DayKey formats a time as the yyyymmdd component of per-day keys in the
// venue timezone.
func DayKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("20060102")
}

// TTLUntilNextDay returns the TTL that lets a per-day key survive until the
// next venue-local midnight plus a grace period. Never below one minute.
func TTLUntilNextDay(now time.Time, loc *time.Location, grace time.Duration) time.Duration {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	ttl := midnight.Sub(local) + grace
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
