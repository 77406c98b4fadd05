package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algoedge/tickpilot/internal/models"
)

const testUser int64 = 1001

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStoreWithClient(rdb, time.UTC, nil), mr
}

func TestAcquireLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, testUser, "RELIANCE", "entry", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)

	res, err = s.AcquireLock(ctx, testUser, "RELIANCE", "entry", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockBusy, res)

	// Different action on the same symbol is an independent lock.
	res, err = s.AcquireLock(ctx, testUser, "RELIANCE", "exit", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)

	s.ReleaseLock(ctx, testUser, "RELIANCE", "entry")
	res, err = s.AcquireLock(ctx, testUser, "RELIANCE", "entry", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)
}

func TestAcquireLockKillSwitch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetKill(ctx, testUser, true))

	res, err := s.AcquireLock(ctx, testUser, "TCS", "entry", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockKill, res)

	require.NoError(t, s.SetKill(ctx, testUser, false))
	res, err = s.AcquireLock(ctx, testUser, "TCS", "entry", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)
}

func TestAcquireLockExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	res, err := s.AcquireLock(ctx, testUser, "INFY", "entry", 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, LockAcquired, res)

	mr.FastForward(time.Second)

	res, err = s.AcquireLock(ctx, testUser, "INFY", "entry", 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)
}

func TestAllowAndIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.AllowAndIncrement(ctx, testUser, "morning longs", 2)
		require.NoError(t, err)
		assert.True(t, ok, "slot %d", i)
	}
	ok, err := s.AllowAndIncrement(ctx, testUser, "morning longs", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// Separate alerts count independently.
	ok, err = s.AllowAndIncrement(ctx, testUser, "evening shorts", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowAndIncrementUnlimited(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := s.AllowAndIncrement(ctx, testUser, "unlimited", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestOpenGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.GetOpen(ctx, testUser, "SBIN")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetOpen(ctx, testUser, "SBIN", "trade-1", 8*time.Hour))
	id, err = s.GetOpen(ctx, testUser, "SBIN")
	require.NoError(t, err)
	assert.Equal(t, "trade-1", id)

	require.NoError(t, s.ClearOpen(ctx, testUser, "SBIN"))
	id, err = s.GetOpen(ctx, testUser, "SBIN")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestPositionSnapshots(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pos := &models.Position{
		TradeID:    "t-1",
		UserID:     testUser,
		Symbol:     "RELIANCE",
		Side:       models.SideBuy,
		Product:    models.ProductIntraday,
		Qty:        10,
		EntryPrice: 2500,
		Status:     models.StatusOpen,
	}
	require.NoError(t, s.UpsertPosition(ctx, testUser, pos))

	pos.LTP = 2510
	require.NoError(t, s.UpsertPosition(ctx, testUser, pos))

	list, err := s.ListPositions(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2510.0, list[0].LTP)

	require.NoError(t, s.DeletePosition(ctx, testUser, "RELIANCE"))
	list, err = s.ListPositions(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAlertHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := &models.AlertRecord{
		Name:    "morning longs",
		Time:    "2024-01-02T09:20:00+05:30",
		Symbols: []string{"RELIANCE", "TCS"},
		Result: []models.SymbolResult{
			{Symbol: "RELIANCE", Status: models.ResultReceived},
			{Symbol: "TCS", Status: models.ResultReceived},
		},
	}
	require.NoError(t, s.SaveAlert(ctx, testUser, rec))

	require.NoError(t, s.UpdateAlertStatus(ctx, testUser, rec.Time, rec.Name, "TCS",
		models.ResultRejected, models.ReasonTradeLimit))

	got, err := s.GetRecentAlerts(ctx, testUser, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ResultReceived, got[0].Result[0].Status)
	assert.Equal(t, models.ResultRejected, got[0].Result[1].Status)
	assert.Equal(t, models.ReasonTradeLimit, got[0].Result[1].Reason)

	rec.Result[0].Status = models.ResultEntered
	rec.Result[0].OrderID = "ord-1"
	require.NoError(t, s.UpdateAlertRecord(ctx, testUser, rec))

	got, err = s.GetRecentAlerts(ctx, testUser, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ResultEntered, got[0].Result[0].Status)
	assert.Equal(t, "ord-1", got[0].Result[0].OrderID)
}

func TestAlertHistoryNewestFirstAndCapped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < HistoryLimit+5; i++ {
		require.NoError(t, s.SaveAlert(ctx, testUser, &models.AlertRecord{
			Name: fmt.Sprintf("alert %d", i),
			Time: fmt.Sprintf("2024-01-02T09:%02d:00+05:30", i%60),
		}))
	}

	got, err := s.GetRecentAlerts(ctx, testUser, HistoryLimit+50)
	require.NoError(t, err)
	require.Len(t, got, HistoryLimit)
	assert.Equal(t, fmt.Sprintf("alert %d", HistoryLimit+4), got[0].Name)
}

func TestAlertHistoryUpdateMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateAlertStatus(ctx, testUser, "2024-01-02T09:20:00+05:30", "nope", "X", models.ResultError, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlertConfigs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg := models.DefaultAlertConfig("morning longs")
	cfg.AlertNameRaw = "Morning-Longs"
	require.NoError(t, s.SaveAlertConfig(ctx, testUser, &cfg))

	got, err := s.GetAlertConfig(ctx, testUser, []string{"morning_longs", "morning longs"})
	require.NoError(t, err)
	assert.Equal(t, "morning longs", got.AlertName)
	assert.Equal(t, models.DirectionLong, got.Direction)

	_, err = s.GetAlertConfig(ctx, testUser, []string{"unknown"})
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListAlertConfigs(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteAlertConfig(ctx, testUser, "morning longs"))
	all, err = s.ListAlertConfigs(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCredentialsAndToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Credentials(ctx, testUser)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCredentials(ctx, testUser, "key-1", "secret-1"))
	k, sec, err := s.Credentials(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "key-1", k)
	assert.Equal(t, "secret-1", sec)

	tok, err := s.AccessToken(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, s.SaveAccessToken(ctx, testUser, "tok-1"))
	tok, err = s.AccessToken(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	require.NoError(t, s.ClearAccessToken(ctx, testUser))
	tok, err = s.AccessToken(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSymbolTokenCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SymbolToken(ctx, "RELIANCE")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSymbolToken(ctx, "RELIANCE", 738561))
	tok, err := s.SymbolToken(ctx, "RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, int64(738561), tok)
}

func TestAutoSquareOffFlags(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	on, err := s.AutoSquareOffEnabled(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SetAutoSquareOff(ctx, testUser, true))
	on, err = s.AutoSquareOffEnabled(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, on)

	ran, err := s.AutoSquareOffRan(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, s.MarkAutoSquareOffRan(ctx, testUser))
	ran, err = s.AutoSquareOffRan(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDayKeyAndTTL(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2024, 1, 2, 23, 0, 0, 0, ist)

	assert.Equal(t, "20240102", DayKey(at, ist))

	ttl := TTLUntilNextDay(at, ist, 6*time.Hour)
	assert.Equal(t, 7*time.Hour, ttl)

	// Never below the one-minute floor.
	assert.GreaterOrEqual(t, TTLUntilNextDay(at, ist, -25*time.Hour), time.Minute)
}
