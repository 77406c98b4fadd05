package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlertConfigDefaults(t *testing.T) {
	cfg, err := ParseAlertConfig([]byte(`{"alert_name":"morning longs"}`))
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, DirectionLong, cfg.Direction)
	assert.Equal(t, ProductIntraday, cfg.Product)
	assert.Equal(t, QtyModeCapital, cfg.QtyMode)
	assert.Equal(t, 20000.0, cfg.Capital)
	assert.Equal(t, 3, cfg.TradeLimitPerDay)
}

func TestParseAlertConfigLegacyProductCodes(t *testing.T) {
	cfg, err := ParseAlertConfig([]byte(`{"alert_name":"x","product":"MIS"}`))
	require.NoError(t, err)
	assert.Equal(t, ProductIntraday, cfg.Product)

	cfg, err = ParseAlertConfig([]byte(`{"alert_name":"x","product":"cnc"}`))
	require.NoError(t, err)
	assert.Equal(t, ProductDelivery, cfg.Product)
}

func TestAlertConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*AlertConfig)
		wantErr bool
	}{
		{"valid", func(*AlertConfig) {}, false},
		{"missing name", func(c *AlertConfig) { c.AlertName = "" }, true},
		{"bad direction", func(c *AlertConfig) { c.Direction = "SIDEWAYS" }, true},
		{"bad product", func(c *AlertConfig) { c.Product = "FUTURES" }, true},
		{"bad qty mode", func(c *AlertConfig) { c.QtyMode = "PERCENT" }, true},
		{"zero qty", func(c *AlertConfig) { c.Qty = 0 }, true},
		{"negative capital", func(c *AlertConfig) { c.Capital = -1 }, true},
		{"negative target", func(c *AlertConfig) { c.TargetPct = -0.1 }, true},
		{"negative limit", func(c *AlertConfig) { c.TradeLimitPerDay = -1 }, true},
		{"bad window", func(c *AlertConfig) { c.EntryWindowStart = "9am" }, true},
		{"good window", func(c *AlertConfig) {
			c.EntryWindowStart = "09:15"
			c.EntryWindowEnd = "15:15"
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultAlertConfig("morning longs")
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAlertConfigSide(t *testing.T) {
	cfg := DefaultAlertConfig("x")
	assert.Equal(t, SideBuy, cfg.Side())
	cfg.Direction = DirectionShort
	assert.Equal(t, SideSell, cfg.Side())
}

func TestInEntryWindow(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	cfg := DefaultAlertConfig("x")
	cfg.EntryWindowStart = "09:15"
	cfg.EntryWindowEnd = "15:15"

	at := func(h, m int) time.Time {
		return time.Date(2024, 1, 2, h, m, 0, 0, ist)
	}

	assert.True(t, cfg.InEntryWindow(at(9, 15), ist))
	assert.True(t, cfg.InEntryWindow(at(12, 0), ist))
	assert.True(t, cfg.InEntryWindow(at(15, 15), ist))
	assert.False(t, cfg.InEntryWindow(at(9, 14), ist))
	assert.False(t, cfg.InEntryWindow(at(15, 30), ist))
}

func TestInEntryWindowUnset(t *testing.T) {
	cfg := DefaultAlertConfig("x")
	assert.True(t, cfg.InEntryWindow(time.Now(), time.UTC))
}
