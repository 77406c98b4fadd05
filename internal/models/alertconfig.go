// Package models defines the domain types shared by the engine, store and
// HTTP surface: alert configs, positions, alert history records and ticks.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Direction is the trade direction an alert config maps to.
type Direction string

// Product selects the broker product type for orders.
type Product string

// QtyMode selects how the order quantity is derived.
type QtyMode string

// Side is the order side sent to the broker.
type Side string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"

	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"

	QtyModeFixed   QtyMode = "FIXED_QTY"
	QtyModeCapital QtyMode = "FIXED_CAPITAL"

	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// AlertConfig is the per-alert trading configuration. AlertName is stored
// normalized; AlertNameRaw preserves what the user typed.
type AlertConfig struct {
	AlertName    string `json:"alert_name"`
	AlertNameRaw string `json:"alert_name_raw,omitempty"`
	Enabled      bool   `json:"enabled"`

	Direction Direction `json:"direction"`
	Product   Product   `json:"product"`

	QtyMode QtyMode `json:"qty_mode"`
	Qty     int     `json:"qty"`
	Capital float64 `json:"capital"`

	TargetPct     float64 `json:"target_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TrailingSLPct float64 `json:"trailing_sl_pct"`

	TradeLimitPerDay int `json:"trade_limit_per_day"`

	SectorFilterOn bool `json:"sector_filter_on"`
	TopNSector     int  `json:"top_n_sector"`

	// HH:MM in venue-local time, inclusive. Empty means unrestricted.
	EntryWindowStart string `json:"entry_window_start,omitempty"`
	EntryWindowEnd   string `json:"entry_window_end,omitempty"`
}

// DefaultAlertConfig returns the config applied when a user saves an alert
// without overriding anything.
func DefaultAlertConfig(name string) AlertConfig {
	return AlertConfig{
		AlertName:        name,
		Enabled:          true,
		Direction:        DirectionLong,
		Product:          ProductIntraday,
		QtyMode:          QtyModeCapital,
		Qty:              1,
		Capital:          20000,
		TargetPct:        1.0,
		StopLossPct:      0.7,
		TrailingSLPct:    0.5,
		TradeLimitPerDay: 3,
		SectorFilterOn:   false,
		TopNSector:       2,
	}
}

// ParseAlertConfig decodes a stored config, fills unset fields with defaults
// and maps legacy broker product codes (MIS, CNC) to their current names.
func ParseAlertConfig(raw []byte) (AlertConfig, error) {
	cfg := DefaultAlertConfig("")
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AlertConfig{}, fmt.Errorf("parsing alert config: %w", err)
	}

	cfg.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(cfg.Direction))))
	cfg.QtyMode = QtyMode(strings.ToUpper(strings.TrimSpace(string(cfg.QtyMode))))

	switch strings.ToUpper(strings.TrimSpace(string(cfg.Product))) {
	case "MIS", string(ProductIntraday), "":
		cfg.Product = ProductIntraday
	case "CNC", string(ProductDelivery):
		cfg.Product = ProductDelivery
	default:
		cfg.Product = Product(strings.ToUpper(strings.TrimSpace(string(cfg.Product))))
	}

	if cfg.Direction == "" {
		cfg.Direction = DirectionLong
	}
	if cfg.QtyMode == "" {
		cfg.QtyMode = QtyModeCapital
	}
	return cfg, nil
}

// Validate checks that the config is internally consistent.
func (c *AlertConfig) Validate() error {
	if strings.TrimSpace(c.AlertName) == "" {
		return fmt.Errorf("alert_name is required")
	}
	if c.Direction != DirectionLong && c.Direction != DirectionShort {
		return fmt.Errorf("direction must be %s or %s", DirectionLong, DirectionShort)
	}
	if c.Product != ProductIntraday && c.Product != ProductDelivery {
		return fmt.Errorf("product must be %s or %s", ProductIntraday, ProductDelivery)
	}
	if c.QtyMode != QtyModeFixed && c.QtyMode != QtyModeCapital {
		return fmt.Errorf("qty_mode must be %s or %s", QtyModeFixed, QtyModeCapital)
	}
	if c.Qty <= 0 {
		return fmt.Errorf("qty must be positive")
	}
	if c.Capital < 0 || (c.QtyMode == QtyModeCapital && c.Capital <= 0) {
		return fmt.Errorf("capital must be positive in %s mode", QtyModeCapital)
	}
	if c.TargetPct < 0 || c.StopLossPct < 0 || c.TrailingSLPct < 0 {
		return fmt.Errorf("exit percentages must not be negative")
	}
	if c.TradeLimitPerDay < 0 {
		return fmt.Errorf("trade_limit_per_day must not be negative")
	}
	if c.TopNSector < 0 {
		return fmt.Errorf("top_n_sector must not be negative")
	}
	if err := validWindowBound(c.EntryWindowStart); err != nil {
		return err
	}
	if err := validWindowBound(c.EntryWindowEnd); err != nil {
		return err
	}
	return nil
}

func validWindowBound(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("entry window bound %q must be HH:MM: %w", s, err)
	}
	return nil
}

// Side maps the configured direction to the entry order side.
func (c *AlertConfig) Side() Side {
	if c.Direction == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// InEntryWindow reports whether now falls inside the configured entry window
// in the venue timezone. Bounds are inclusive; unset bounds do not restrict.
func (c *AlertConfig) InEntryWindow(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if c.EntryWindowStart != "" {
		if t, err := time.Parse("15:04", c.EntryWindowStart); err == nil {
			if minute < t.Hour()*60+t.Minute() {
				return false
			}
		}
	}
	if c.EntryWindowEnd != "" {
		if t, err := time.Parse("15:04", c.EntryWindowEnd); err == nil {
			if minute > t.Hour()*60+t.Minute() {
				return false
			}
		}
	}
	return true
}
