// Package sector maintains an incremental per-sector performance accumulator
// and the rank-based entry gate driven by it.
package sector

import (
	"sort"

	"github.com/algoedge/tickpilot/internal/models"
)

// Rank is one sector's current average percent change vs previous close.
type Rank struct {
	Sector string  `json:"sector"`
	AvgPct float64 `json:"avg_pct"`
}

// Accumulator tracks per-symbol percent change and per-sector running sums so
// each tick is an O(1) update and a ranked read is O(#sectors log #sectors).
// Not safe for concurrent use; the engine serializes access.
type Accumulator struct {
	mapping   map[string]string
	symbolPct map[string]float64
	sectorSum map[string]float64
	sectorCnt map[string]int
}

// NewAccumulator builds an accumulator over the given symbol -> sector
// mapping. A nil mapping falls back to the built-in table.
func NewAccumulator(mapping map[string]string) *Accumulator {
	if mapping == nil {
		mapping = StockSectorMapping
	}
	return &Accumulator{
		mapping:   mapping,
		symbolPct: make(map[string]float64),
		sectorSum: make(map[string]float64),
		sectorCnt: make(map[string]int),
	}
}

// Sector returns the sector bucket for a symbol, or "" when unmapped.
func (a *Accumulator) Sector(symbol string) string {
	return a.mapping[symbol]
}

// Update folds a new percent change for symbol into its sector's running sum.
func (a *Accumulator) Update(symbol string, pct float64) {
	sec := a.mapping[symbol]
	if sec == "" {
		return
	}
	old, seen := a.symbolPct[symbol]
	a.symbolPct[symbol] = pct
	if !seen {
		a.sectorSum[sec] += pct
		a.sectorCnt[sec]++
		return
	}
	a.sectorSum[sec] += pct - old
}

// UpdateFromTick computes the percent change vs previous close and updates
// the accumulator. Ticks without a valid previous close are ignored.
func (a *Accumulator) UpdateFromTick(symbol string, ltp, prevClose float64) {
	if prevClose <= 0 || ltp <= 0 {
		return
	}
	a.Update(symbol, (ltp-prevClose)/prevClose*100)
}

// Ranked returns sectors ordered by average percent change, best first.
// Equal averages order by sector name so the ranking is deterministic.
func (a *Accumulator) Ranked() []Rank {
	out := make([]Rank, 0, len(a.sectorSum))
	for sec, sum := range a.sectorSum {
		cnt := a.sectorCnt[sec]
		if cnt <= 0 {
			continue
		}
		out = append(out, Rank{Sector: sec, AvgPct: sum / float64(cnt)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgPct != out[j].AvgPct {
			return out[i].AvgPct > out[j].AvgPct
		}
		return out[i].Sector < out[j].Sector
	})
	return out
}

// Allows applies the sector gate for a symbol under the given config.
// The gate is fail-closed: with the filter on, a symbol whose sector is
// unknown (or unranked) is rejected so an unmapped new listing cannot bypass
// the filter.
func (a *Accumulator) Allows(symbol string, cfg *models.AlertConfig) bool {
	if !cfg.SectorFilterOn {
		return true
	}

	sec := a.mapping[symbol]
	if sec == "" {
		return false
	}

	ranked := a.Ranked()
	if len(ranked) == 0 {
		return false
	}

	topN := cfg.TopNSector
	if topN < 1 {
		topN = 1
	}
	if topN > len(ranked) {
		topN = len(ranked)
	}

	if cfg.Direction == models.DirectionShort {
		for _, r := range ranked[len(ranked)-topN:] {
			if r.Sector == sec {
				return true
			}
		}
		return false
	}
	for _, r := range ranked[:topN] {
		if r.Sector == sec {
			return true
		}
	}
	return false
}
