package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuyPosition() *Position {
	p := &Position{
		TradeID:      "t1",
		Symbol:       "SBIN",
		Side:         SideBuy,
		Product:      ProductIntraday,
		Qty:          10,
		EntryPrice:   100,
		Status:       StatusOpen,
		CfgTargetPct: 1.0,
		CfgSLPct:     0.7,
		CfgTSLPct:    0.5,
	}
	p.RecomputeLevels()
	return p
}

func TestStatusTransitionsMonotonic(t *testing.T) {
	p := newBuyPosition()

	require.NoError(t, p.Transition(StatusExitConditionsMet))
	require.NoError(t, p.Transition(StatusExiting))
	require.NoError(t, p.Transition(StatusClosed))

	// No regression from a terminal state.
	assert.Error(t, p.Transition(StatusOpen))
	assert.Error(t, p.Transition(StatusExiting))
}

func TestStatusTransitionRejectsRegression(t *testing.T) {
	p := newBuyPosition()
	require.NoError(t, p.Transition(StatusExiting))
	assert.Error(t, p.Transition(StatusExitConditionsMet))
}

func TestStatusTransitionErrorPaths(t *testing.T) {
	p := newBuyPosition()
	require.NoError(t, p.Transition(StatusError))

	p = newBuyPosition()
	require.NoError(t, p.Transition(StatusExiting))
	require.NoError(t, p.Transition(StatusError))
}

func TestRecomputeLevelsBuy(t *testing.T) {
	p := newBuyPosition()
	assert.InDelta(t, 101.0, p.TargetPrice, 1e-9)
	assert.InDelta(t, 99.3, p.StopLossPrice, 1e-9)
	assert.InDelta(t, 100.0, p.RunningExtreme, 1e-9)
	assert.InDelta(t, 0.5, p.TrailingStopPct, 1e-9)
}

func TestRecomputeLevelsSell(t *testing.T) {
	p := newBuyPosition()
	p.Side = SideSell
	p.RecomputeLevels()
	assert.InDelta(t, 99.0, p.TargetPrice, 1e-9)
	assert.InDelta(t, 100.7, p.StopLossPrice, 1e-9)
}

func TestRecomputeLevelsSkipsDelivery(t *testing.T) {
	p := newBuyPosition()
	p.Product = ProductDelivery
	p.TargetPrice = 0
	p.RecomputeLevels()
	assert.Zero(t, p.TargetPrice)
}

func TestUpdateTickPnL(t *testing.T) {
	now := time.Now()

	p := newBuyPosition()
	p.UpdateTick(101.5, now)
	assert.InDelta(t, 15.0, p.PnL, 1e-9)

	p.Side = SideSell
	p.UpdateTick(98.0, now)
	assert.InDelta(t, 20.0, p.PnL, 1e-9)
}

func TestUpdateTickZeroPnLWhileUnreconciled(t *testing.T) {
	p := newBuyPosition()
	p.EntryPrice = 0
	p.UpdateTick(101.5, time.Now())
	assert.Zero(t, p.PnL)
}

func TestRunningExtremeMonotonic(t *testing.T) {
	now := time.Now()

	p := newBuyPosition()
	for _, ltp := range []float64{100.5, 101.2, 100.8, 101.9, 99.0} {
		p.UpdateTick(ltp, now)
	}
	assert.InDelta(t, 101.9, p.RunningExtreme, 1e-9)

	p = newBuyPosition()
	p.Side = SideSell
	p.RecomputeLevels()
	for _, ltp := range []float64{99.5, 98.2, 99.0, 97.7, 100.0} {
		p.UpdateTick(ltp, now)
	}
	assert.InDelta(t, 97.7, p.RunningExtreme, 1e-9)
}

func TestEvaluateExitOrderDeterministic(t *testing.T) {
	// A price satisfying both target and trailing must report TARGET.
	p := newBuyPosition()
	p.UpdateTick(101.05, time.Now())
	reason, ok := p.EvaluateExit(101.05)
	require.True(t, ok)
	assert.Equal(t, ExitTarget, reason)
}

func TestEvaluateExitBuy(t *testing.T) {
	cases := []struct {
		name   string
		ltp    float64
		want   string
		wantOK bool
	}{
		{"target", 101.05, ExitTarget, true},
		{"stop", 99.25, ExitStopLoss, true},
		{"no exit", 100.5, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newBuyPosition()
			reason, ok := p.EvaluateExit(tc.ltp)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, reason)
		})
	}
}

func TestEvaluateExitTrailing(t *testing.T) {
	p := newBuyPosition()
	p.StopLossPrice = 0 // stop disabled
	p.UpdateTick(102.0, time.Now())

	// Trailing line: 102 * (1 - 0.5/100) = 101.49.
	reason, ok := p.EvaluateExit(101.4)
	require.True(t, ok)
	assert.Equal(t, ExitTrailingSL, reason)
}

func TestEvaluateExitZeroLevelsDisabled(t *testing.T) {
	p := newBuyPosition()
	p.TargetPrice = 0
	p.StopLossPrice = 0
	p.TrailingStopPct = 0
	_, ok := p.EvaluateExit(50)
	assert.False(t, ok)
}

func TestEvaluateExitSell(t *testing.T) {
	p := newBuyPosition()
	p.Side = SideSell
	p.RecomputeLevels()

	reason, ok := p.EvaluateExit(98.9)
	require.True(t, ok)
	assert.Equal(t, ExitTarget, reason)

	p = newBuyPosition()
	p.Side = SideSell
	p.RecomputeLevels()
	reason, ok = p.EvaluateExit(100.8)
	require.True(t, ok)
	assert.Equal(t, ExitStopLoss, reason)
}

func TestExitSide(t *testing.T) {
	p := newBuyPosition()
	assert.Equal(t, SideSell, p.ExitSide())
	p.Side = SideSell
	assert.Equal(t, SideBuy, p.ExitSide())
}
