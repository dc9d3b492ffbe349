package coverloss

import (
	"testing"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
)

func cfg() models.CoverLossConfig {
	return models.CoverLossConfig{Enabled: true, BaseMultiplier: 1.5, MaxMultiplier: 5, ResetThreshold: 2}
}

func TestThreeLossesSequence(t *testing.T) {
	c := NewController(cfg())
	assert.Equal(t, 1.0, c.Multiplier())

	var got []float64
	for i := 0; i < 3; i++ {
		got = append(got, c.OnTradeClosed(-10).CurrentMultiplier)
	}
	assert.InDeltaSlice(t, []float64{1.5, 2.25, 3.375}, got, 1e-9)
	assert.Equal(t, 3, c.State().StreakCount)
	assert.InDelta(t, 0.3375, c.Scale(0.1), 1e-9)
}

func TestMultiplierCapped(t *testing.T) {
	conf := cfg()
	conf.MaxMultiplier = 3
	c := NewController(conf)
	for i := 0; i < 10; i++ {
		m := c.OnTradeClosed(-1).CurrentMultiplier
		assert.LessOrEqual(t, m, 3.0)
		assert.GreaterOrEqual(t, m, 1.0)
	}
	assert.Equal(t, 3.0, c.Multiplier())
}

func TestResetAfterThresholdWins(t *testing.T) {
	c := NewController(cfg())
	c.OnTradeClosed(-1)
	c.OnTradeClosed(-1)

	st := c.OnTradeClosed(5)
	assert.InDelta(t, 2.25, st.CurrentMultiplier, 1e-9, "one win is below the threshold")

	st = c.OnTradeClosed(0)
	assert.Equal(t, 1.0, st.CurrentMultiplier, "break-even counts as a win")
	losses, wins := c.Streaks()
	assert.Zero(t, losses)
	assert.Zero(t, wins)
}

func TestLossResetsWinStreak(t *testing.T) {
	c := NewController(cfg())
	c.OnTradeClosed(-1)
	c.OnTradeClosed(1)
	c.OnTradeClosed(-1) // 连胜被打断
	c.OnTradeClosed(1)
	assert.InDelta(t, 2.25, c.Multiplier(), 1e-9)
}

func TestDisabledAlwaysOne(t *testing.T) {
	conf := cfg()
	conf.Enabled = false
	c := NewController(conf)
	c.OnTradeClosed(-1)
	c.OnTradeClosed(-1)
	assert.Equal(t, 1.0, c.Multiplier())

	c.SetConfig(cfg())
	assert.InDelta(t, 2.25, c.Multiplier(), 1e-9, "streak is tracked while disabled")
}

func TestRestore(t *testing.T) {
	c := NewController(cfg())
	c.Restore(3, 1)
	assert.InDelta(t, 3.375, c.Multiplier(), 1e-9)
	c.OnTradeClosed(1)
	assert.Equal(t, 1.0, c.Multiplier())
}
