package grid

import (
	"testing"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func absoluteCfg(n int) models.GridConfig {
	return models.GridConfig{Low: 40000, High: 50000, LevelCount: n, Spacing: models.SpacingAbsolute}
}

func TestBuildPricesStrictlyIncreasing(t *testing.T) {
	for _, spacing := range []models.Spacing{models.SpacingAbsolute, models.SpacingPercentage, models.SpacingATR} {
		for _, n := range []int{2, 3, 20, 101} {
			prices, err := BuildPrices(40000, 50000, n, spacing, 150)
			require.NoError(t, err, "%s/%d", spacing, n)
			require.Len(t, prices, n)
			for i := 1; i < n; i++ {
				assert.Greater(t, prices[i], prices[i-1], "%s/%d at %d", spacing, n, i)
			}
		}
	}
}

func TestBuildPricesEndpoints(t *testing.T) {
	abs, err := BuildPrices(40000, 50000, 20, models.SpacingAbsolute, 0)
	require.NoError(t, err)
	assert.Equal(t, 40000.0, abs[0])
	assert.Equal(t, 50000.0, abs[19])
	assert.InDelta(t, 526.3158, abs[1]-abs[0], 1e-3)

	geo, err := BuildPrices(100, 400, 3, models.SpacingPercentage, 0)
	require.NoError(t, err)
	assert.InDelta(t, 200, geo[1], 1e-9)
	assert.Equal(t, 400.0, geo[2])

	atr, err := BuildPrices(900, 1100, 5, models.SpacingATR, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{980, 990, 1000, 1010, 1020}, atr)
}

func TestBuildPricesRejectsBadInput(t *testing.T) {
	_, err := BuildPrices(50000, 40000, 10, models.SpacingAbsolute, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = BuildPrices(40000, 50000, 1, models.SpacingAbsolute, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = BuildPrices(40000, 50000, 10, models.SpacingATR, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = BuildPrices(40000, 50000, 10, "zigzag", 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestCrossingOneLevelUpward(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(absoluteCfg(20), 40000, 50000, 0))

	crossings := l.Crossings(44000, 44600)
	require.Len(t, crossings, 1)
	c := crossings[0]
	assert.Equal(t, 8, c.Index)
	assert.InDelta(t, 44210.526, c.Price, 1e-3)
	assert.Equal(t, Up, c.Direction)
	assert.Equal(t, models.Sell, c.Direction.OrderSide())

	require.NoError(t, l.MarkPending(c.Index, models.Sell, "ge-1"))
	lv, _ := l.Level(8)
	assert.Equal(t, models.LevelPending, lv.State)
	assert.Equal(t, "ge-1", lv.OrderID)
}

func TestCrossingsOrderAndBoundaries(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(models.GridConfig{LevelCount: 5, Spacing: models.SpacingAbsolute}, 100, 140, 0))
	// 100 110 120 130 140

	up := l.Crossings(105, 130)
	require.Len(t, up, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{up[0].Index, up[1].Index, up[2].Index})

	down := l.Crossings(130, 105)
	require.Len(t, down, 2, "leaving a level does not count it again")
	assert.Equal(t, []int{2, 1}, []int{down[0].Index, down[1].Index})
	assert.Equal(t, Down, down[0].Direction)

	assert.Empty(t, l.Crossings(111, 119))
	assert.Empty(t, l.Crossings(0, 130), "no previous price")
}

func TestOccupancyTransitions(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(absoluteCfg(5), 40000, 50000, 0))

	require.NoError(t, l.MarkPending(1, models.Buy, "a"))
	assert.ErrorIs(t, l.MarkPending(1, models.Buy, "b"), ErrLevelBusy)
	assert.Error(t, l.MarkFilled(1, "b", 1), "wrong owner")

	require.NoError(t, l.MarkFilled(1, "a", 0.01))
	assert.ErrorIs(t, l.MarkPending(1, models.Buy, "c"), ErrLevelBusy, "filled levels never get a new order")
	assert.Error(t, l.Release(1, "a"), "release only applies to pending levels")

	require.NoError(t, l.MarkPending(2, models.Sell, "d"))
	require.NoError(t, l.Release(2, "d"))
	lv, _ := l.Level(2)
	assert.Equal(t, models.LevelEmpty, lv.State)
	assert.Empty(t, lv.OrderID)

	assert.Equal(t, 0, l.ReleaseFilled(models.Sell))
	assert.Equal(t, 1, l.ReleaseFilled(models.Buy))
	empty, pending, filled := l.Counts()
	assert.Equal(t, 5, empty)
	assert.Zero(t, pending)
	assert.Zero(t, filled)
}

func TestRebuildRequiresNoPending(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(absoluteCfg(5), 40000, 50000, 0))
	assert.Equal(t, 1, l.Generation())

	require.NoError(t, l.MarkPending(0, models.Buy, "x"))
	assert.ErrorIs(t, l.Rebuild(absoluteCfg(5), 41000, 51000, 0), ErrPending)

	idx, ok := l.FindByOrder("x")
	require.True(t, ok)
	require.NoError(t, l.Release(idx, "x"))
	require.NoError(t, l.Rebuild(absoluteCfg(5), 41000, 51000, 0))
	assert.Equal(t, 2, l.Generation())
	low, high := l.Range()
	assert.Equal(t, 41000.0, low)
	assert.Equal(t, 51000.0, high)
	assert.True(t, l.OutOfRange(40000))
	assert.False(t, l.OutOfRange(45000))
}

func TestNearest(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(models.GridConfig{LevelCount: 5, Spacing: models.SpacingAbsolute}, 100, 140, 0))
	for price, want := range map[float64]int{50: 0, 104: 0, 106: 1, 125: 2, 139: 4, 1000: 4} {
		got, ok := l.Nearest(price)
		require.True(t, ok)
		assert.Equal(t, want, got, "price %v", price)
	}
}

func TestVacateAndReleaseNearestFilled(t *testing.T) {
	l := NewLedger("BTCUSDT")
	require.NoError(t, l.Rebuild(absoluteCfg(5), 40000, 50000, 0))

	// 两个买入档位成交
	require.NoError(t, l.MarkPending(0, models.Buy, "b0"))
	require.NoError(t, l.MarkFilled(0, "b0", 0.01))
	require.NoError(t, l.MarkPending(1, models.Buy, "b1"))
	require.NoError(t, l.MarkFilled(1, "b1", 0.01))

	// 卖出平仓成交后，该档位直接恢复为空，并释放最近的买入档位
	require.NoError(t, l.MarkPending(3, models.Sell, "s3"))
	assert.Error(t, l.Vacate(3, "other"))
	require.NoError(t, l.Vacate(3, "s3"))
	lv, _ := l.Level(3)
	assert.Equal(t, models.LevelEmpty, lv.State)
	assert.Error(t, l.Vacate(3, ""), "empty level cannot be vacated")

	idx, ok := l.ReleaseNearestFilled(models.Buy, 47500)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	lv, _ = l.Level(0)
	assert.Equal(t, models.LevelFilled, lv.State)

	_, ok = l.ReleaseNearestFilled(models.Sell, 47500)
	assert.False(t, ok)
	idx, ok = l.ReleaseNearestFilled(models.Buy, 0)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	empty, _, _ := l.Counts()
	assert.Equal(t, 5, empty)
}
