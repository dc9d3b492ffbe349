package bot

import (
	"context"
	"math"
	"testing"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/config"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/execution"
	"grid-trading-engine/internal/feed"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sym = "BTCUSDT"

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// 40000-50000 二十档，步长约 526.3158：
// 档位 7 = 43684.2，档位 8 = 44210.5，档位 9 = 44736.8
func testConfig(t *testing.T, mutate ...func(*models.Config)) *models.Config {
	t.Helper()
	cfg := &models.Config{
		Symbols: []models.SymbolConfig{{
			Symbol:          sym,
			Grid:            models.GridConfig{Low: 40000, High: 50000, LevelCount: 20, Spacing: models.SpacingAbsolute},
			OrderSize:       0.01,
			MaxPositionSize: 1,
			Leverage:        10,
			TickSize:        0.1,
			StepSize:        0.001,
			MinNotional:     5,
			Indicators:      models.IndicatorConfig{Policy: "none"},
		}},
		Risk: models.RiskConfig{MaxDailyLoss: 1000},
		Executor: models.ExecutorConfig{
			RequestsPerSecond:      1000,
			Burst:                  100,
			AckTimeoutMs:           200,
			RetryAttempts:          2,
			RetryInitialDelayMs:    1,
			RetryMaxDelayMs:        2,
			ReversalAttempts:       2,
			CancelConfirmTimeoutMs: 200,
		},
		Feed:        models.FeedConfig{StaleTimeoutMs: 5000, PollIntervalMs: 50, TickBuffer: 64, ReconnectBaseMs: 5, ReconnectMaxMs: 20},
		Persistence: models.PersistenceConfig{Backend: "none"},
		Simulation:  models.SimulationConfig{InitialBalance: 10000},
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func newBacktest(t *testing.T, mutate ...func(*models.Config)) *Backtester {
	t.Helper()
	b := NewBacktester(testConfig(t, mutate...), zap.NewNop())
	t.Cleanup(b.Close)
	b.now = t0
	require.NoError(t, b.Prepare(context.Background()))
	require.Equal(t, models.StatusRunning, b.Manager().Status())
	return b
}

// prices 依次推进价格，每步间隔一秒
func prices(t *testing.T, b *Backtester, ps ...float64) {
	t.Helper()
	for _, p := range ps {
		b.now = b.now.Add(time.Second)
		require.NoError(t, b.StepPrice(context.Background(), sym, p, b.now))
	}
}

func level(t *testing.T, b *Backtester, idx int) models.GridLevel {
	t.Helper()
	lv, ok := b.mgr.bySym[sym].grid.Level(idx)
	require.True(t, ok)
	return lv
}

func symbolSnap(b *Backtester) models.SymbolSnapshot {
	return b.Manager().Snapshot().Symbols[sym]
}

func hasEvent(b *Backtester, code string) bool {
	for _, ev := range b.Manager().Events() {
		if ev.Code == code {
			return true
		}
	}
	return false
}

func TestUpwardCrossingPlacesOneSell(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000, 44600)

	live := b.exec.LiveOrders(sym)
	require.Len(t, live, 1)
	o := live[0]
	assert.Equal(t, models.Sell, o.Side)
	assert.Equal(t, models.Limit, o.Type)
	assert.InDelta(t, 44210.5, o.Price, 1e-9)
	assert.InDelta(t, 0.01, o.Quantity, 1e-12)
	assert.Equal(t, 8, o.LevelIndex)

	lv := level(t, b, 8)
	assert.Equal(t, models.LevelPending, lv.State)
	assert.Equal(t, o.ID, lv.OrderID)
	assert.Equal(t, models.Sell, lv.Side)

	// 回落到档位之下但未触及卖单价：不成交，也不重复下单
	prices(t, b, 44100, 44100)
	assert.Len(t, b.exec.LiveOrders(sym), 1)
	snap := symbolSnap(b)
	assert.Len(t, snap.OpenOrders, 1)
	assert.Equal(t, 44100.0, snap.LastTick.Price)
	assert.Equal(t, o.ID, level(t, b, 8).OrderID)
}

func TestGridRoundTripRealizesProfit(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000, 44600, 44800)

	pos := b.mgr.bySym[sym].tracker.Snapshot()
	assert.InDelta(t, -0.01, pos.Size, 1e-12)
	assert.InDelta(t, 44210.5, pos.EntryPrice, 1e-9)
	assert.Equal(t, models.LevelFilled, level(t, b, 8).State)
	assert.Equal(t, models.LevelPending, level(t, b, 9).State)

	prices(t, b, 43600)
	assert.Equal(t, models.LevelPending, level(t, b, 7).State)
	assert.Equal(t, models.Buy, level(t, b, 7).Side)

	prices(t, b, 43500)
	pos = b.mgr.bySym[sym].tracker.Snapshot()
	assert.True(t, pos.IsFlat())
	assert.InDelta(t, 0.01*(44210.5-43684.2), pos.RealizedPnL, 1e-6)
	assert.Equal(t, models.LevelEmpty, level(t, b, 8).State)
	assert.Equal(t, models.LevelEmpty, level(t, b, 7).State)
	assert.Equal(t, models.LevelPending, level(t, b, 9).State)

	snap := b.Manager().Snapshot()
	assert.InDelta(t, 5.263, snap.Risk.DailyPnL, 1e-3)
	assert.Equal(t, 2, snap.Risk.DailyTradeCount)
}

func TestFastReversalClosesAndReopens(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Symbols[0].FastReversal = true })
	prices(t, b, 44000, 44600, 44800, 43600)

	r := b.mgr.bySym[sym]
	pos := r.tracker.Snapshot()
	assert.True(t, pos.IsFlat(), "close leg fills at market")
	assert.InDelta(t, 0.01*(44210.5-43600), pos.RealizedPnL, 1e-6)
	assert.Equal(t, models.LevelEmpty, level(t, b, 8).State)

	lv := level(t, b, 7)
	require.Equal(t, models.LevelPending, lv.State)
	o, ok := b.exec.Order(lv.OrderID)
	require.True(t, ok)
	assert.Equal(t, models.PurposeReversalOpen, o.Purpose)
	assert.Empty(t, r.reversing)

	prices(t, b, 43500)
	pos = r.tracker.Snapshot()
	assert.InDelta(t, 0.01, pos.Size, 1e-12)
	assert.Equal(t, models.LevelFilled, level(t, b, 7).State)
}

// queueLeg 让档位 7 处于反手开仓腿未完成、等待补发的状态
func queueLeg(t *testing.T, b *Backtester) execution.Intent {
	t.Helper()
	r := b.mgr.bySym[sym]
	leg := execution.Intent{
		Symbol:     sym,
		Side:       models.Buy,
		Type:       models.Limit,
		Price:      43684.2,
		Quantity:   0.01,
		LevelIndex: 7,
		Generation: r.grid.Generation(),
		Purpose:    models.PurposeReversalOpen,
	}
	leg.ClientID = b.exec.NextClientID(sym, leg.Generation, leg.LevelIndex, leg.Purpose)
	transient := apperrors.New(apperrors.KindTransientNetwork, "place_order", "connection reset")
	r.step(func() {
		require.NoError(t, r.grid.MarkPending(7, models.Buy, leg.ClientID))
		r.box.Push(execution.Completion{Kind: execution.CompletionReversalIncomplete, Err: transient, Leg: &leg})
		r.drain(context.Background())
	})
	require.Contains(t, r.legs, leg.ClientID)
	return leg
}

func TestReversalLegResubmittedUntilPlaced(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Symbols[0].FastReversal = true })
	prices(t, b, 44000)
	r := b.mgr.bySym[sym]
	leg := queueLeg(t, b)

	// 接下来两次补发的全部重试都失败
	transient := apperrors.New(apperrors.KindTransientNetwork, "place_order", "connection reset")
	b.sim.InjectFault("place_order", exchange.Fault{Err: transient, Times: 2 * (b.cfg.Executor.RetryAttempts + 1)})
	prices(t, b, 44010, 44020)

	lv := level(t, b, 7)
	assert.Equal(t, models.LevelPending, lv.State, "level stays reserved while the leg is retried")
	assert.Equal(t, leg.ClientID, lv.OrderID)
	require.Contains(t, r.legs, leg.ClientID)
	assert.False(t, r.legs[leg.ClientID].submitted)
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.False(t, hasEvent(b, "ReversalAbandoned"))
	assert.True(t, symbolSnap(b).PendingLeg)

	prices(t, b, 44030)
	live := b.exec.LiveOrders(sym)
	require.Len(t, live, 1)
	assert.Equal(t, leg.ClientID, live[0].ID)
	assert.Equal(t, models.PurposeReversalOpen, live[0].Purpose)
	assert.Empty(t, r.legs)
	assert.Empty(t, r.reversing)

	prices(t, b, 43600)
	assert.Equal(t, models.LevelFilled, level(t, b, 7).State)
	assert.InDelta(t, 0.01, r.tracker.Snapshot().Size, 1e-12)
}

func TestEmergencyAbandonsQueuedReversalLeg(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Symbols[0].FastReversal = true })
	prices(t, b, 44000)
	r := b.mgr.bySym[sym]
	leg := queueLeg(t, b)

	res := b.Manager().EmergencyStop(context.Background(), "manual")
	require.True(t, res.OK, res.Error)
	assert.Empty(t, r.legs)
	assert.Equal(t, models.LevelEmpty, level(t, b, 7).State)
	assert.True(t, b.exec.Halted(sym))

	// 紧急停止前已在途的开仓腿返回时同样被放弃
	_, err := b.exec.Submit(context.Background(), leg)
	assert.ErrorIs(t, err, execution.ErrHalted)
	r.step(func() {
		r.box.Push(execution.Completion{Kind: execution.CompletionReversalIncomplete, Err: execution.ErrHalted, Leg: &leg})
		r.drain(context.Background())
	})
	assert.Empty(t, r.legs)
	prices(t, b, 44010, 44020)
	assert.Empty(t, b.exec.LiveOrders(sym))

	require.True(t, b.Manager().ClearEmergency(context.Background()).OK)
	assert.False(t, b.exec.Halted(sym))
}

// tradeLog 记录结算出的交易
type tradeLog struct{ trades []models.CompletedTrade }

func (l *tradeLog) RecordTrade(t models.CompletedTrade) error {
	l.trades = append(l.trades, t)
	return nil
}

func TestPartialClosingFillsSettleOneTrade(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.CoverLoss.Enabled = true })
	log := &tradeLog{}
	b.mgr.trades = log
	r := b.mgr.bySym[sym]
	r.tracker.Reset(models.Position{Size: -0.01, EntryPrice: 44000, Leverage: 10})

	o := models.Order{ID: "ge-exit", Symbol: sym, Side: models.Buy, Type: models.Market, Price: 45000,
		Quantity: 0.01, ReduceOnly: true, LevelIndex: -1, Purpose: models.PurposeExit, UpdatedAt: t0}
	part := o
	part.State, part.FilledQty, part.AvgFillPrice = models.OrderPartiallyFilled, 0.005, 45000
	done := o
	done.State, done.FilledQty, done.AvgFillPrice = models.OrderFilled, 0.01, 45000

	r.step(func() {
		r.box.Push(execution.Completion{Kind: execution.CompletionFill, Order: part, FillQty: 0.005, FillPrice: 45000})
		r.drain(context.Background())
	})
	assert.Empty(t, log.trades, "partial close is not a finished trade")
	assert.InDelta(t, -5, b.mgr.risk.State().DailyPnL, 1e-9)
	assert.Equal(t, 0, b.mgr.risk.State().ConsecutiveLosses)

	r.step(func() {
		r.box.Push(execution.Completion{Kind: execution.CompletionFill, Order: done, FillQty: 0.005, FillPrice: 45000})
		r.drain(context.Background())
	})
	require.Len(t, log.trades, 1)
	tr := log.trades[0]
	assert.InDelta(t, 0.01, tr.Quantity, 1e-12)
	assert.InDelta(t, -10, tr.Profit, 1e-9)
	assert.Equal(t, 44000.0, tr.EntryPrice)
	assert.InDelta(t, 45000, tr.ExitPrice, 1e-9)
	assert.Equal(t, models.Sell, tr.Side)

	rs := b.mgr.risk.State()
	assert.InDelta(t, -10, rs.DailyPnL, 1e-9)
	assert.Equal(t, 1, rs.ConsecutiveLosses)
	assert.Equal(t, 1, b.mgr.cover.State().StreakCount)
	assert.InDelta(t, 1.5, b.mgr.cover.Multiplier(), 1e-12)
	assert.True(t, r.tracker.Snapshot().IsFlat())
	assert.Empty(t, r.closing)
}

func TestTerminalOrdersArePruned(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000, 44600, 44800)
	sell := level(t, b, 8).OrderID
	_, ok := b.exec.Order(sell)
	assert.True(t, ok, "filled level still references its order")

	prices(t, b, 43600)
	buy := level(t, b, 7).OrderID
	prices(t, b, 43500)
	require.True(t, b.mgr.bySym[sym].tracker.Snapshot().IsFlat())

	_, ok = b.exec.Order(sell)
	assert.False(t, ok)
	_, ok = b.exec.Order(buy)
	assert.False(t, ok)
	_, ok = b.exec.Order(level(t, b, 9).OrderID)
	assert.True(t, ok, "resting order is kept")
}

func TestEmergencyStopCancelsAndIsIdempotent(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000, 44600)
	require.Len(t, b.exec.LiveOrders(sym), 1)

	res := b.Manager().EmergencyStop(context.Background(), "manual")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, models.StatusEmergency, res.Snapshot.Status)
	assert.True(t, res.Snapshot.Risk.EmergencyStopped)
	assert.False(t, res.Snapshot.Health.Healthy)
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.Empty(t, res.Snapshot.Symbols[sym].OpenOrders)
	assert.Equal(t, models.LevelEmpty, level(t, b, 8).State)

	res = b.Manager().EmergencyStop(context.Background(), "again")
	assert.True(t, res.OK)
	assert.Equal(t, models.StatusEmergency, res.Snapshot.Status)

	// 紧急停止后不再下单，启动被拒绝
	prices(t, b, 45300, 44000)
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.False(t, b.Manager().Start(context.Background()).OK)
	assert.False(t, b.Manager().Resume(context.Background()).OK)
}

func TestEmergencyStopClosesPosition(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Risk.ClosePositionsOnEmergency = true })
	prices(t, b, 44000, 44600, 44800)
	require.InDelta(t, -0.01, b.mgr.bySym[sym].tracker.Snapshot().Size, 1e-12)

	res := b.Manager().EmergencyStop(context.Background(), "manual")
	require.True(t, res.OK, res.Error)
	assert.True(t, res.Snapshot.Symbols[sym].Position.IsFlat())
	assert.Empty(t, b.exec.LiveOrders(sym))
}

func TestClearEmergencyLeavesPaused(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000)
	b.Manager().EmergencyStop(context.Background(), "manual")

	res := b.Manager().ClearEmergency(context.Background())
	require.True(t, res.OK, res.Error)
	assert.Equal(t, models.StatusPaused, res.Snapshot.Status)
	assert.False(t, res.Snapshot.Risk.EmergencyStopped)
	assert.False(t, b.mgr.bySym[sym].halted)

	prices(t, b, 44600)
	assert.Empty(t, b.exec.LiveOrders(sym), "paused after clear")

	require.True(t, b.Manager().Resume(context.Background()).OK)
	prices(t, b, 44000, 44600)
	assert.Len(t, b.exec.LiveOrders(sym), 1)
}

func TestPauseStopsNewOrders(t *testing.T) {
	b := newBacktest(t)
	require.True(t, b.Manager().Pause(context.Background()).OK)
	require.True(t, b.Manager().Pause(context.Background()).OK)

	prices(t, b, 44000, 44600, 45400)
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.Equal(t, models.StatusPaused, b.Manager().Status())

	require.True(t, b.Manager().Resume(context.Background()).OK)
	prices(t, b, 45000)
	live := b.exec.LiveOrders(sym)
	require.Len(t, live, 1, "level 10 crossed downward")
	assert.Equal(t, models.Buy, live[0].Side)
}

func TestRiskDenialRecordsEvent(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Symbols[0].MaxPositionSize = 0.01 })
	prices(t, b, 44000, 44600, 44800)

	// 空单已成交，档位 9 的加仓被拒绝
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.True(t, hasEvent(b, string(models.ReasonPositionSizeLimit)))
	assert.Equal(t, models.LevelEmpty, level(t, b, 9).State)
	assert.Equal(t, models.StatusRunning, b.Manager().Status())
}

func TestDailyLossLimitTriggersEmergency(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) {
		c.Risk.MaxDailyLoss = 5
		c.Symbols[0].StopLossPct = 0.01
	})
	prices(t, b, 44000, 44600, 44800)

	snap := b.Manager().Snapshot()
	assert.Equal(t, models.StatusEmergency, snap.Status)
	assert.True(t, snap.Risk.EmergencyStopped)
	assert.Less(t, snap.Risk.DailyPnL, -5.0)
	assert.True(t, snap.Symbols[sym].Position.IsFlat())
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.True(t, hasEvent(b, string(models.ExitStopLoss)))
	assert.True(t, hasEvent(b, string(models.ReasonDailyLossLimit)))
}

func TestUpdateConfig(t *testing.T) {
	b := newBacktest(t)
	ctx := context.Background()

	res := b.Manager().UpdateConfig(ctx, []byte(`{"symbols": [{"symbol": "DOGEUSDT", "order_size": 1}]}`))
	assert.False(t, res.OK)
	assert.True(t, hasEvent(b, "ConfigRejected"))

	res = b.Manager().UpdateConfig(ctx, []byte(`{"symbols": [{"symbol": "BTCUSDT", "order_size": 0.02}]}`))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 0.02, b.Manager().Config().Symbols[0].OrderSize)

	prices(t, b, 44000, 44600)
	live := b.exec.LiveOrders(sym)
	require.Len(t, live, 1)
	assert.InDelta(t, 0.02, live[0].Quantity, 1e-12)
}

func TestGridConfigChangeRebuilds(t *testing.T) {
	b := newBacktest(t)
	prices(t, b, 44000, 44600)
	gen := symbolSnap(b).GridGeneration

	res := b.Manager().UpdateConfig(context.Background(),
		[]byte(`{"symbols": [{"symbol": "BTCUSDT", "grid": {"low": 41000, "high": 51000}}]}`))
	require.True(t, res.OK, res.Error)
	assert.True(t, res.Snapshot.Symbols[sym].Rebuilding)

	// 第一个 tick 撤销挂单，第二个 tick 重建
	prices(t, b, 44600, 44600)
	snap := symbolSnap(b)
	assert.False(t, snap.Rebuilding)
	assert.Equal(t, gen+1, snap.GridGeneration)
	assert.Equal(t, 41000.0, snap.GridLow)
	assert.Equal(t, 51000.0, snap.GridHigh)
	assert.Empty(t, b.exec.LiveOrders(sym))
	assert.True(t, hasEvent(b, "GridRebuild"))
}

func TestRebuildWhenPriceLeavesRange(t *testing.T) {
	b := newBacktest(t, func(c *models.Config) { c.Symbols[0].Grid.RebuildOnExit = true })
	prices(t, b, 44000, 52000)

	snap := symbolSnap(b)
	assert.Equal(t, 2, snap.GridGeneration)
	assert.InDelta(t, 47000, snap.GridLow, 1e-9)
	assert.InDelta(t, 57000, snap.GridHigh, 1e-9)
}

func TestBacktestRunAndReport(t *testing.T) {
	b := NewBacktester(testConfig(t), zap.NewNop())
	t.Cleanup(b.Close)

	var candles []models.Candle
	for i := 0; i < 240; i++ {
		mid := 45000 + 1500*math.Sin(float64(i)/12)
		candles = append(candles, models.Candle{
			Start: t0.Add(time.Duration(i) * time.Minute),
			Open:  mid,
			High:  mid + 120,
			Low:   mid - 120,
			Close: mid + 30,
		})
	}
	require.NoError(t, b.Run(context.Background(), sym, candles))

	m := b.Report()
	assert.Greater(t, m.TotalTrades, 0)
	assert.Equal(t, t0, m.StartTime)
	assert.Equal(t, candles[len(candles)-1].Start, m.EndTime)
	assert.False(t, m.Liquidated)
	assert.Equal(t, 10000.0, m.InitialBalance)

	assert.Error(t, b.Run(context.Background(), sym, nil))
	assert.Error(t, b.StepPrice(context.Background(), "ETHUSDT", 1, t0))
}

func TestSnapshotHealth(t *testing.T) {
	b := newBacktest(t)
	snap := b.Manager().Snapshot()
	assert.True(t, snap.Health.Healthy)
	assert.NotEmpty(t, snap.SessionID)

	r := b.mgr.bySym[sym]
	r.step(func() { r.onFeedEvent(models.FeedEvent{Kind: models.FeedDegraded, Reason: "stale"}) })
	snap = b.Manager().Snapshot()
	assert.False(t, snap.Health.Healthy)
	assert.Equal(t, []string{sym}, snap.Health.DegradedFeeds)

	for i := 0; i < maxEvents+10; i++ {
		b.mgr.recordEvent(sym, "Noise", levelInfo, "")
	}
	assert.Len(t, b.Manager().Events(), maxEvents)
}

// TestRunLiveLoop 交易循环在独立 goroutine 中运行，命令通过通道送达
func TestRunLiveLoop(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSimulated(cfg.Simulation, zap.NewNop())
	exec := execution.New(sim, cfg.Executor, cfg.Symbols, zap.NewNop())
	t.Cleanup(exec.Close)
	f := feed.New(sim, sim, cfg.Feed, zap.NewNop(), nil)
	mgr := NewManager(cfg, sim, exec, zap.NewNop(), WithFeed(f))

	sim.SetPrice(sym, 44000, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		return mgr.bySym[sym].active.Load() && mgr.Status() == models.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		sim.SetPrice(sym, 44000, time.Now())
		return mgr.Snapshot().Symbols[sym].LastTick.Price == 44000
	}, 2*time.Second, 10*time.Millisecond)

	// 限价单在下一次价格变动时才会成交，这里只推送一次
	sim.SetPrice(sym, 44600, time.Now())
	require.Eventually(t, func() bool {
		return len(exec.LiveOrders(sym)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res := mgr.EmergencyStop(ctx, "manual")
	require.True(t, res.OK, res.Error)
	assert.Empty(t, exec.LiveOrders(sym))
	assert.Equal(t, models.StatusEmergency, mgr.Status())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, models.StatusStopped, mgr.Status())
}

func TestRestartRestoresSession(t *testing.T) {
	sm1 := statemanager.NewStateManager(models.NewSessionState("", t0), nil, zap.NewNop())
	b1 := NewBacktester(testConfig(t), zap.NewNop(), WithStateManager(sm1))
	t.Cleanup(b1.Close)
	b1.now = t0
	require.NoError(t, b1.Prepare(context.Background()))
	prices(t, b1, 44000, 44600, 44800)
	sessionID := b1.Manager().SessionID()
	sm1.Stop()

	st := sm1.GetStateSnapshot()
	require.NotNil(t, st)
	require.Contains(t, st.Symbols, sym)
	assert.InDelta(t, -0.01, st.Symbols[sym].Position.Size, 1e-12)
	assert.Equal(t, 1, st.Risk.DailyTradeCount)

	// 新的模拟交易所没有仓位也没有挂单：以交易所为准，挂单档位被释放
	sm2 := statemanager.NewStateManager(st, nil, zap.NewNop())
	b2 := NewBacktester(testConfig(t), zap.NewNop(), WithStateManager(sm2))
	t.Cleanup(b2.Close)
	b2.now = t0
	require.NoError(t, b2.Prepare(context.Background()))

	assert.Equal(t, sessionID, b2.Manager().SessionID())
	assert.Equal(t, models.LevelEmpty, level(t, b2, 8).State)
	assert.Equal(t, models.LevelEmpty, level(t, b2, 9).State)
	assert.Equal(t, 1, symbolSnap(b2).GridGeneration)
	assert.True(t, b2.mgr.bySym[sym].tracker.Snapshot().IsFlat())
	assert.True(t, hasEvent(b2, apperrors.KindReconciliationMismatch.String()))
	assert.Equal(t, 1, b2.Manager().Snapshot().Risk.DailyTradeCount)
}

func TestRestoredEmergencyHaltsTrading(t *testing.T) {
	st := models.NewSessionState("restored", t0)
	st.Risk.EmergencyStopped = true
	st.Risk.EmergencyReason = "DailyLossLimit"
	sm := statemanager.NewStateManager(st, nil, zap.NewNop())
	b := NewBacktester(testConfig(t), zap.NewNop(), WithStateManager(sm))
	t.Cleanup(b.Close)
	b.now = t0
	require.NoError(t, b.Prepare(context.Background()))

	assert.Equal(t, models.StatusEmergency, b.Manager().Status())
	assert.Equal(t, "restored", b.Manager().SessionID())
	prices(t, b, 44000, 44600)
	assert.Empty(t, b.exec.LiveOrders(sym))
}
