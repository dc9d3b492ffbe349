package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newSim(balance float64) *Simulated {
	return NewSimulated(models.SimulationConfig{InitialBalance: balance}, zap.NewNop())
}

func limit(id string, side models.Side, price, qty float64) models.OrderRequest {
	return models.OrderRequest{ClientID: id, Symbol: "BTCUSDT", Side: side, Type: models.Limit, Price: price, Quantity: qty}
}

func TestSimulatedLimitFillsOnCross(t *testing.T) {
	sim := newSim(100000)
	ctx := context.Background()
	var events []models.OrderEvent
	sim.SetEventSink(func(ev models.OrderEvent) { events = append(events, ev) })

	sim.SetPrice("BTCUSDT", 44000, t0)
	ack, err := sim.PlaceOrder(ctx, limit("a", models.Buy, 43500, 0.1))
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, ack.State)

	sim.SetPrice("BTCUSDT", 43600, t0.Add(time.Second))
	got, _ := sim.GetOrder(ctx, "BTCUSDT", "a")
	assert.Equal(t, models.OrderOpen, got.State)

	sim.SetPrice("BTCUSDT", 43500, t0.Add(2*time.Second))
	got, _ = sim.GetOrder(ctx, "BTCUSDT", "a")
	assert.Equal(t, models.OrderFilled, got.State)
	assert.Equal(t, 0.1, got.FilledQty)

	require.Len(t, events, 2)
	assert.Equal(t, models.OrderOpen, events[0].State)
	assert.Equal(t, models.OrderFilled, events[1].State)
	assert.Equal(t, 43500.0, events[1].LastFillPrice)

	pos, _ := sim.GetPosition(ctx, "BTCUSDT")
	assert.InDelta(t, 0.1, pos.Size, 1e-12)
	assert.Equal(t, 43500.0, pos.EntryPrice)
}

func TestSimulatedCandlePathAndShortPnL(t *testing.T) {
	sim := NewSimulated(models.SimulationConfig{InitialBalance: 100000, MakerFeeRate: 0.0002}, zap.NewNop())
	ctx := context.Background()
	sim.SetPrice("BTCUSDT", 100, t0)

	_, err := sim.PlaceOrder(ctx, limit("s1", models.Sell, 105, 2))
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, limit("b1", models.Buy, 95, 2))
	require.NoError(t, err)

	// O->L->H->C: 低点先成交买单开多，高点成交卖单平多
	sim.SetCandle("BTCUSDT", models.Candle{Start: t0.Add(time.Minute), Open: 100, Low: 94, High: 106, Close: 101})

	pos, _ := sim.GetPosition(ctx, "BTCUSDT")
	assert.InDelta(t, 0, pos.Size, 1e-12)

	trades := sim.TradeLog()
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.Equal(t, 95.0, trades[0].EntryPrice)
	assert.Equal(t, 105.0, trades[0].ExitPrice)
	assert.InDelta(t, 20-105*2*0.0002, trades[0].Profit, 1e-9)
	assert.InDelta(t, (95+105)*2*0.0002, sim.TotalFees(), 1e-9)

	// 做空后价格上涨产生亏损
	_, err = sim.PlaceOrder(ctx, limit("s2", models.Sell, 102, 1))
	require.NoError(t, err)
	sim.SetPrice("BTCUSDT", 102, t0.Add(2*time.Minute))
	_, err = sim.PlaceOrder(ctx, limit("b2", models.Buy, 110, 1))
	require.NoError(t, err)
	sim.SetPrice("BTCUSDT", 110, t0.Add(3*time.Minute))

	trades = sim.TradeLog()
	require.Len(t, trades, 2)
	assert.Equal(t, models.Sell, trades[1].Side)
	assert.Less(t, trades[1].Profit, 0.0)
	assert.Len(t, sim.EquityCurve(), 4)
}

func TestSimulatedReversalAndReduceOnly(t *testing.T) {
	sim := newSim(100000)
	ctx := context.Background()
	sim.SetPrice("BTCUSDT", 100, t0)

	_, err := sim.PlaceOrder(ctx, models.OrderRequest{ClientID: "m1", Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1})
	require.NoError(t, err)

	_, err = sim.PlaceOrder(ctx, models.OrderRequest{ClientID: "ro", Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1, ReduceOnly: true})
	assert.Equal(t, apperrors.KindOrderRejected, apperrors.KindOf(err), "reduce-only in the same direction is rejected")

	sim.SetPrice("BTCUSDT", 110, t0.Add(time.Second))
	ack, err := sim.PlaceOrder(ctx, models.OrderRequest{ClientID: "m2", Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, ack.State)

	pos, _ := sim.GetPosition(ctx, "BTCUSDT")
	assert.InDelta(t, -2, pos.Size, 1e-12)
	assert.Equal(t, 110.0, pos.EntryPrice)

	acc, _ := sim.GetAccountInfo(ctx)
	assert.InDelta(t, 100010, acc.Balance, 1e-9)
}

func TestSimulatedIdempotencyAndFaults(t *testing.T) {
	sim := newSim(100000)
	ctx := context.Background()
	sim.SetPrice("BTCUSDT", 100, t0)

	_, err := sim.PlaceOrder(ctx, limit("dup", models.Buy, 90, 1))
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, limit("dup", models.Buy, 90, 1))
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateOrder))

	// 应答丢失：订单已在交易所，调用方看到超时
	sim.InjectFault("place_order", Fault{Err: context.DeadlineExceeded, ApplyFirst: true})
	_, err = sim.PlaceOrder(ctx, limit("lost", models.Buy, 90, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	probe, err := sim.GetOrder(ctx, "BTCUSDT", "lost")
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, probe.State)

	sim.InjectFault("place_order", Fault{Err: apperrors.New(apperrors.KindTransientNetwork, "place_order", "reset")})
	_, err = sim.PlaceOrder(ctx, limit("never", models.Buy, 90, 1))
	assert.True(t, apperrors.IsRetryable(err))
	_, err = sim.GetOrder(ctx, "BTCUSDT", "never")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))

	ack, err := sim.CancelOrder(ctx, "BTCUSDT", "dup")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, ack.State)
	_, err = sim.CancelOrder(ctx, "BTCUSDT", "dup")
	assert.True(t, errors.Is(err, apperrors.ErrOrderNotFound))

	open, _ := sim.GetOpenOrders(ctx, "BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, "lost", open[0].ID)
}

func TestSimulatedInsufficientBalance(t *testing.T) {
	sim := newSim(1000)
	ctx := context.Background()
	require.NoError(t, sim.SetLeverage(ctx, "BTCUSDT", 2))
	sim.SetPrice("BTCUSDT", 100, t0)

	_, err := sim.PlaceOrder(ctx, limit("ok", models.Buy, 100, 15))
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, limit("big", models.Buy, 100, 10))
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance), "open orders reserve margin")
}

func TestSimulatedStreams(t *testing.T) {
	sim := newSim(1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan models.Tick, 4)
	events := make(chan models.OrderEvent, 4)
	go sim.StreamPrice(ctx, "BTCUSDT", ticks)
	go sim.StreamOrderEvents(ctx, events)

	require.Eventually(t, func() bool {
		sim.mu.Lock()
		defer sim.mu.Unlock()
		return len(sim.priceSubs["BTCUSDT"]) == 1 && len(sim.eventSubs) == 1
	}, time.Second, 5*time.Millisecond)

	sim.SetPrice("BTCUSDT", 100, t0)
	select {
	case tk := <-ticks:
		assert.Equal(t, 100.0, tk.Price)
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}

	_, err := sim.PlaceOrder(ctx, limit("x", models.Buy, 99, 1))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, "x", ev.ClientID)
		assert.Equal(t, models.OrderOpen, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no order event")
	}
}
