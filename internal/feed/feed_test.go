package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// manualStream forwards ticks pushed by the test into the open connection.
type manualStream struct {
	in    chan models.Tick
	mu    sync.Mutex
	opens int
}

func (s *manualStream) StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-s.in:
			if !ok {
				return errors.New("connection closed")
			}
			out <- t
		}
	}
}

type fixedPoll struct{ price float64 }

func (p fixedPoll) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return p.price, nil
}

var cfg = models.FeedConfig{StaleTimeoutMs: 60, PollIntervalMs: 10, TickBuffer: 16, ReconnectBaseMs: 5, ReconnectMaxMs: 20}

func next(t *testing.T, ch <-chan models.Tick) models.Tick {
	t.Helper()
	select {
	case tk := <-ch:
		return tk
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
	return models.Tick{}
}

func nextEvent(t *testing.T, ch <-chan models.FeedEvent) models.FeedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no feed event")
	}
	return models.FeedEvent{}
}

func TestFeedDegradesAndRestores(t *testing.T) {
	stream := &manualStream{in: make(chan models.Tick)}
	f := New(stream, fixedPoll{price: 44100}, cfg, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.Subscribe(ctx, "BTCUSDT")

	base := time.Now()
	stream.in <- models.Tick{Price: 44000, Timestamp: base}
	tk := next(t, sub.Ticks)
	assert.Equal(t, 44000.0, tk.Price)
	assert.Equal(t, models.SourceStream, tk.Source)
	assert.Equal(t, "BTCUSDT", tk.Symbol)

	// 停止推送，超时后降级为轮询
	ev := nextEvent(t, sub.Events)
	assert.Equal(t, models.FeedDegraded, ev.Kind)
	tk = next(t, sub.Ticks)
	assert.Equal(t, models.SourcePoll, tk.Source)
	assert.Equal(t, 44100.0, tk.Price)
	tk = next(t, sub.Ticks)
	assert.Equal(t, models.SourcePoll, tk.Source, "polling continues while degraded")

	stream.in <- models.Tick{Price: 44200, Timestamp: time.Now().Add(time.Second)}
	ev = nextEvent(t, sub.Events)
	assert.Equal(t, models.FeedRestored, ev.Kind)

	require.Eventually(t, func() bool {
		select {
		case tk := <-sub.Ticks:
			return tk.Source == models.SourceStream && tk.Price == 44200
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

// failingStream refuses every connection.
type failingStream struct{}

func (failingStream) StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error {
	return errors.New("handshake failed")
}

func TestFeedDegradesAsSoonAsStreamFails(t *testing.T) {
	slow := models.FeedConfig{StaleTimeoutMs: 10000, PollIntervalMs: 10, TickBuffer: 16, ReconnectBaseMs: 5, ReconnectMaxMs: 20}
	f := New(failingStream{}, fixedPoll{price: 44100}, slow, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.Subscribe(ctx, "BTCUSDT")

	// 远早于 stale 超时
	select {
	case ev := <-sub.Events:
		assert.Equal(t, models.FeedDegraded, ev.Kind)
		assert.Contains(t, ev.Reason, "handshake failed")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("feed did not degrade on stream failure")
	}
	tk := next(t, sub.Ticks)
	assert.Equal(t, models.SourcePoll, tk.Source)
	assert.Equal(t, 44100.0, tk.Price)
	tk = next(t, sub.Ticks)
	assert.Equal(t, models.SourcePoll, tk.Source)

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedDropsOutOfOrderTicks(t *testing.T) {
	stream := &manualStream{in: make(chan models.Tick)}
	f := New(stream, fixedPoll{price: 1}, models.FeedConfig{StaleTimeoutMs: 10000, TickBuffer: 16}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.Subscribe(ctx, "ETHUSDT")

	base := time.Now()
	stream.in <- models.Tick{Price: 1, Timestamp: base}
	stream.in <- models.Tick{Price: 2, Timestamp: base}
	stream.in <- models.Tick{Price: 3, Timestamp: base.Add(-time.Second)}
	stream.in <- models.Tick{Price: 4, Timestamp: base.Add(time.Second)}

	assert.Equal(t, 1.0, next(t, sub.Ticks).Price)
	assert.Equal(t, 4.0, next(t, sub.Ticks).Price)
}

func TestTickQueueDropsOldest(t *testing.T) {
	q := &tickQueue{out: make(chan models.Tick, 2)}
	base := time.Now()
	for i := 1; i <= 4; i++ {
		assert.True(t, q.push(models.Tick{Price: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	assert.Equal(t, 3.0, (<-q.out).Price)
	assert.Equal(t, 4.0, (<-q.out).Price)
}

func TestFeedReconnectsAndClosesOnCancel(t *testing.T) {
	stream := &manualStream{in: make(chan models.Tick)}
	f := New(stream, fixedPoll{price: 1}, cfg, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := f.Subscribe(ctx, "BTCUSDT")

	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.opens == 1
	}, time.Second, time.Millisecond)

	// 断开后按退避重连
	close(stream.in)
	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.opens >= 2
	}, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-sub.Ticks:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
}
