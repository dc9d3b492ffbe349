// Package feed turns an exchange price stream into a per-symbol tick
// sequence that survives stream outages. When the stream drops, or no stream
// tick arrives within the stale timeout, the feed reports itself degraded and
// polls the REST price until the stream recovers.
package feed

import (
	"context"
	"errors"
	"time"

	"grid-trading-engine/internal/metrics"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/retry"

	"go.uber.org/zap"
)

// StreamSource opens one push connection and blocks until it drops.
type StreamSource interface {
	StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error
}

// PollSource is the fallback used while the stream is stale.
type PollSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Subscription delivers ticks and health events for one symbol. Both
// channels are closed once the subscription context ends.
type Subscription struct {
	Symbol string
	Ticks  <-chan models.Tick
	Events <-chan models.FeedEvent
}

// Feed creates subscriptions against a stream and a poll source.
type Feed struct {
	stream  StreamSource
	poll    PollSource
	cfg     models.FeedConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(stream StreamSource, poll PollSource, cfg models.FeedConfig, logger *zap.Logger, m *metrics.Metrics) *Feed {
	if cfg.StaleTimeoutMs <= 0 {
		cfg.StaleTimeoutMs = 5000
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 1000
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 64
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 8
	}
	if cfg.ReconnectBaseMs <= 0 {
		cfg.ReconnectBaseMs = 500
	}
	if cfg.ReconnectMaxMs <= 0 {
		cfg.ReconnectMaxMs = 30000
	}
	return &Feed{
		stream:  stream,
		poll:    poll,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "feed")),
		metrics: m,
		now:     time.Now,
	}
}

// Subscribe starts the stream for symbol. Ticks are strictly increasing in
// timestamp; when the consumer falls behind the oldest queued tick is dropped.
func (f *Feed) Subscribe(ctx context.Context, symbol string) *Subscription {
	ticks := make(chan models.Tick, f.cfg.TickBuffer)
	events := make(chan models.FeedEvent, f.cfg.EventBuffer)
	raw := make(chan models.Tick, f.cfg.TickBuffer)
	down := make(chan error, 1)

	go f.streamLoop(ctx, symbol, raw, down)
	go f.supervise(ctx, symbol, raw, down, ticks, events)

	return &Subscription{Symbol: symbol, Ticks: ticks, Events: events}
}

// streamLoop keeps a stream connection open, reconnecting with backoff.
// Every disconnect is reported on down so the supervisor can fall back
// without waiting for the stale timeout.
func (f *Feed) streamLoop(ctx context.Context, symbol string, raw chan<- models.Tick, down chan<- error) {
	b := retry.NewBackoff(
		time.Duration(f.cfg.ReconnectBaseMs)*time.Millisecond,
		time.Duration(f.cfg.ReconnectMaxMs)*time.Millisecond,
	)
	for {
		started := f.now()
		err := f.stream.StreamPrice(ctx, symbol, raw)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamClosed
		}
		select {
		case down <- err:
		default:
		}
		if f.now().Sub(started) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		f.logger.Warn("price stream disconnected, reconnecting",
			zap.String("symbol", symbol), zap.Error(err), zap.Duration("backoff", wait))
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

var errStreamClosed = errors.New("stream closed")

type tickQueue struct {
	out  chan models.Tick
	last time.Time
}

// push drops t if it is not newer than the last delivered tick, and drops
// the oldest queued tick when the queue is full.
func (q *tickQueue) push(t models.Tick) bool {
	if !q.last.IsZero() && !t.Timestamp.After(q.last) {
		return false
	}
	q.last = t.Timestamp
	for {
		select {
		case q.out <- t:
			return true
		default:
		}
		select {
		case <-q.out:
		default:
		}
	}
}

func (f *Feed) supervise(ctx context.Context, symbol string, raw <-chan models.Tick, down <-chan error, ticks chan models.Tick, events chan<- models.FeedEvent) {
	defer close(ticks)
	defer close(events)

	stale := f.cfg.StaleTimeout()
	staleTimer := time.NewTimer(stale)
	defer staleTimer.Stop()

	var (
		pollTicker *time.Ticker
		pollC      <-chan time.Time
		degraded   bool
		q          = &tickQueue{out: ticks}
	)
	stopPolling := func() {
		if pollTicker != nil {
			pollTicker.Stop()
			pollTicker, pollC = nil, nil
		}
	}
	defer stopPolling()

	emit := func(kind models.FeedEventKind, reason string) bool {
		ev := models.FeedEvent{Symbol: symbol, Kind: kind, Reason: reason, At: f.now()}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	pollOnce := func() {
		price, err := f.poll.GetPrice(ctx, symbol)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("price poll failed", zap.String("symbol", symbol), zap.Error(err))
			}
			return
		}
		if q.push(models.Tick{Symbol: symbol, Price: price, Timestamp: f.now(), Source: models.SourcePoll}) {
			f.metrics.Tick(symbol, string(models.SourcePoll))
		}
	}

	degrade := func(reason string) bool {
		degraded = true
		f.metrics.FeedDegraded(symbol, true)
		f.logger.Warn("price stream unavailable, falling back to polling",
			zap.String("symbol", symbol), zap.String("reason", reason))
		if !emit(models.FeedDegraded, reason) {
			return false
		}
		pollOnce()
		pollTicker = time.NewTicker(f.cfg.PollInterval())
		pollC = pollTicker.C
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-raw:
			staleTimer.Reset(stale)
			if degraded {
				degraded = false
				stopPolling()
				f.metrics.FeedDegraded(symbol, false)
				f.logger.Info("price stream restored", zap.String("symbol", symbol))
				if !emit(models.FeedRestored, "stream tick received") {
					return
				}
			}
			t.Symbol = symbol
			if t.Source == "" {
				t.Source = models.SourceStream
			}
			if q.push(t) {
				f.metrics.Tick(symbol, string(t.Source))
			}

		case <-staleTimer.C:
			if degraded {
				continue
			}
			if !degrade("no stream tick within " + stale.String()) {
				return
			}

		case err := <-down:
			if degraded {
				continue
			}
			if !degrade("stream disconnected: " + err.Error()) {
				return
			}

		case <-pollC:
			pollOnce()
		}
	}
}
