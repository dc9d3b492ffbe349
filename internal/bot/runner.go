package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/execution"
	"grid-trading-engine/internal/feed"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/indicator"
	"grid-trading-engine/internal/mailbox"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/position"
	"grid-trading-engine/internal/retry"
	"grid-trading-engine/internal/risk"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

type commandKind int

const (
	cmdEmergency commandKind = iota + 1
	cmdResume
	cmdConfig
)

type command struct {
	kind  commandKind
	cfg   models.SymbolConfig
	reply chan error
}

// pendingLeg 反手开仓腿重试耗尽后，由交易循环按退避继续补发，直到确认或被放弃
type pendingLeg struct {
	intent    execution.Intent
	b         *backoff.Backoff
	next      time.Time
	submitted bool // 已补发，等待执行结果
}

// closingTrade 一笔平仓订单的累计成交，订单终结或仓位归零时结算为一笔交易
type closingTrade struct {
	side     models.Side
	entry    float64
	qty      float64
	notional float64
	pnl      float64
}

type rebuildTarget struct {
	low, high float64
	reason    string
}

// runner 单个交易对的交易循环。网格、持仓、指标与退出监控只在这里被修改，
// tick、执行结果与管理命令在同一个 goroutine 中串行处理。
type runner struct {
	m       *Manager
	symbol  string
	cfg     models.SymbolConfig
	grid    *grid.Ledger
	tracker *position.Tracker
	ind     *indicator.Engine
	exit    *risk.ExitMonitor
	exec    *execution.Executor
	box     *mailbox.Mailbox[execution.Completion]
	logger  *zap.Logger

	lastPrice  float64
	lastTick   models.Tick
	degraded   bool
	halted     bool // 紧急停止后不再下单，直到手动解除
	rebuild    *rebuildTarget
	atrAtBuild float64
	legs       map[string]*pendingLeg
	closing    map[string]*closingTrade
	reversing  string // 进行中的反手开仓腿
	exitOrder  string
	dirty      bool

	cmds    chan command
	active  atomic.Bool
	stopped chan struct{}
	loopMu  sync.Mutex

	snapMu sync.RWMutex
	snap   models.SymbolSnapshot
}

func newRunner(m *Manager, cfg models.SymbolConfig) *runner {
	r := &runner{
		m:       m,
		symbol:  cfg.Symbol,
		cfg:     cfg,
		grid:    grid.NewLedger(cfg.Symbol),
		tracker: position.NewTracker(cfg.Symbol),
		ind:     indicator.NewEngine(cfg.Indicators),
		exit:    risk.NewExitMonitor(cfg),
		exec:    m.exec,
		box:     m.exec.Mailbox(cfg.Symbol),
		logger:  m.logger.With(zap.String("symbol", cfg.Symbol)),
		legs:    make(map[string]*pendingLeg),
		closing: make(map[string]*closingTrade),
		cmds:    make(chan command, 4),
		stopped: make(chan struct{}),
	}
	r.tracker.SetLeverage(float64(cfg.Leverage))
	r.publish()
	return r
}

// run 消费行情与执行结果直到 ctx 结束
func (r *runner) run(ctx context.Context, sub *feed.Subscription) error {
	r.active.Store(true)
	defer func() {
		r.active.Store(false)
		close(r.stopped)
	}()

	ticks, events := sub.Ticks, sub.Events
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			r.step(func() { r.onTick(ctx, t) })
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.step(func() { r.onFeedEvent(ev) })
		case <-r.box.Notify():
			r.step(func() { r.drain(ctx) })
		case c := <-r.cmds:
			var err error
			r.step(func() { err = r.handle(ctx, c) })
			c.reply <- err
		}
	}
}

// step 串行执行一次状态变更，之后刷新快照并保存检查点
func (r *runner) step(fn func()) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	fn()
	r.publish()
	r.checkpoint()
}

// send 将命令交给交易循环并等待其完成；循环未运行时在调用方 goroutine 中执行
func (r *runner) send(ctx context.Context, c command) error {
	if !r.active.Load() {
		var err error
		r.step(func() { err = r.handle(ctx, c) })
		return err
	}
	c.reply = make(chan error, 1)
	select {
	case r.cmds <- c:
	case <-r.stopped:
		return fmt.Errorf("%s 交易循环已退出", r.symbol)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.stopped:
		return fmt.Errorf("%s 交易循环已退出", r.symbol)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *runner) handle(ctx context.Context, c command) error {
	switch c.kind {
	case cmdEmergency:
		return r.emergency(ctx)
	case cmdResume:
		r.halted = false
		r.exec.Resume(r.symbol)
		r.logger.Info("紧急停止解除，交易循环恢复")
		return nil
	case cmdConfig:
		r.applyConfig(ctx, c.cfg)
		return nil
	default:
		return fmt.Errorf("未知命令 %d", c.kind)
	}
}

// --- tick 处理 ---

func (r *runner) onTick(ctx context.Context, t models.Tick) {
	r.drain(ctx)

	prev := r.lastPrice
	r.lastPrice = t.Price
	r.lastTick = t
	vals := r.ind.OnTick(t)
	r.tracker.Mark(t.Price)
	pos := r.tracker.Snapshot()
	r.m.metrics.Position(r.symbol, pos.Size, pos.UnrealizedPnL, pos.RealizedPnL)

	if r.halted {
		return
	}
	r.checkExit(ctx, pos, t.Price)

	if !r.grid.Built() {
		r.buildInitial(t.Price)
		return
	}
	if r.maybeRebuild(ctx, t.Price) {
		return
	}
	r.retryLegs(ctx, t.Timestamp)

	if prev <= 0 || !r.m.tradingEnabled() {
		return
	}
	for _, c := range r.grid.Crossings(prev, t.Price) {
		r.onCrossing(ctx, c, vals)
	}
}

func (r *runner) onFeedEvent(ev models.FeedEvent) {
	switch ev.Kind {
	case models.FeedDegraded:
		r.degraded = true
		r.m.recordEvent(r.symbol, string(ev.Kind), levelWarn, ev.Reason)
	case models.FeedRestored:
		r.degraded = false
		r.m.recordEvent(r.symbol, string(ev.Kind), levelInfo, ev.Reason)
	}
}

// buildInitial 首个 tick 时按配置区间生成网格
func (r *runner) buildInitial(price float64) {
	atr := r.currentATR()
	if err := r.grid.Rebuild(r.cfg.Grid, r.cfg.Grid.Low, r.cfg.Grid.High, atr); err != nil {
		r.logger.Warn("网格生成失败，等待下一个 tick", zap.Error(err))
		return
	}
	r.atrAtBuild = atr
	r.dirty = true
	low, high := r.grid.Range()
	r.logger.Info("网格已生成",
		zap.Float64("low", low), zap.Float64("high", high),
		zap.Int("levels", r.cfg.Grid.LevelCount), zap.Float64("price", price))
}

func (r *runner) currentATR() float64 {
	atr, ok := r.ind.ATR(r.cfg.Grid.ATRPeriod)
	if !ok {
		return 0
	}
	return atr
}

// maybeRebuild 价格离开区间或波动率偏离超过阈值时重建网格。
// 重建前先撤销所有挂单档位并等待确认，返回 true 表示本 tick 不再处理穿越。
func (r *runner) maybeRebuild(ctx context.Context, price float64) bool {
	if r.rebuild == nil {
		g := r.cfg.Grid
		low, high := r.grid.Range()
		half := (high - low) / 2
		switch {
		case g.RebuildOnExit && r.grid.OutOfRange(price) && price-half > 0:
			r.rebuild = &rebuildTarget{low: price - half, high: price + half, reason: "price left grid range"}
		case g.RebuildVolatilityPct > 0 && r.atrAtBuild > 0:
			atr := r.currentATR()
			if atr > 0 && math.Abs(atr-r.atrAtBuild)/r.atrAtBuild > g.RebuildVolatilityPct && price-half > 0 {
				r.rebuild = &rebuildTarget{low: price - half, high: price + half, reason: "volatility changed"}
			}
		}
		if r.rebuild == nil {
			return false
		}
		r.logger.Info("开始重建网格", zap.String("reason", r.rebuild.reason),
			zap.Float64("low", r.rebuild.low), zap.Float64("high", r.rebuild.high))
		r.m.recordEvent(r.symbol, "GridRebuild", levelInfo, r.rebuild.reason)
		r.dropLegs()
	}

	if r.reversing != "" {
		return true
	}
	if pending := r.grid.Pending(); len(pending) > 0 {
		r.cancelLevels(ctx, pending)
		if len(r.grid.Pending()) > 0 {
			return true
		}
	}

	atr := r.currentATR()
	if err := r.grid.Rebuild(r.cfg.Grid, r.rebuild.low, r.rebuild.high, atr); err != nil {
		r.logger.Error("网格重建失败", zap.Error(err))
		r.m.recordEvent(r.symbol, "GridRebuildFailed", levelError, err.Error())
		r.rebuild = nil
		return true
	}
	r.atrAtBuild = atr
	r.rebuild = nil
	r.dirty = true
	low, high := r.grid.Range()
	r.logger.Info("网格重建完成", zap.Int("generation", r.grid.Generation()),
		zap.Float64("low", low), zap.Float64("high", high))
	return true
}

// cancelLevels 撤销挂单档位的订单；执行器不认识的订单直接释放档位
func (r *runner) cancelLevels(ctx context.Context, levels []models.GridLevel) {
	for _, lv := range levels {
		err := r.exec.Cancel(ctx, r.symbol, lv.OrderID)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			_ = r.grid.Release(lv.Index, lv.OrderID)
			r.dirty = true
			continue
		}
		if err != nil {
			r.logger.Warn("撤单请求失败", zap.String("client_id", lv.OrderID), zap.Error(err))
		}
	}
}

func (r *runner) onCrossing(ctx context.Context, c grid.Crossing, vals models.IndicatorValues) {
	lv, ok := r.grid.Level(c.Index)
	if !ok || lv.State != models.LevelEmpty {
		return
	}
	side := c.Direction.OrderSide()
	pos := r.tracker.Snapshot()
	qty := r.m.cover.Scale(r.cfg.OrderSize)

	if r.cfg.FastReversal && r.reversing == "" && pos.Direction() == side.Opposite() && r.hasFilled(side.Opposite()) {
		r.reverse(ctx, c, side, qty, pos)
		return
	}

	if vals.Aggregate.Opposes(side) {
		r.logger.Debug("指标信号与下单方向相反，跳过",
			zap.Int("level", c.Index), zap.String("side", string(side)), zap.String("signal", string(vals.Aggregate)))
		return
	}
	if !r.authorize(side, qty, c.Price, r.exposure(side), models.PurposeGrid) {
		return
	}
	o, err := r.exec.Submit(ctx, execution.Intent{
		Symbol:     r.symbol,
		Side:       side,
		Type:       models.Limit,
		Price:      c.Price,
		Quantity:   qty,
		LevelIndex: c.Index,
		Generation: r.grid.Generation(),
		Purpose:    models.PurposeGrid,
	})
	if err != nil {
		r.logger.Warn("网格下单失败", zap.Int("level", c.Index), zap.Error(err))
		r.m.recordEvent(r.symbol, "OrderInvalid", levelWarn, err.Error())
		return
	}
	if err := r.grid.MarkPending(c.Index, side, o.ID); err != nil {
		r.logger.Error("档位占用失败", zap.Int("level", c.Index), zap.Error(err))
		return
	}
	r.dirty = true
	r.logger.Info("网格挂单",
		zap.Int("level", c.Index), zap.String("side", string(side)),
		zap.Float64("price", o.Price), zap.Float64("qty", o.Quantity), zap.String("client_id", o.ID))
}

// reverse 价格穿越到持仓的反方向：市价平掉现有仓位，并在该档位挂反向单
func (r *runner) reverse(ctx context.Context, c grid.Crossing, side models.Side, qty float64, pos models.Position) {
	if !r.authorize(side, qty, c.Price, 0, models.PurposeReversalOpen) {
		return
	}
	gen := r.grid.Generation()
	closeLeg := execution.Intent{
		Symbol:     r.symbol,
		Side:       side,
		Price:      r.lastPrice,
		Quantity:   math.Abs(pos.Size),
		LevelIndex: -1,
		Generation: gen,
	}
	openLeg := execution.Intent{
		Symbol:     r.symbol,
		Side:       side,
		Type:       models.Limit,
		Price:      c.Price,
		Quantity:   qty,
		LevelIndex: c.Index,
		Generation: gen,
	}
	_, leg, err := r.exec.SubmitReversal(ctx, closeLeg, openLeg)
	if err != nil {
		r.logger.Warn("反手下单失败", zap.Int("level", c.Index), zap.Error(err))
		r.m.recordEvent(r.symbol, "OrderInvalid", levelWarn, err.Error())
		return
	}
	if err := r.grid.MarkPending(c.Index, side, leg.ClientID); err != nil {
		r.logger.Error("档位占用失败", zap.Int("level", c.Index), zap.Error(err))
	}
	r.reversing = leg.ClientID
	r.dirty = true
	r.logger.Info("快速反手",
		zap.Int("level", c.Index), zap.String("side", string(side)),
		zap.Float64("close_qty", closeLeg.Quantity), zap.Float64("open_qty", leg.Quantity))
}

func (r *runner) hasFilled(side models.Side) bool {
	for _, lv := range r.grid.Levels() {
		if lv.State == models.LevelFilled && lv.Side == side {
			return true
		}
	}
	return false
}

// exposure 持仓加上同方向未成交挂单后的有符号数量
func (r *runner) exposure(side models.Side) float64 {
	size := r.tracker.Snapshot().Size
	for _, o := range r.exec.LiveOrders(r.symbol) {
		if o.Side == side && !o.ReduceOnly {
			size += side.Sign() * o.Remaining()
		}
	}
	return size
}

func (r *runner) authorize(side models.Side, qty, price, current float64, purpose models.OrderPurpose) bool {
	d := r.m.risk.Authorize(risk.Intent{
		Symbol:      r.symbol,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		CurrentSize: current,
		Purpose:     purpose,
	})
	if d.Allowed {
		return true
	}
	r.m.metrics.RiskDenied(r.symbol, string(d.Reason))
	r.m.recordEvent(r.symbol, string(d.Reason), levelWarn,
		fmt.Sprintf("%s %s %.8g @ %.8g denied", purpose, side, qty, price))
	if r.m.risk.EmergencyStopped() {
		r.m.raiseEmergency(string(d.Reason))
	}
	return false
}

// checkExit 止损、止盈、移动止损和最大浮亏命中时市价平仓，暂停状态下同样生效
func (r *runner) checkExit(ctx context.Context, pos models.Position, price float64) {
	reason, hit := r.exit.Check(pos, price)
	if !hit || r.exitOrder != "" {
		return
	}
	o, err := r.exec.Submit(ctx, execution.Intent{
		Symbol:     r.symbol,
		Side:       pos.Direction().Opposite(),
		Type:       models.Market,
		Price:      price,
		Quantity:   math.Abs(pos.Size),
		ReduceOnly: true,
		LevelIndex: -1,
		Generation: r.grid.Generation(),
		Purpose:    models.PurposeExit,
	})
	if err != nil {
		r.logger.Error("强制平仓下单失败", zap.String("reason", string(reason)), zap.Error(err))
		return
	}
	r.exitOrder = o.ID
	r.m.recordEvent(r.symbol, string(reason), levelWarn,
		fmt.Sprintf("closing %.8g at %.8g (entry %.8g)", math.Abs(pos.Size), price, pos.EntryPrice))
}

// retryLegs 补发反手未完成的开仓腿，沿用原 client id。
// 补发后记录保留到确认为止，再次失败时由 onReversalIncomplete 按退避重新排期。
func (r *runner) retryLegs(ctx context.Context, now time.Time) {
	for id, leg := range r.legs {
		if leg.submitted || now.Before(leg.next) {
			continue
		}
		if _, ok := r.grid.FindByOrder(id); !ok {
			delete(r.legs, id)
			continue
		}
		_, err := r.exec.Submit(ctx, leg.intent)
		if errors.Is(err, execution.ErrInFlight) {
			if o, ok := r.exec.Order(id); ok && !o.State.Terminal() {
				err = nil
			}
		}
		switch {
		case err == nil:
			leg.submitted = true
			r.reversing = id
			r.logger.Info("补发反手开仓腿", zap.String("client_id", id))
		case apperrors.IsRetryable(err):
			leg.next = now.Add(leg.b.Duration())
			r.logger.Warn("补发反手开仓腿失败，稍后重试", zap.String("client_id", id), zap.Error(err))
		default:
			r.abandonLeg(id, err)
		}
	}
}

func (r *runner) abandonLeg(id string, err error) {
	r.logger.Error("反手开仓腿无法补发，释放档位", zap.String("client_id", id), zap.Error(err))
	r.releaseOwned(id)
	delete(r.legs, id)
	if id == r.reversing {
		r.reversing = ""
	}
	r.m.recordEvent(r.symbol, "ReversalAbandoned", levelError, errString(err))
}

// dropLegs 放弃所有待补发的开仓腿。已补发在途的腿只移除记录，档位由撤单流程释放。
func (r *runner) dropLegs() {
	for id, leg := range r.legs {
		if !leg.submitted {
			r.releaseOwned(id)
		}
		delete(r.legs, id)
	}
}

// --- 执行结果 ---

func (r *runner) drain(ctx context.Context) {
	batch := r.box.Drain()
	for _, c := range batch {
		r.onCompletion(ctx, c)
	}
	if len(batch) > 0 {
		r.exec.Prune(r.symbol, r.referenced)
	}
}

// referenced 订单仍被档位、反手腿、退出单或未结算的平仓引用
func (r *runner) referenced(id string) bool {
	if id == r.exitOrder || id == r.reversing {
		return true
	}
	if _, ok := r.legs[id]; ok {
		return true
	}
	if _, ok := r.closing[id]; ok {
		return true
	}
	_, ok := r.grid.FindByOrder(id)
	return ok
}

func (r *runner) onCompletion(ctx context.Context, c execution.Completion) {
	o := c.Order
	r.dirty = true
	switch c.Kind {
	case execution.CompletionAck:
		if o.ID == r.reversing {
			r.reversing = ""
		}
	case execution.CompletionFill:
		r.onFill(c)
	case execution.CompletionCancelled:
		if o.FilledQty > 0 {
			r.settleLevel(o)
		} else {
			r.releaseOwned(o.ID)
		}
	case execution.CompletionRejected:
		r.onRejected(c)
	case execution.CompletionSubmitFailed:
		r.releaseOwned(o.ID)
		r.m.recordEvent(r.symbol, "SubmitFailed", levelError, errString(c.Err))
	case execution.CompletionCancelFailed:
		r.m.recordEvent(r.symbol, "CancelFailed", levelError, errString(c.Err))
	case execution.CompletionReversalAborted:
		if c.Leg != nil {
			r.releaseOwned(c.Leg.ClientID)
			if c.Leg.ClientID == r.reversing {
				r.reversing = ""
			}
		}
		r.m.recordEvent(r.symbol, "ReversalAborted", levelWarn, errString(c.Err))
	case execution.CompletionReversalIncomplete:
		r.onReversalIncomplete(c)
	case execution.CompletionAdopted:
		r.m.recordEvent(r.symbol, "OrderAdopted", levelWarn,
			fmt.Sprintf("%s %s %.8g @ %.8g", o.ID, o.Side, o.Quantity, o.Price))
	}

	if c.Kind == execution.CompletionAck || c.Kind == execution.CompletionFill || o.State.Terminal() {
		delete(r.legs, o.ID)
	}
	if o.State.Terminal() {
		r.settleTrade(o)
		if o.ID == r.exitOrder {
			r.exitOrder = ""
		}
		if o.ID == r.reversing {
			r.reversing = ""
		}
	}
	if c.Kind == execution.CompletionSubmitFailed && o.ID == r.exitOrder {
		r.exitOrder = ""
	}
}

func (r *runner) onFill(c execution.Completion) {
	o := c.Order
	before := r.tracker.Snapshot()
	res := r.tracker.ApplyFill(o.Side, c.FillQty, c.FillPrice)
	r.m.risk.OnFill()
	r.logger.Info("订单成交",
		zap.String("client_id", o.ID), zap.String("side", string(o.Side)),
		zap.Float64("qty", c.FillQty), zap.Float64("price", c.FillPrice),
		zap.String("purpose", string(o.Purpose)))

	if res.ClosedQty > 0 {
		r.accrueClose(o, res, before, c.FillPrice)
	}
	if res.Closed || res.Reversed {
		r.grid.ReleaseFilled(res.PrevSide)
		r.exit.Reset()
		r.settleTrade(o)
	}
	if o.State == models.OrderFilled {
		r.settleLevel(o)
	}
	pos := r.tracker.Snapshot()
	r.m.metrics.Position(r.symbol, pos.Size, pos.UnrealizedPnL, pos.RealizedPnL)
}

// accrueClose 记录平仓成交。当日盈亏按每次成交累计，连亏计数等到整笔交易结算。
func (r *runner) accrueClose(o models.Order, res position.FillResult, before models.Position, price float64) {
	ct, ok := r.closing[o.ID]
	if !ok {
		ct = &closingTrade{side: res.PrevSide, entry: before.EntryPrice}
		r.closing[o.ID] = ct
	}
	ct.qty += res.ClosedQty
	ct.notional += res.ClosedQty * price
	ct.pnl += res.RealizedPnL

	breach := r.m.risk.OnRealized(res.RealizedPnL)
	rs := r.m.risk.State()
	r.m.metrics.Session(rs.DailyPnL, r.m.cover.Multiplier(), rs.EmergencyStopped)
	if breach {
		r.m.recordEvent(r.symbol, string(models.ReasonDailyLossLimit), levelError,
			fmt.Sprintf("daily pnl %.2f", rs.DailyPnL))
		r.m.raiseEmergency(string(models.ReasonDailyLossLimit))
	}
}

// settleTrade 将平仓订单的累计成交结算为一笔交易，每个订单只结算一次
func (r *runner) settleTrade(o models.Order) {
	ct, ok := r.closing[o.ID]
	if !ok {
		return
	}
	delete(r.closing, o.ID)
	state := r.m.cover.OnTradeClosed(ct.pnl)
	losses, wins := r.m.cover.Streaks()
	r.m.risk.SetStreaks(losses, wins)
	rs := r.m.risk.State()
	r.m.metrics.Session(rs.DailyPnL, state.CurrentMultiplier, rs.EmergencyStopped)

	r.m.recordTrade(models.CompletedTrade{
		Symbol:     r.symbol,
		Side:       ct.side,
		Quantity:   ct.qty,
		EntryPrice: ct.entry,
		ExitPrice:  ct.notional / ct.qty,
		ExitTime:   o.UpdatedAt,
		Profit:     ct.pnl,
	})
	r.logger.Info("平仓完成",
		zap.String("client_id", o.ID), zap.Float64("qty", ct.qty),
		zap.Float64("pnl", ct.pnl), zap.Float64("daily_pnl", rs.DailyPnL),
		zap.Float64("multiplier", state.CurrentMultiplier))
}

// settleLevel 订单终结且有成交时更新档位：
// 开仓或加仓的成交保留为 filled，平仓成交清空自身档位并释放配对的开仓档位
func (r *runner) settleLevel(o models.Order) {
	idx, ok := r.grid.FindByOrder(o.ID)
	if !ok {
		return
	}
	pos := r.tracker.Snapshot()
	if pos.IsFlat() || pos.Direction() != o.Side {
		_ = r.grid.Vacate(idx, o.ID)
		if !pos.IsFlat() {
			r.grid.ReleaseNearestFilled(o.Side.Opposite(), o.AvgFillPrice)
		}
		return
	}
	if err := r.grid.MarkFilled(idx, o.ID, o.FilledQty); err != nil {
		r.logger.Warn("档位成交标记失败", zap.Int("level", idx), zap.Error(err))
	}
}

func (r *runner) onRejected(c execution.Completion) {
	o := c.Order
	if c.Leg != nil && o.Purpose == models.PurposeReversalClose {
		r.releaseOwned(c.Leg.ClientID)
		if c.Leg.ClientID == r.reversing {
			r.reversing = ""
		}
	} else {
		r.releaseOwned(o.ID)
	}
	r.m.recordEvent(r.symbol, "OrderRejected", levelWarn, errString(c.Err))

	switch apperrors.KindOf(c.Err) {
	case apperrors.KindInsufficientBalance:
		r.m.risk.FlagInsufficientBalance()
	case apperrors.KindAuthentication:
		r.m.raiseEmergency(apperrors.KindAuthentication.String())
	}
}

func (r *runner) onReversalIncomplete(c execution.Completion) {
	if c.Leg == nil {
		return
	}
	id := c.Leg.ClientID
	if id == r.reversing {
		r.reversing = ""
	}
	if _, ok := r.grid.FindByOrder(id); !ok || r.halted || r.rebuild != nil {
		// 档位已被重建、正在重建或进入紧急停止，不再补发
		r.abandonLeg(id, c.Err)
		return
	}
	leg, ok := r.legs[id]
	if !ok {
		b := retry.NewBackoff(
			time.Duration(r.m.executorConfig().RetryInitialDelayMs)*time.Millisecond,
			time.Duration(r.m.executorConfig().RetryMaxDelayMs)*time.Millisecond,
		)
		leg = &pendingLeg{intent: *c.Leg, b: b}
		r.legs[id] = leg
	}
	leg.submitted = false
	leg.next = r.clock().Add(leg.b.Duration())
	r.logger.Error("反手开仓腿未完成，稍后补发", zap.String("client_id", id), zap.Error(c.Err))
	r.m.recordEvent(r.symbol, "ReversalIncomplete", levelError, errString(c.Err))
}

func (r *runner) releaseOwned(orderID string) {
	if idx, ok := r.grid.FindByOrder(orderID); ok {
		lv, _ := r.grid.Level(idx)
		if lv.State == models.LevelPending {
			_ = r.grid.Release(idx, orderID)
		}
	}
}

func (r *runner) clock() time.Time {
	if !r.lastTick.Timestamp.IsZero() {
		return r.lastTick.Timestamp
	}
	return time.Now()
}

// --- 紧急停止 ---

// emergency 停止下单，撤销全部挂单并等待确认，按配置市价平仓。
// 执行器先进入 Halt，在途反手的开仓腿不会再被登记。
func (r *runner) emergency(ctx context.Context) error {
	r.halted = true
	r.exec.Halt(r.symbol)
	r.dropLegs()
	r.rebuild = nil

	r.exec.CancelAll(ctx, r.symbol)
	if err := r.awaitQuiet(ctx, true); err != nil {
		return err
	}

	pos := r.tracker.Snapshot()
	if r.m.riskConfig().ClosePositionsOnEmergency && !pos.IsFlat() {
		o, err := r.exec.Submit(ctx, execution.Intent{
			Symbol:     r.symbol,
			Side:       pos.Direction().Opposite(),
			Type:       models.Market,
			Price:      r.lastPrice,
			Quantity:   math.Abs(pos.Size),
			ReduceOnly: true,
			LevelIndex: -1,
			Generation: r.grid.Generation(),
			Purpose:    models.PurposeEmergency,
		})
		if err != nil {
			return fmt.Errorf("%s 紧急平仓失败: %w", r.symbol, err)
		}
		r.logger.Warn("紧急平仓", zap.String("client_id", o.ID), zap.Float64("qty", o.Quantity))
		if err := r.awaitQuiet(ctx, false); err != nil {
			return err
		}
	}
	r.logger.Warn("交易对已紧急停止", zap.Int("live_orders", len(r.exec.LiveOrders(r.symbol))))
	return nil
}

// awaitQuiet 处理执行结果直到没有未完成订单。
// recancel 时对等待期间出现的订单(如 Halt 之前已登记的反手腿)再次撤单。
func (r *runner) awaitQuiet(ctx context.Context, recancel bool) error {
	timeout := r.m.executorConfig().CancelConfirmTimeout() + r.m.executorConfig().AckTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		r.drain(ctx)
		live := r.exec.LiveOrders(r.symbol)
		if len(live) == 0 {
			return nil
		}
		if recancel {
			r.exec.CancelAll(ctx, r.symbol)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%s 仍有 %d 个订单未确认撤销", r.symbol, len(live))
		case <-r.box.Notify():
		case <-poll.C:
		}
	}
}

// --- 配置更新 ---

func (r *runner) applyConfig(ctx context.Context, cfg models.SymbolConfig) {
	old := r.cfg
	r.cfg = cfg
	r.ind.SetConfig(cfg.Indicators)
	r.exit.SetConfig(cfg)
	if cfg.Leverage != old.Leverage {
		r.tracker.SetLeverage(float64(cfg.Leverage))
		if err := r.m.ex.SetLeverage(ctx, r.symbol, cfg.Leverage); err != nil {
			r.logger.Warn("设置杠杆失败", zap.Int("leverage", cfg.Leverage), zap.Error(err))
		}
	}
	g, og := cfg.Grid, old.Grid
	if r.grid.Built() && (g.Low != og.Low || g.High != og.High || g.LevelCount != og.LevelCount ||
		g.Spacing != og.Spacing || g.ATRMultiplier != og.ATRMultiplier) {
		r.rebuild = &rebuildTarget{low: g.Low, high: g.High, reason: "grid config changed"}
		r.dropLegs()
		r.m.recordEvent(r.symbol, "GridRebuild", levelInfo, "grid config changed")
	}
	r.logger.Info("交易对配置已更新")
}

// --- 快照与检查点 ---

func (r *runner) publish() {
	low, high := r.grid.Range()
	s := models.SymbolSnapshot{
		Symbol:         r.symbol,
		LastTick:       r.lastTick,
		FeedDegraded:   r.degraded,
		Position:       r.tracker.Snapshot(),
		GridLow:        low,
		GridHigh:       high,
		GridGeneration: r.grid.Generation(),
		Rebuilding:     r.rebuild != nil,
		Levels:         r.grid.Levels(),
		Indicators:     r.ind.Values(),
		OpenOrders:     r.exec.LiveOrders(r.symbol),
		PendingLeg:     len(r.legs) > 0,
		TrailingStop:   r.exit.TrailingStop(),
	}
	r.snapMu.Lock()
	r.snap = s
	r.snapMu.Unlock()
}

func (r *runner) snapshot() models.SymbolSnapshot {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snap
}

func (r *runner) checkpoint() {
	if !r.dirty {
		return
	}
	r.dirty = false
	low, high := r.grid.Range()
	r.m.checkpoint(models.SymbolState{
		Symbol:     r.symbol,
		Generation: r.grid.Generation(),
		Low:        low,
		High:       high,
		Levels:     r.grid.Levels(),
		Position:   r.tracker.Snapshot(),
		OrderSeq:   r.exec.Seq(r.symbol),
	})
}

// --- 启动恢复 ---

func (r *runner) restore(st *models.SymbolState) {
	if st == nil {
		return
	}
	if len(st.Levels) > 0 {
		r.grid.Restore(st)
	}
	pos := st.Position
	pos.Symbol = r.symbol
	r.tracker.Reset(pos)
	r.exec.SetSeq(r.symbol, st.OrderSeq)
}

// resolvePending 对账后仍处于挂单中的档位：订单已终结或执行器不认识时按其结果处理
func (r *runner) resolvePending() {
	pos := r.tracker.Snapshot()
	for _, lv := range r.grid.Pending() {
		o, ok := r.exec.Order(lv.OrderID)
		switch {
		case !ok:
			_ = r.grid.Release(lv.Index, lv.OrderID)
		case o.State == models.OrderFilled && pos.Direction() == o.Side:
			_ = r.grid.MarkFilled(lv.Index, o.ID, o.FilledQty)
		case o.State.Terminal():
			_ = r.grid.Release(lv.Index, lv.OrderID)
		default:
			continue
		}
		r.dirty = true
		r.logger.Info("启动时修正档位", zap.Int("level", lv.Index), zap.String("client_id", lv.OrderID))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
