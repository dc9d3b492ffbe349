package bot

import (
	"context"
	"fmt"
	"time"

	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/execution"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/reporter"

	"go.uber.org/zap"
)

// Backtester 用模拟交易所逐根 K 线同步驱动交易管理器。
// 执行器在调用方 goroutine 内完成交易所调用，结果在每一步结束前全部处理完，
// 同一份数据的回测结果是确定的。
type Backtester struct {
	cfg    *models.Config
	sim    *exchange.Simulated
	exec   *execution.Executor
	mgr    *Manager
	logger *zap.Logger
	now    time.Time
	start  time.Time
	end    time.Time
	ready  bool
}

// NewBacktester 创建回测驱动
func NewBacktester(cfg *models.Config, logger *zap.Logger, opts ...Option) *Backtester {
	sim := exchange.NewSimulated(cfg.Simulation, logger)
	exec := execution.New(sim, cfg.Executor, cfg.Symbols, logger, execution.Inline())
	sim.SetEventSink(exec.HandleEvent)

	b := &Backtester{cfg: cfg, sim: sim, exec: exec, logger: logger.With(zap.String("component", "backtest"))}
	b.mgr = NewManager(cfg, sim, exec, logger, append(opts, Synchronous())...)
	b.mgr.risk.SetClock(func() time.Time { return b.now })
	return b
}

// Manager 被驱动的交易管理器
func (b *Backtester) Manager() *Manager { return b.mgr }

// Exchange 模拟交易所
func (b *Backtester) Exchange() *exchange.Simulated { return b.sim }

// Prepare 设置杠杆、读取初始账户并进入 running。配置了状态管理器时同时启动它
func (b *Backtester) Prepare(ctx context.Context) error {
	if b.mgr.state != nil && !b.ready {
		b.mgr.state.Start()
	}
	b.ready = true
	return b.mgr.Prepare(ctx, nil)
}

// StepPrice 推进一个价格点：模拟交易所先撮合，再由交易循环处理成交与 tick
func (b *Backtester) StepPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	r, ok := b.mgr.bySym[symbol]
	if !ok {
		return fmt.Errorf("交易对 %s 不在配置中", symbol)
	}
	b.now = ts
	b.sim.SetPrice(symbol, price, ts)
	b.process(ctx, r, models.Tick{Symbol: symbol, Price: price, Timestamp: ts, Source: models.SourceStream})
	return nil
}

// StepCandle 按 K 线内部路径撮合，以收盘价作为 tick
func (b *Backtester) StepCandle(ctx context.Context, symbol string, c models.Candle) error {
	r, ok := b.mgr.bySym[symbol]
	if !ok {
		return fmt.Errorf("交易对 %s 不在配置中", symbol)
	}
	b.now = c.Start
	b.sim.SetCandle(symbol, c)
	b.process(ctx, r, models.Tick{Symbol: symbol, Price: c.Close, Timestamp: c.Start, Source: models.SourceStream})
	return nil
}

func (b *Backtester) process(ctx context.Context, r *runner, t models.Tick) {
	r.step(func() {
		r.drain(ctx)
		r.onTick(ctx, t)
		r.drain(ctx)
	})
	b.mgr.runDeferred(ctx)
}

// Run 回放整段 K 线，爆仓或紧急停止时提前结束
func (b *Backtester) Run(ctx context.Context, symbol string, candles []models.Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("没有可回测的K线数据")
	}
	first := candles[0]
	b.now = first.Start
	b.start, b.end = first.Start, candles[len(candles)-1].Start
	b.sim.SetPrice(symbol, first.Open, first.Start)
	if err := b.Prepare(ctx); err != nil {
		return err
	}

	b.logger.Info("开始回测", zap.String("symbol", symbol), zap.Int("candles", len(candles)),
		zap.Time("start", first.Start), zap.Time("end", candles[len(candles)-1].Start))
	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.sim.IsLiquidated() {
			b.logger.Warn("检测到爆仓，提前终止回测", zap.Int("candle", i))
			break
		}
		if b.mgr.Status() == models.StatusEmergency {
			b.logger.Warn("已紧急停止，提前终止回测", zap.Int("candle", i))
			break
		}
		if err := b.StepCandle(ctx, symbol, c); err != nil {
			return err
		}
	}
	b.logger.Info("回测结束")
	return nil
}

// Report 计算回测指标
func (b *Backtester) Report() reporter.Metrics {
	m := reporter.Calculate(b.sim, b.cfg.Simulation.InitialBalance)
	m.StartTime, m.EndTime = b.start, b.end
	return m
}

// Close 释放执行器，并写入最后一个检查点
func (b *Backtester) Close() {
	b.exec.Close()
	if b.mgr.state != nil {
		b.mgr.state.Stop()
	}
}
