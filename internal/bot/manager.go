package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/config"
	"grid-trading-engine/internal/coverloss"
	"grid-trading-engine/internal/downloader"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/execution"
	"grid-trading-engine/internal/feed"
	"grid-trading-engine/internal/metrics"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/retry"
	"grid-trading-engine/internal/risk"
	"grid-trading-engine/internal/statemanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"

	maxEvents         = 200
	recentErrorWindow = 5 * time.Minute
	unhealthyErrors   = 5
)

// TradeRecorder 保存已平仓交易，sqlite 账本实现了该接口
type TradeRecorder interface {
	RecordTrade(t models.CompletedTrade) error
}

// CommandResult 所有管理命令的统一返回
type CommandResult struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// Option 交易管理器可选项
type Option func(*Manager)

// WithFeed 实盘与模拟盘的行情源
func WithFeed(f *feed.Feed) Option {
	return func(m *Manager) { m.feed = f }
}

// WithStateManager 会话状态检查点
func WithStateManager(sm *statemanager.StateManager) Option {
	return func(m *Manager) { m.state = sm }
}

// WithTradeRecorder 记录平仓交易
func WithTradeRecorder(tr TradeRecorder) Option {
	return func(m *Manager) { m.trades = tr }
}

// WithMetrics 记录 Prometheus 指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Synchronous 由调用方逐个 tick 驱动交易循环，回测使用
func Synchronous() Option {
	return func(m *Manager) { m.sync = true }
}

// Manager 交易管理器：为每个交易对运行一个交易循环，处理管理命令并汇总状态快照。
// 风控与补亏倍数在所有交易对之间共享。
type Manager struct {
	ex      exchange.Exchange
	exec    *execution.Executor
	feed    *feed.Feed
	risk    *risk.Manager
	cover   *coverloss.Controller
	state   *statemanager.StateManager
	trades  TradeRecorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	sync    bool

	runners []*runner
	bySym   map[string]*runner

	cfgMu sync.RWMutex
	cfg   *models.Config

	mu         sync.RWMutex
	status     models.EngineStatus
	sessionID  string
	startedAt  time.Time
	account    models.AccountInfo
	events     []models.Event
	deferred   string // 同步模式下等待处理的紧急停止原因
	runCtx     context.Context
	emergencyM sync.Mutex
}

// NewManager 创建交易管理器
func NewManager(cfg *models.Config, ex exchange.Exchange, exec *execution.Executor, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		ex:        ex,
		exec:      exec,
		risk:      risk.NewManager(cfg.Risk, cfg.Symbols, logger),
		cover:     coverloss.NewController(cfg.CoverLoss),
		logger:    logger.With(zap.String("component", "trading_manager")),
		bySym:     make(map[string]*runner, len(cfg.Symbols)),
		cfg:       config.Clone(cfg),
		status:    models.StatusIdle,
		sessionID: uuid.NewString(),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, s := range cfg.Symbols {
		r := newRunner(m, s)
		m.runners = append(m.runners, r)
		m.bySym[s.Symbol] = r
	}
	return m
}

// Risk 会话级风控
func (m *Manager) Risk() *risk.Manager { return m.risk }

// Restore 从检查点恢复风控、补亏倍数与各交易对的网格和持仓
func (m *Manager) Restore(st *models.SessionState) {
	if st == nil {
		return
	}
	m.mu.Lock()
	if st.SessionID != "" {
		m.sessionID = st.SessionID
	}
	m.mu.Unlock()

	m.risk.Restore(st.Risk)
	m.cover.Restore(st.Risk.ConsecutiveLosses, st.Risk.ConsecutiveWins)
	for sym, ss := range st.Symbols {
		if r, ok := m.bySym[sym]; ok {
			r.restore(ss)
			r.publish()
		}
	}
	m.logger.Info("会话状态已恢复",
		zap.String("session_id", st.SessionID),
		zap.Float64("daily_pnl", st.Risk.DailyPnL),
		zap.Bool("emergency_stopped", st.Risk.EmergencyStopped))
}

// Prepare 启动前与交易所对齐：设置杠杆、对账挂单、以交易所持仓为准、预热指标
func (m *Manager) Prepare(ctx context.Context, journal execution.Journal) error {
	if m.state != nil {
		if st := m.state.GetStateSnapshot(); st != nil && st.SessionID != "" {
			m.Restore(st)
		} else {
			// 全新会话，写入会话 id 以便重启后沿用
			now := time.Now()
			m.state.DispatchEvent(statemanager.NormalizedEvent{
				Type:      statemanager.StateResetEvent,
				Timestamp: now,
				Data:      models.NewSessionState(m.SessionID(), now),
			})
		}
	}
	if journal != nil {
		orders, err := journal.OpenOrders()
		if err != nil {
			return fmt.Errorf("读取订单账本失败: %w", err)
		}
		m.exec.Restore(orders)
	}

	for _, r := range m.runners {
		if err := m.ex.SetLeverage(ctx, r.symbol, r.cfg.Leverage); err != nil {
			if apperrors.IsFatal(err) {
				return fmt.Errorf("%s 设置杠杆失败: %w", r.symbol, err)
			}
			m.logger.Warn("设置杠杆失败", zap.String("symbol", r.symbol), zap.Error(err))
		}

		report, err := m.exec.Reconcile(ctx, r.symbol)
		if err != nil {
			if apperrors.IsFatal(err) {
				return fmt.Errorf("%s 对账失败: %w", r.symbol, err)
			}
			m.logger.Warn("启动对账失败", zap.String("symbol", r.symbol), zap.Error(err))
		} else {
			m.logger.Info("启动对账完成", zap.String("symbol", r.symbol),
				zap.Int("checked", report.Checked), zap.Int("vanished", report.Vanished),
				zap.Int("adopted", report.Adopted), zap.Int("foreign", report.Foreign))
		}

		if pos, err := m.ex.GetPosition(ctx, r.symbol); err == nil {
			local := r.tracker.Snapshot()
			if !closeEnough(local.Size, pos.Size) {
				mismatch := apperrors.New(apperrors.KindReconciliationMismatch, "get_position",
					fmt.Sprintf("local %.8g exchange %.8g", local.Size, pos.Size))
				m.logger.Warn("持仓与交易所不一致，以交易所为准", zap.String("symbol", r.symbol), zap.Error(mismatch))
				m.recordEvent(r.symbol, apperrors.KindReconciliationMismatch.String(), levelWarn, mismatch.Error())
			}
			pos.Symbol = r.symbol
			pos.RealizedPnL = local.RealizedPnL
			if pos.Leverage == 0 {
				pos.Leverage = float64(r.cfg.Leverage)
			}
			r.tracker.Reset(pos)
			// 交易所上没有的方向，其已成交档位不再有对应仓位
			if pos.Direction() != models.Buy {
				r.grid.ReleaseFilled(models.Buy)
			}
			if pos.Direction() != models.Sell {
				r.grid.ReleaseFilled(models.Sell)
			}
		} else if apperrors.IsFatal(err) {
			return fmt.Errorf("%s 查询持仓失败: %w", r.symbol, err)
		}

		r.drain(ctx)
		r.resolvePending()
		m.seedIndicators(ctx, r)
		r.dirty = true
		r.publish()
		r.checkpoint()
	}

	if err := m.refreshAccountOnce(ctx); err != nil && apperrors.IsFatal(err) {
		return err
	}

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()
	if m.risk.EmergencyStopped() {
		st := m.risk.State()
		m.logger.Warn("检查点处于紧急停止状态，需手动解除", zap.String("reason", st.EmergencyReason))
		for _, r := range m.runners {
			if err := r.emergency(ctx); err != nil {
				m.logger.Error("恢复紧急停止时撤单失败", zap.String("symbol", r.symbol), zap.Error(err))
			}
		}
		m.setStatus(models.StatusEmergency)
	} else {
		m.setStatus(models.StatusRunning)
	}
	return nil
}

func (m *Manager) seedIndicators(ctx context.Context, r *runner) {
	ind := r.cfg.Indicators
	if !ind.SeedFromKlines {
		return
	}
	src, ok := m.ex.(exchange.CandleSource)
	if !ok {
		return
	}
	interval, ok := downloader.Interval(ind.CandleInterval())
	if !ok {
		m.logger.Warn("K线周期不受交易所支持，跳过指标预热", zap.Int("candle_sec", ind.CandleSec))
		return
	}
	candles, err := src.GetCandles(ctx, r.symbol, interval, ind.HistoryLength)
	if err != nil {
		m.logger.Warn("指标预热失败", zap.String("symbol", r.symbol), zap.Error(err))
		return
	}
	r.ind.Seed(candles)
	m.logger.Info("指标已预热", zap.String("symbol", r.symbol), zap.Int("candles", len(candles)))
}

// Run 运行所有交易循环、订单事件流与账户刷新，直到 ctx 结束或出现致命错误
func (m *Manager) Run(ctx context.Context, journal execution.Journal) error {
	if m.feed == nil {
		return errors.New("实时运行需要行情源")
	}
	if m.state != nil {
		m.state.Start()
		defer m.state.Stop()
	}
	if err := m.Prepare(ctx, journal); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.runCtx = gctx
	m.mu.Unlock()

	for _, r := range m.runners {
		r := r
		g.Go(func() error {
			return r.run(gctx, m.feed.Subscribe(gctx, r.symbol))
		})
	}
	g.Go(func() error { return m.pumpOrderEvents(gctx) })
	g.Go(func() error { return m.refreshAccount(gctx) })

	m.logger.Info("交易管理器已启动", zap.Int("symbols", len(m.runners)), zap.String("session_id", m.SessionID()))
	err := g.Wait()

	m.setStatus(models.StatusStopping)
	for _, r := range m.runners {
		r.dirty = true
		r.checkpoint()
	}
	m.checkpointRisk()
	m.setStatus(models.StatusStopped)
	m.logger.Info("交易管理器已停止")
	return err
}

// pumpOrderEvents 将交易所订单推送交给执行器，断线后按退避重连并重新对账
func (m *Manager) pumpOrderEvents(ctx context.Context) error {
	events := make(chan models.OrderEvent, 256)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				m.exec.HandleEvent(ev)
			}
		}
	}()

	fc := m.feedConfig()
	b := retry.NewBackoff(
		time.Duration(fc.ReconnectBaseMs)*time.Millisecond,
		time.Duration(fc.ReconnectMaxMs)*time.Millisecond,
	)
	for {
		started := time.Now()
		err := m.ex.StreamOrderEvents(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		if apperrors.KindOf(err) == apperrors.KindAuthentication {
			m.raiseEmergency(apperrors.KindAuthentication.String())
		}
		if time.Since(started) > b.Max {
			b.Reset()
		}
		wait := b.Duration()
		m.logger.Warn("订单推送断开，准备重连", zap.Error(err), zap.Duration("backoff", wait))
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
		m.reconcileAll(ctx)
	}
}

func (m *Manager) reconcileAll(ctx context.Context) {
	for _, r := range m.runners {
		report, err := m.exec.Reconcile(ctx, r.symbol)
		if err != nil {
			m.logger.Warn("重连对账失败", zap.String("symbol", r.symbol), zap.Error(err))
			continue
		}
		if report.Vanished > 0 || report.Adopted > 0 {
			m.recordEvent(r.symbol, apperrors.KindReconciliationMismatch.String(), levelWarn,
				fmt.Sprintf("vanished=%d adopted=%d", report.Vanished, report.Adopted))
		}
	}
}

func (m *Manager) refreshAccount(ctx context.Context) error {
	sec := m.executorConfig().AccountRefreshSec
	if sec <= 0 {
		sec = 30
	}
	ticker := time.NewTicker(time.Duration(sec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.refreshAccountOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("刷新账户失败", zap.Error(err))
			}
		}
	}
}

func (m *Manager) refreshAccountOnce(ctx context.Context) error {
	info, err := m.ex.GetAccountInfo(ctx)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthentication {
			m.recordEvent("", apperrors.KindAuthentication.String(), levelError, err.Error())
			m.raiseEmergency(apperrors.KindAuthentication.String())
		}
		return err
	}
	m.risk.UpdateAccount(info)
	m.mu.Lock()
	m.account = info
	m.mu.Unlock()
	return nil
}

// --- 管理命令，全部幂等 ---

// Start idle/paused → running
func (m *Manager) Start(ctx context.Context) CommandResult {
	m.mu.Lock()
	var err error
	switch m.status {
	case models.StatusEmergency, models.StatusStopping:
		err = fmt.Errorf("当前状态 %s 不能启动", m.status)
	default:
		m.status = models.StatusRunning
	}
	m.mu.Unlock()
	if err == nil {
		m.recordEvent("", "Start", levelInfo, "trading started")
	}
	return m.result(err)
}

// Pause 停止新的网格下单，已有挂单与止损继续生效
func (m *Manager) Pause(ctx context.Context) CommandResult {
	m.mu.Lock()
	var err error
	switch m.status {
	case models.StatusRunning, models.StatusIdle:
		m.status = models.StatusPaused
	case models.StatusPaused:
	default:
		err = fmt.Errorf("当前状态 %s 不能暂停", m.status)
	}
	m.mu.Unlock()
	if err == nil {
		m.recordEvent("", "Pause", levelInfo, "trading paused")
	}
	return m.result(err)
}

// Resume paused → running
func (m *Manager) Resume(ctx context.Context) CommandResult {
	m.mu.Lock()
	var err error
	switch m.status {
	case models.StatusPaused, models.StatusRunning:
		m.status = models.StatusRunning
	default:
		err = fmt.Errorf("当前状态 %s 不能恢复", m.status)
	}
	m.mu.Unlock()
	if err == nil {
		m.recordEvent("", "Resume", levelInfo, "trading resumed")
	}
	return m.result(err)
}

// EmergencyStop 广播给所有交易循环：停止下单、撤销挂单并等待确认、按配置平仓。
// 全部回复之后才报告 emergency_stopped。
func (m *Manager) EmergencyStop(ctx context.Context, reason string) CommandResult {
	m.emergencyM.Lock()
	defer m.emergencyM.Unlock()

	if m.Status() == models.StatusEmergency {
		return m.result(nil)
	}
	if reason == "" {
		reason = "manual"
	}
	m.risk.TriggerEmergency(reason)
	m.setStatus(models.StatusStopping)
	m.recordEvent("", "EmergencyStop", levelError, reason)
	m.logger.Error("紧急停止", zap.String("reason", reason))

	var errs []error
	for _, r := range m.runners {
		if err := r.send(ctx, command{kind: cmdEmergency}); err != nil {
			errs = append(errs, err)
		}
	}
	m.setStatus(models.StatusEmergency)
	m.checkpointRisk()
	rs := m.risk.State()
	m.metrics.Session(rs.DailyPnL, m.cover.Multiplier(), true)

	err := errors.Join(errs...)
	if err != nil {
		m.recordEvent("", "EmergencyStopIncomplete", levelError, err.Error())
	}
	return m.result(err)
}

// ClearEmergency 手动解除紧急停止，之后处于 paused，需要 resume 才会下单
func (m *Manager) ClearEmergency(ctx context.Context) CommandResult {
	m.emergencyM.Lock()
	defer m.emergencyM.Unlock()

	if !m.risk.EmergencyStopped() && m.Status() != models.StatusEmergency {
		return m.result(nil)
	}
	m.risk.ClearEmergency()
	var errs []error
	for _, r := range m.runners {
		if err := r.send(ctx, command{kind: cmdResume}); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	m.deferred = ""
	m.mu.Unlock()
	m.setStatus(models.StatusPaused)
	m.checkpointRisk()
	rs := m.risk.State()
	m.metrics.Session(rs.DailyPnL, m.cover.Multiplier(), false)
	m.recordEvent("", "ClearEmergency", levelInfo, "emergency stop cleared")
	return m.result(errors.Join(errs...))
}

// UpdateConfig 校验并应用部分配置，交易对参数在各自循环的两个 tick 之间生效
func (m *Manager) UpdateConfig(ctx context.Context, patch []byte) CommandResult {
	m.cfgMu.Lock()
	next, err := config.ApplyPatch(m.cfg, patch)
	if err != nil {
		m.cfgMu.Unlock()
		m.recordEvent("", "ConfigRejected", levelWarn, err.Error())
		return m.result(err)
	}
	m.cfg = next
	m.cfgMu.Unlock()

	m.risk.SetConfig(next.Risk, next.Symbols)
	m.cover.SetConfig(next.CoverLoss)
	var errs []error
	for _, s := range next.Symbols {
		m.exec.SetSymbolConfig(s)
		if r, ok := m.bySym[s.Symbol]; ok {
			if err := r.send(ctx, command{kind: cmdConfig, cfg: s}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.recordEvent("", "ConfigUpdated", levelInfo, "configuration patch applied")
	return m.result(errors.Join(errs...))
}

// raiseEmergency 由交易循环内部触发。风控闸门立即关闭，撤单与平仓异步进行，
// 同步模式下由驱动方在当前步骤结束后执行。
func (m *Manager) raiseEmergency(reason string) {
	m.risk.TriggerEmergency(reason)
	m.mu.Lock()
	if m.status == models.StatusEmergency || m.status == models.StatusStopping {
		m.mu.Unlock()
		return
	}
	if m.sync {
		if m.deferred == "" {
			m.deferred = reason
		}
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	m.mu.Unlock()
	go m.EmergencyStop(ctx, reason)
}

// runDeferred 同步模式下执行挂起的紧急停止
func (m *Manager) runDeferred(ctx context.Context) {
	m.mu.Lock()
	reason := m.deferred
	m.deferred = ""
	m.mu.Unlock()
	if reason != "" {
		m.EmergencyStop(ctx, reason)
	}
}

// --- 状态 ---

func (m *Manager) tradingEnabled() bool {
	return m.Status() == models.StatusRunning && !m.risk.EmergencyStopped()
}

// Status 当前运行状态
func (m *Manager) Status() models.EngineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SessionID 会话 id，跨重启保持不变
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

func (m *Manager) setStatus(s models.EngineStatus) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Info("状态变更", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Config 当前生效配置的副本
func (m *Manager) Config() *models.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return config.Clone(m.cfg)
}

func (m *Manager) executorConfig() models.ExecutorConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Executor
}

func (m *Manager) riskConfig() models.RiskConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Risk
}

func (m *Manager) feedConfig() models.FeedConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Feed
}

// recordEvent 追加到有界事件日志
func (m *Manager) recordEvent(symbol, code, level, msg string) {
	ev := models.Event{At: time.Now(), Symbol: symbol, Code: code, Level: level, Message: msg}
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = append([]models.Event(nil), m.events[len(m.events)-maxEvents:]...)
	}
	m.mu.Unlock()
}

// Events 事件日志副本，按时间先后
func (m *Manager) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Snapshot 汇总所有交易对的只读视图
func (m *Manager) Snapshot() models.Snapshot {
	symbols := make(map[string]models.SymbolSnapshot, len(m.runners))
	var degraded []string
	for _, r := range m.runners {
		s := r.snapshot()
		symbols[r.symbol] = s
		if s.FeedDegraded {
			degraded = append(degraded, r.symbol)
		}
	}
	riskState := m.risk.State()

	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]models.Event, len(m.events))
	copy(events, m.events)

	health := models.Health{
		DegradedFeeds:    degraded,
		EmergencyStopped: riskState.EmergencyStopped,
	}
	cutoff := time.Now().Add(-recentErrorWindow)
	for _, ev := range events {
		if ev.Level != levelError {
			continue
		}
		health.LastError = ev.Code + ": " + ev.Message
		if ev.At.After(cutoff) {
			health.RecentErrors++
		}
	}
	health.Healthy = !health.EmergencyStopped && len(degraded) == 0 && health.RecentErrors < unhealthyErrors

	return models.Snapshot{
		SessionID: m.sessionID,
		Status:    m.status,
		StartedAt: m.startedAt,
		UpdatedAt: time.Now(),
		Account:   m.account,
		Risk:      riskState,
		CoverLoss: m.cover.State(),
		Symbols:   symbols,
		Health:    health,
		Events:    events,
	}
}

func (m *Manager) result(err error) CommandResult {
	res := CommandResult{OK: err == nil, Snapshot: m.Snapshot()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (m *Manager) checkpoint(st models.SymbolState) {
	if m.state == nil {
		return
	}
	m.state.UpdateSymbol(st)
	m.checkpointRisk()
}

func (m *Manager) checkpointRisk() {
	if m.state == nil {
		return
	}
	m.state.UpdateRisk(m.risk.State(), m.cover.State())
}

func (m *Manager) recordTrade(t models.CompletedTrade) {
	if m.trades == nil {
		return
	}
	if err := m.trades.RecordTrade(t); err != nil {
		m.logger.Warn("记录交易失败", zap.Error(err))
	}
}

func closeEnough(a, b float64) bool {
	d := a - b
	return d > -1e-9 && d < 1e-9
}
