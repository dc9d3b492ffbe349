package risk

import (
	"math"
	"sync"
	"time"

	"grid-trading-engine/internal/models"

	"go.uber.org/zap"
)

// Intent 一笔待授权的下单意图
type Intent struct {
	Symbol      string
	Side        models.Side
	Quantity    float64
	Price       float64
	CurrentSize float64 // 下单前的有符号持仓
	Purpose     models.OrderPurpose
}

// Decision 授权结果
type Decision struct {
	Allowed bool
	Reason  models.DenyReason
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason models.DenyReason) Decision { return Decision{Reason: reason} }

// Manager 会话级风控，所有交易对共享，方法并发安全
type Manager struct {
	mu           sync.Mutex
	cfg          models.RiskConfig
	limits       map[string]models.SymbolConfig
	state        models.RiskState
	equity       float64
	hasAccount   bool
	insufficient bool
	now          func() time.Time
	logger       *zap.Logger
}

// NewManager 创建风控管理器
func NewManager(cfg models.RiskConfig, symbols []models.SymbolConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		limits: make(map[string]models.SymbolConfig, len(symbols)),
		now:    time.Now,
		logger: logger.With(zap.String("component", "risk")),
	}
	for _, s := range symbols {
		m.limits[s.Symbol] = s
	}
	m.state.DayStart = m.dayStart(m.now())
	return m
}

// SetConfig 在两个 tick 之间替换风控参数
func (m *Manager) SetConfig(cfg models.RiskConfig, symbols []models.SymbolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	for _, s := range symbols {
		m.limits[s.Symbol] = s
	}
}

// SetClock 替换时间源，回测按 K 线时间跨日
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	if m.state.DayStart.IsZero() || m.state.DayStart.After(now()) {
		m.state.DayStart = m.dayStart(now())
	}
}

// Restore 从持久化状态恢复，跨日时清零当日统计，紧急停止标志保持不变
func (m *Manager) Restore(st models.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.rollDay()
}

// Authorize 依次检查：紧急停止、当日亏损、持仓上限、杠杆上限、当日交易次数、余额
func (m *Manager) Authorize(in Intent) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()

	if in.Purpose == models.PurposeExit || in.Purpose == models.PurposeEmergency {
		return allow()
	}

	if m.state.EmergencyStopped {
		return deny(models.ReasonEmergencyStopped)
	}

	if m.cfg.MaxDailyLoss > 0 && m.state.DailyPnL <= -m.cfg.MaxDailyLoss {
		m.setEmergency(string(models.ReasonDailyLossLimit))
		return deny(models.ReasonDailyLossLimit)
	}

	limit := m.limits[in.Symbol]
	newSize := in.CurrentSize + in.Side.Sign()*in.Quantity
	increasing := math.Abs(newSize) > math.Abs(in.CurrentSize)+1e-12

	if increasing && limit.MaxPositionSize > 0 && math.Abs(newSize) > limit.MaxPositionSize+1e-12 {
		return deny(models.ReasonPositionSizeLimit)
	}

	if increasing && limit.MaxLeverage > 0 && m.hasAccount {
		if m.equity <= 0 {
			return deny(models.ReasonInsufficientBalance)
		}
		if math.Abs(newSize)*in.Price/m.equity > limit.MaxLeverage {
			return deny(models.ReasonLeverageLimit)
		}
	}

	if m.cfg.MaxDailyTrades > 0 && m.state.DailyTradeCount >= m.cfg.MaxDailyTrades {
		return deny(models.ReasonDailyTradeLimit)
	}

	if increasing && m.insufficient {
		return deny(models.ReasonInsufficientBalance)
	}

	return allow()
}

// OnFill 记录一次成交，清除余额不足标志
func (m *Manager) OnFill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	m.state.DailyTradeCount++
	m.insufficient = false
}

// OnRealized 累计一次成交带来的已实现盈亏。
// 当日亏损触及上限时置紧急停止并返回 true。
func (m *Manager) OnRealized(pnl float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	m.state.DailyPnL += pnl

	if m.cfg.MaxDailyLoss > 0 && m.state.DailyPnL <= -m.cfg.MaxDailyLoss && !m.state.EmergencyStopped {
		m.setEmergency(string(models.ReasonDailyLossLimit))
		return true
	}
	return false
}

// SetStreaks 记录补亏控制器给出的连亏/连胜次数，每笔平仓交易调用一次
func (m *Manager) SetStreaks(losses, wins int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ConsecutiveLosses = losses
	m.state.ConsecutiveWins = wins
}

// UpdateAccount 刷新账户权益，可用余额为正时清除余额不足标志
func (m *Manager) UpdateAccount(info models.AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = info.Balance + info.UnrealizedPnL
	m.hasAccount = true
	if info.Available > 0 {
		m.insufficient = false
	}
}

// FlagInsufficientBalance 交易所以余额不足拒单后调用，只拒绝新开仓，不触发紧急停止
func (m *Manager) FlagInsufficientBalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.insufficient {
		m.logger.Warn("余额不足，暂停新开仓")
	}
	m.insufficient = true
}

// InsufficientBalance 是否处于余额不足状态
func (m *Manager) InsufficientBalance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insufficient
}

// TriggerEmergency 置紧急停止，已处于紧急停止时返回 false
func (m *Manager) TriggerEmergency(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.EmergencyStopped {
		return false
	}
	m.setEmergency(reason)
	return true
}

// ClearEmergency 手动清除紧急停止，这是唯一的清除途径
func (m *Manager) ClearEmergency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.EmergencyStopped {
		return false
	}
	m.state.EmergencyStopped = false
	m.state.EmergencyReason = ""
	m.state.EmergencyAt = time.Time{}
	m.logger.Info("紧急停止已手动解除")
	return true
}

// EmergencyStopped 是否处于紧急停止
func (m *Manager) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.EmergencyStopped
}

// State 风控状态副本
func (m *Manager) State() models.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay()
	return m.state
}

func (m *Manager) setEmergency(reason string) {
	m.state.EmergencyStopped = true
	m.state.EmergencyReason = reason
	m.state.EmergencyAt = m.now()
	m.logger.Error("触发紧急停止", zap.String("reason", reason), zap.Float64("daily_pnl", m.state.DailyPnL))
}

// rollDay 跨过每日重置时刻时清零当日盈亏与交易次数
func (m *Manager) rollDay() {
	start := m.dayStart(m.now())
	if start.After(m.state.DayStart) {
		if !m.state.DayStart.IsZero() {
			m.logger.Info("每日风控统计重置",
				zap.Float64("daily_pnl", m.state.DailyPnL),
				zap.Int("daily_trades", m.state.DailyTradeCount))
		}
		m.state.DailyPnL = 0
		m.state.DailyTradeCount = 0
		m.state.DayStart = start
	}
}

func (m *Manager) dayStart(now time.Time) time.Time {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.DailyResetHourUTC, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}
