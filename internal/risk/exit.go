package risk

import (
	"math"

	"grid-trading-engine/internal/models"
)

// ExitMonitor 每个 tick 检查单个持仓的止损、止盈、移动止损与最大浮亏。
// 由交易对循环独占使用。
type ExitMonitor struct {
	cfg  models.SymbolConfig
	side models.Side
	best float64
	stop float64
}

// NewExitMonitor 创建持仓退出监控
func NewExitMonitor(cfg models.SymbolConfig) *ExitMonitor {
	return &ExitMonitor{cfg: cfg}
}

// SetConfig 更新阈值，已上移的移动止损保持不变
func (m *ExitMonitor) SetConfig(cfg models.SymbolConfig) {
	m.cfg = cfg
}

// TrailingStop 当前移动止损价，未启用或空仓时为 0
func (m *ExitMonitor) TrailingStop() float64 {
	return m.stop
}

// Reset 清除移动止损状态
func (m *ExitMonitor) Reset() {
	m.side, m.best, m.stop = "", 0, 0
}

// Check 返回需要强制平仓的原因
func (m *ExitMonitor) Check(pos models.Position, price float64) (models.ExitReason, bool) {
	if pos.IsFlat() || price <= 0 || pos.EntryPrice <= 0 {
		m.Reset()
		return "", false
	}
	dir := pos.Direction()
	if dir != m.side {
		m.Reset()
		m.side = dir
	}
	m.ratchet(price)

	long := dir == models.Buy
	entry := pos.EntryPrice
	unrealized := (price - entry) * pos.Size

	if m.cfg.MaxPositionLoss > 0 && unrealized <= -m.cfg.MaxPositionLoss {
		return models.ExitMaxPositionLoss, true
	}
	if sl := m.cfg.StopLossPct; sl > 0 {
		if (long && price <= entry*(1-sl)) || (!long && price >= entry*(1+sl)) {
			return models.ExitStopLoss, true
		}
	}
	if m.stop > 0 {
		if (long && price <= m.stop) || (!long && price >= m.stop) {
			return models.ExitTrailingStop, true
		}
	}
	if tp := m.cfg.TakeProfitPct; tp > 0 {
		if (long && price >= entry*(1+tp)) || (!long && price <= entry*(1-tp)) {
			return models.ExitTakeProfit, true
		}
	}
	return "", false
}

// ratchet 只向有利方向移动止损价
func (m *ExitMonitor) ratchet(price float64) {
	pct := m.cfg.TrailingStopPct
	if pct <= 0 {
		m.best, m.stop = 0, 0
		return
	}
	if m.side == models.Buy {
		if price > m.best {
			m.best = price
		}
		m.stop = math.Max(m.stop, m.best*(1-pct))
		return
	}
	if m.best == 0 || price < m.best {
		m.best = price
	}
	candidate := m.best * (1 + pct)
	if m.stop == 0 || candidate < m.stop {
		m.stop = candidate
	}
}
