package coverloss

import (
	"math"
	"sync"

	"grid-trading-engine/internal/models"
)

// Controller 根据连续亏损/盈利次数计算下单倍数，进程内所有交易对共享
type Controller struct {
	mu    sync.Mutex
	cfg   models.CoverLossConfig
	state models.CoverLossState

	losses int
	wins   int
}

// NewController 创建补亏控制器
func NewController(cfg models.CoverLossConfig) *Controller {
	return &Controller{cfg: cfg, state: models.CoverLossState{CurrentMultiplier: 1}}
}

// Restore 从风控状态中的连亏/连胜计数恢复，倍数由计数推导
func (c *Controller) Restore(losses, wins int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.losses, c.wins = losses, wins
	c.recompute()
}

// SetConfig 更新参数，倍数按新参数重新计算
func (c *Controller) SetConfig(cfg models.CoverLossConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.recompute()
}

// OnTradeClosed 记录一笔平仓结果并返回新的状态
func (c *Controller) OnTradeClosed(realizedPnL float64) models.CoverLossState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if realizedPnL < 0 {
		c.losses++
		c.wins = 0
	} else {
		c.wins++
		if c.cfg.ResetThreshold > 0 && c.wins >= c.cfg.ResetThreshold {
			c.losses = 0
			c.wins = 0
		}
	}
	c.recompute()
	return c.state
}

// Streaks 当前连亏、连胜次数
func (c *Controller) Streaks() (losses, wins int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.losses, c.wins
}

// Multiplier 当前倍数，未启用时恒为 1
func (c *Controller) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CurrentMultiplier
}

// Scale 将基础下单量乘以当前倍数
func (c *Controller) Scale(baseQty float64) float64 {
	return baseQty * c.Multiplier()
}

// State 状态副本
func (c *Controller) State() models.CoverLossState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) recompute() {
	c.state.StreakCount = c.losses
	if !c.cfg.Enabled || c.losses == 0 {
		c.state.CurrentMultiplier = 1
		return
	}
	m := math.Pow(c.cfg.BaseMultiplier, float64(c.losses))
	if c.cfg.MaxMultiplier > 0 && m > c.cfg.MaxMultiplier {
		m = c.cfg.MaxMultiplier
	}
	if m < 1 {
		m = 1
	}
	c.state.CurrentMultiplier = m
}
