package position

import (
	"math"
	"time"

	"grid-trading-engine/internal/models"
)

const epsilon = 1e-9

// FillResult 一次成交对持仓的影响
type FillResult struct {
	ClosedQty   float64 // 被平掉的数量
	RealizedPnL float64 // 本次成交实现的盈亏
	Reversed    bool    // 持仓方向是否翻转
	Closed      bool    // 成交后是否变为空仓
	PrevSide    models.Side
}

// Tracker 维护单个交易对的净持仓。由交易对循环独占使用。
type Tracker struct {
	pos models.Position
	now func() time.Time
}

// NewTracker 创建空仓
func NewTracker(symbol string) *Tracker {
	return &Tracker{pos: models.Position{Symbol: symbol}, now: time.Now}
}

// ApplyFill 按成交更新持仓：同向加仓按加权均价，反向先平仓再以成交价开出剩余部分
func (t *Tracker) ApplyFill(side models.Side, qty, price float64) FillResult {
	if qty <= 0 {
		return FillResult{}
	}
	p := &t.pos
	res := FillResult{PrevSide: p.Direction()}
	signed := qty * side.Sign()

	switch {
	case p.IsFlat():
		p.Size = signed
		p.EntryPrice = price
	case (p.Size > 0) == (signed > 0):
		newSize := p.Size + signed
		p.EntryPrice = (p.EntryPrice*math.Abs(p.Size) + price*qty) / math.Abs(newSize)
		p.Size = newSize
	default:
		closed := math.Min(qty, math.Abs(p.Size))
		sign := 1.0
		if p.Size < 0 {
			sign = -1
		}
		res.ClosedQty = closed
		res.RealizedPnL = (price - p.EntryPrice) * closed * sign
		p.RealizedPnL += res.RealizedPnL

		newSize := p.Size + signed
		switch {
		case math.Abs(newSize) < epsilon:
			p.Size = 0
			p.EntryPrice = 0
			res.Closed = true
		case (newSize > 0) != (p.Size > 0):
			p.Size = newSize
			p.EntryPrice = price
			res.Reversed = true
		default:
			p.Size = newSize
		}
	}

	t.revalue()
	return res
}

// Mark 用最新价格重算未实现盈亏
func (t *Tracker) Mark(price float64) {
	if price <= 0 {
		return
	}
	t.pos.MarkPrice = price
	t.revalue()
}

// SetLeverage 记录交易所杠杆设置
func (t *Tracker) SetLeverage(leverage float64) {
	t.pos.Leverage = leverage
}

// Reset 以交易所返回的持仓覆盖本地状态，已实现盈亏保留本地累计值
func (t *Tracker) Reset(p models.Position) {
	prev := t.pos
	t.pos = p
	t.pos.Symbol = prev.Symbol
	realized, lev, mark := prev.RealizedPnL, prev.Leverage, prev.MarkPrice
	if t.pos.RealizedPnL == 0 {
		t.pos.RealizedPnL = realized
	}
	if t.pos.Leverage == 0 {
		t.pos.Leverage = lev
	}
	if t.pos.MarkPrice == 0 {
		t.pos.MarkPrice = mark
	}
	if t.pos.IsFlat() {
		t.pos.Size = 0
		t.pos.EntryPrice = 0
	}
	t.revalue()
}

// Snapshot 返回持仓副本
func (t *Tracker) Snapshot() models.Position {
	return t.pos
}

func (t *Tracker) revalue() {
	p := &t.pos
	if p.IsFlat() || p.MarkPrice <= 0 {
		p.UnrealizedPnL = 0
	} else {
		p.UnrealizedPnL = (p.MarkPrice - p.EntryPrice) * p.Size
	}
	p.UpdatedAt = t.now()
}
