package models

import (
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign 买入为 +1，卖出为 -1
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// TickSource 标识价格来自推送流还是轮询
type TickSource string

const (
	SourceStream TickSource = "stream"
	SourcePoll   TickSource = "poll"
)

// Tick 是一次价格观测
type Tick struct {
	Symbol    string     `json:"symbol"`
	Price     float64    `json:"price"`
	Timestamp time.Time  `json:"timestamp"`
	Source    TickSource `json:"source"`
}

// LevelState 网格档位的占用状态
type LevelState string

const (
	LevelEmpty   LevelState = "empty"
	LevelPending LevelState = "order_pending"
	LevelFilled  LevelState = "filled"
)

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Symbol    string     `json:"symbol"`
	Index     int        `json:"index"`
	Price     float64    `json:"price"`
	State     LevelState `json:"state"`
	Side      Side       `json:"side,omitempty"`     // 占用该档位的订单方向
	OrderID   string     `json:"order_id,omitempty"` // 关联订单的 client id，不持有订单
	FilledQty float64    `json:"filled_qty,omitempty"`
}

// Spacing 网格间距模式
type Spacing string

const (
	SpacingPercentage Spacing = "fixed_percentage"
	SpacingAbsolute   Spacing = "fixed_absolute"
	SpacingATR        Spacing = "atr"
)

// OrderState 订单生命周期状态
type OrderState string

const (
	OrderCreated         OrderState = "created"
	OrderSubmitted       OrderState = "submitted"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitted, OrderRejected},
	OrderSubmitted:       {OrderOpen, OrderRejected, OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// Terminal 终态一旦进入便不可离开
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// CanTransition 判断状态迁移是否合法
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderPurpose 记录订单由哪条逻辑发起
type OrderPurpose string

const (
	PurposeGrid          OrderPurpose = "grid"
	PurposeReversalClose OrderPurpose = "reversal_close"
	PurposeReversalOpen  OrderPurpose = "reversal_open"
	PurposeExit          OrderPurpose = "exit"
	PurposeEmergency     OrderPurpose = "emergency"
)

// Order 是执行器内部跟踪的订单
type Order struct {
	ID           string       `json:"id"` // client order id
	ExchangeID   int64        `json:"exchange_id,omitempty"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	Type         OrderType    `json:"type"`
	Price        float64      `json:"price"`
	Quantity     float64      `json:"quantity"`
	FilledQty    float64      `json:"filled_qty"`
	AvgFillPrice float64      `json:"avg_fill_price"`
	State        OrderState   `json:"state"`
	ReduceOnly   bool         `json:"reduce_only"`
	LevelIndex   int          `json:"level_index"` // -1 表示不绑定网格档位
	Generation   int          `json:"generation"`
	Purpose      OrderPurpose `json:"purpose"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LastError    string       `json:"last_error,omitempty"`
}

// Remaining 未成交数量
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// OrderRequest 提交到交易所的下单请求
type OrderRequest struct {
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	ReduceOnly bool      `json:"reduce_only"`
}

// OrderAck 交易所对下单/撤单/查询的同步应答
type OrderAck struct {
	ClientID   string     `json:"client_id"`
	ExchangeID int64      `json:"exchange_id"`
	Symbol     string     `json:"symbol"`
	State      OrderState `json:"state"`
	FilledQty  float64    `json:"filled_qty"`
	AvgPrice   float64    `json:"avg_price"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OrderEvent 来自交易所推送的订单状态变化
type OrderEvent struct {
	Symbol        string     `json:"symbol"`
	ClientID      string     `json:"client_id"`
	ExchangeID    int64      `json:"exchange_id"`
	State         OrderState `json:"state"`
	CumFilledQty  float64    `json:"cum_filled_qty"`
	LastFillQty   float64    `json:"last_fill_qty"`
	LastFillPrice float64    `json:"last_fill_price"`
	AvgPrice      float64    `json:"avg_price"`
	Reason        string     `json:"reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Position 单个交易对的净持仓，Size 为有符号数量
type Position struct {
	Symbol        string    `json:"symbol"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Leverage      float64   `json:"leverage"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFlat 持仓是否为零
func (p Position) IsFlat() bool {
	return p.Size > -qtyEpsilon && p.Size < qtyEpsilon
}

// Direction 返回持仓方向，空仓时返回空字符串
func (p Position) Direction() Side {
	switch {
	case p.IsFlat():
		return ""
	case p.Size > 0:
		return Buy
	default:
		return Sell
	}
}

const qtyEpsilon = 1e-9

// AccountInfo 账户权益摘要
type AccountInfo struct {
	Balance       float64   `json:"balance"`
	Available     float64   `json:"available"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Signal 指标信号
type Signal string

const (
	SignalBuy     Signal = "buy"
	SignalSell    Signal = "sell"
	SignalNeutral Signal = "neutral"
)

// Opposes 判断信号是否与下单方向相反
func (s Signal) Opposes(side Side) bool {
	return (s == SignalBuy && side == Sell) || (s == SignalSell && side == Buy)
}

// IndicatorValues 指标引擎的最新输出
type IndicatorValues struct {
	RSI            float64           `json:"rsi"`
	ShortMA        float64           `json:"short_ma"`
	LongMA         float64           `json:"long_ma"`
	BollingerUpper float64           `json:"bollinger_upper"`
	BollingerMid   float64           `json:"bollinger_mid"`
	BollingerLower float64           `json:"bollinger_lower"`
	ATR            float64           `json:"atr"`
	Signals        map[string]Signal `json:"signals,omitempty"`
	Aggregate      Signal            `json:"aggregate"`
	Candles        int               `json:"candles"`
}

// RiskState 交易会话级别的风控状态
type RiskState struct {
	DailyPnL          float64   `json:"daily_pnl"`
	DailyTradeCount   int       `json:"daily_trade_count"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	ConsecutiveWins   int       `json:"consecutive_wins"`
	EmergencyStopped  bool      `json:"emergency_stopped"`
	EmergencyReason   string    `json:"emergency_reason,omitempty"`
	EmergencyAt       time.Time `json:"emergency_at,omitempty"`
	DayStart          time.Time `json:"day_start"`
}

// CoverLossState 补亏倍数状态
type CoverLossState struct {
	CurrentMultiplier float64 `json:"current_multiplier"`
	StreakCount       int     `json:"streak_count"`
}

// DenyReason 风控拒单原因
type DenyReason string

const (
	ReasonNone                DenyReason = ""
	ReasonEmergencyStopped    DenyReason = "EmergencyStopped"
	ReasonDailyLossLimit      DenyReason = "DailyLossLimit"
	ReasonPositionSizeLimit   DenyReason = "PositionSizeLimit"
	ReasonLeverageLimit       DenyReason = "LeverageLimit"
	ReasonDailyTradeLimit     DenyReason = "DailyTradeLimit"
	ReasonInsufficientBalance DenyReason = "InsufficientBalance"
)

// ExitReason 强制平仓原因
type ExitReason string

const (
	ExitStopLoss        ExitReason = "StopLoss"
	ExitTakeProfit      ExitReason = "TakeProfit"
	ExitTrailingStop    ExitReason = "TrailingStop"
	ExitMaxPositionLoss ExitReason = "MaxPositionLoss"
)

// FeedEventKind 行情源健康事件类型
type FeedEventKind string

const (
	FeedDegraded FeedEventKind = "FeedDegraded"
	FeedRestored FeedEventKind = "FeedRestored"
)

// FeedEvent 行情源降级/恢复事件
type FeedEvent struct {
	Symbol string        `json:"symbol"`
	Kind   FeedEventKind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// CompletedTrade 记录一笔平仓交易，用于回测报告
type CompletedTrade struct {
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	Profit     float64
	Fee        float64
}

// Candle 一根 K 线
type Candle struct {
	Start time.Time `json:"start"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}
