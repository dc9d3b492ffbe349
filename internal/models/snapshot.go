package models

import "time"

// EngineStatus 交易管理器的运行状态
type EngineStatus string

const (
	StatusIdle      EngineStatus = "idle"
	StatusRunning   EngineStatus = "running"
	StatusPaused    EngineStatus = "paused"
	StatusStopping  EngineStatus = "stopping"
	StatusStopped   EngineStatus = "stopped"
	StatusEmergency EngineStatus = "emergency_stopped"
)

// Event 带时间戳和原因码的运行事件，进入快照的有界事件日志
type Event struct {
	At      time.Time `json:"at"`
	Symbol  string    `json:"symbol,omitempty"`
	Code    string    `json:"code"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SymbolSnapshot 单个交易对的只读视图
type SymbolSnapshot struct {
	Symbol         string          `json:"symbol"`
	LastTick       Tick            `json:"last_tick"`
	FeedDegraded   bool            `json:"feed_degraded"`
	Position       Position        `json:"position"`
	GridLow        float64         `json:"grid_low"`
	GridHigh       float64         `json:"grid_high"`
	GridGeneration int             `json:"grid_generation"`
	Rebuilding     bool            `json:"rebuilding"`
	Levels         []GridLevel     `json:"levels"`
	Indicators     IndicatorValues `json:"indicators"`
	OpenOrders     []Order         `json:"open_orders"`
	PendingLeg     bool            `json:"pending_leg"`
	TrailingStop   float64         `json:"trailing_stop,omitempty"`
}

// Health 健康检查摘要
type Health struct {
	Healthy          bool     `json:"healthy"`
	DegradedFeeds    []string `json:"degraded_feeds,omitempty"`
	RecentErrors     int      `json:"recent_errors"`
	LastError        string   `json:"last_error,omitempty"`
	EmergencyStopped bool     `json:"emergency_stopped"`
}

// Snapshot 对外暴露的完整状态快照
type Snapshot struct {
	SessionID string                    `json:"session_id"`
	Status    EngineStatus              `json:"status"`
	StartedAt time.Time                 `json:"started_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Account   AccountInfo               `json:"account"`
	Risk      RiskState                 `json:"risk"`
	CoverLoss CoverLossState            `json:"cover_loss"`
	Symbols   map[string]SymbolSnapshot `json:"symbols"`
	Health    Health                    `json:"health"`
	Events    []Event                   `json:"events"`
}
