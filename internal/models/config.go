package models

import "time"

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	IsTestnet   bool              `json:"is_testnet" yaml:"is_testnet"` // 是否使用测试网
	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	Symbols     []SymbolConfig    `json:"symbols" yaml:"symbols"`
	Risk        RiskConfig        `json:"risk" yaml:"risk"`
	CoverLoss   CoverLossConfig   `json:"cover_loss" yaml:"cover_loss"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
	Executor    ExecutorConfig    `json:"executor" yaml:"executor"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	API         APIConfig         `json:"api" yaml:"api"`
	Simulation  SimulationConfig  `json:"simulation" yaml:"simulation"`
	LogConfig   LogConfig         `json:"log" yaml:"log"`
}

// ExchangeConfig 交易所连接参数
type ExchangeConfig struct {
	LiveAPIURL               string `json:"live_api_url" yaml:"live_api_url"`
	LiveWSURL                string `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetAPIURL            string `json:"testnet_api_url" yaml:"testnet_api_url"`
	TestnetWSURL             string `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	WebSocketPingIntervalSec int    `json:"websocket_ping_interval_sec,omitempty" yaml:"websocket_ping_interval_sec,omitempty"` // WebSocket Ping 间隔(秒)
	WebSocketPongTimeoutSec  int    `json:"websocket_pong_timeout_sec,omitempty" yaml:"websocket_pong_timeout_sec,omitempty"`   // WebSocket Pong 超时(秒)
	ListenKeyKeepAliveMin    int    `json:"listen_key_keepalive_min,omitempty" yaml:"listen_key_keepalive_min,omitempty"`
}

// APIURL 根据网络选择 REST 地址
func (c *Config) APIURL() string {
	if c.IsTestnet {
		return c.Exchange.TestnetAPIURL
	}
	return c.Exchange.LiveAPIURL
}

// WSURL 根据网络选择 WebSocket 地址
func (c *Config) WSURL() string {
	if c.IsTestnet {
		return c.Exchange.TestnetWSURL
	}
	return c.Exchange.LiveWSURL
}

// SymbolConfig 单个交易对的网格、仓位与风控参数
type SymbolConfig struct {
	Symbol          string          `json:"symbol" yaml:"symbol"` // 交易对，如 "BTCUSDT"
	Grid            GridConfig      `json:"grid" yaml:"grid"`
	OrderSize       float64         `json:"order_size" yaml:"order_size"` // 每格基础下单数量（基础货币）
	Leverage        int             `json:"leverage" yaml:"leverage"`     // 启动时设置的杠杆倍数
	FastReversal    bool            `json:"fast_reversal" yaml:"fast_reversal"`
	MaxPositionSize float64         `json:"max_position_size" yaml:"max_position_size"` // 最大持仓数量（绝对值）
	MaxLeverage     float64         `json:"max_leverage" yaml:"max_leverage"`           // 名义价值/权益 上限
	StopLossPct     float64         `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct,omitempty"`
	TakeProfitPct   float64         `json:"take_profit_pct,omitempty" yaml:"take_profit_pct,omitempty"`
	TrailingStopPct float64         `json:"trailing_stop_pct,omitempty" yaml:"trailing_stop_pct,omitempty"`
	MaxPositionLoss float64         `json:"max_position_loss,omitempty" yaml:"max_position_loss,omitempty"` // 单仓最大浮亏(USDT)
	TickSize        float64         `json:"tick_size" yaml:"tick_size"`
	StepSize        float64         `json:"step_size" yaml:"step_size"`
	MinNotional     float64         `json:"min_notional" yaml:"min_notional"`
	Indicators      IndicatorConfig `json:"indicators" yaml:"indicators"`
}

// GridConfig 网格参数
type GridConfig struct {
	Low                  float64 `json:"low" yaml:"low"`
	High                 float64 `json:"high" yaml:"high"`
	LevelCount           int     `json:"level_count" yaml:"level_count"`
	Spacing              Spacing `json:"spacing" yaml:"spacing"`
	ATRPeriod            int     `json:"atr_period,omitempty" yaml:"atr_period,omitempty"`
	ATRMultiplier        float64 `json:"atr_multiplier,omitempty" yaml:"atr_multiplier,omitempty"`
	RebuildOnExit        bool    `json:"rebuild_on_exit" yaml:"rebuild_on_exit"`
	RebuildVolatilityPct float64 `json:"rebuild_volatility_pct,omitempty" yaml:"rebuild_volatility_pct,omitempty"` // ATR 相对变化超过该比例时重建
}

// IndicatorConfig 指标参数
type IndicatorConfig struct {
	Policy          string  `json:"policy" yaml:"policy"` // majority | all | any | none
	RSIPeriod       int     `json:"rsi_period" yaml:"rsi_period"`
	RSIOversold     float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	RSIOverbought   float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	MAShort         int     `json:"ma_short" yaml:"ma_short"`
	MALong          int     `json:"ma_long" yaml:"ma_long"`
	BollingerPeriod int     `json:"bollinger_period" yaml:"bollinger_period"`
	BollingerK      float64 `json:"bollinger_k" yaml:"bollinger_k"`
	CandleSec       int     `json:"candle_sec" yaml:"candle_sec"` // K线重采样周期(秒)
	HistoryLength   int     `json:"history_length" yaml:"history_length"`
	SeedFromKlines  bool    `json:"seed_from_klines" yaml:"seed_from_klines"`
}

// CandleInterval K线周期
func (c IndicatorConfig) CandleInterval() time.Duration {
	return time.Duration(c.CandleSec) * time.Second
}

// RiskConfig 会话级风控参数
type RiskConfig struct {
	MaxDailyLoss              float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDailyTrades            int     `json:"max_daily_trades,omitempty" yaml:"max_daily_trades,omitempty"` // 0 表示不限制
	DailyResetHourUTC         int     `json:"daily_reset_hour_utc" yaml:"daily_reset_hour_utc"`
	ClosePositionsOnEmergency bool    `json:"close_positions_on_emergency" yaml:"close_positions_on_emergency"`
}

// CoverLossConfig 补亏倍数参数
type CoverLossConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	BaseMultiplier float64 `json:"base_multiplier" yaml:"base_multiplier"`
	MaxMultiplier  float64 `json:"max_multiplier" yaml:"max_multiplier"`
	ResetThreshold int     `json:"reset_threshold" yaml:"reset_threshold"`
}

// FeedConfig 行情源参数
type FeedConfig struct {
	StaleTimeoutMs  int `json:"stale_timeout_ms" yaml:"stale_timeout_ms"`
	PollIntervalMs  int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	TickBuffer      int `json:"tick_buffer" yaml:"tick_buffer"`
	ReconnectBaseMs int `json:"reconnect_base_ms" yaml:"reconnect_base_ms"`
	ReconnectMaxMs  int `json:"reconnect_max_ms" yaml:"reconnect_max_ms"`
	EventBuffer     int `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty"`
}

// StaleTimeout 推送流判定为陈旧的时长
func (c FeedConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMs) * time.Millisecond
}

// PollInterval 降级后的轮询周期
func (c FeedConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ExecutorConfig 下单执行参数
type ExecutorConfig struct {
	RequestsPerSecond      float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst                  int     `json:"burst" yaml:"burst"`
	AckTimeoutMs           int     `json:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	RetryAttempts          int     `json:"retry_attempts" yaml:"retry_attempts"`                 // 下单失败时的重试次数
	RetryInitialDelayMs    int     `json:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	RetryMaxDelayMs        int     `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	RetryJitter            float64 `json:"retry_jitter" yaml:"retry_jitter"`
	RateLimitBackoffMs     int     `json:"rate_limit_backoff_ms" yaml:"rate_limit_backoff_ms"` // 交易所未给出 Retry-After 时的等待
	ReversalAttempts       int     `json:"reversal_attempts" yaml:"reversal_attempts"`
	CancelConfirmTimeoutMs int     `json:"cancel_confirm_timeout_ms" yaml:"cancel_confirm_timeout_ms"`
	Workers                int     `json:"workers" yaml:"workers"`
	QueueCapacity          int     `json:"queue_capacity" yaml:"queue_capacity"`
	ClientIDPrefix         string  `json:"client_id_prefix" yaml:"client_id_prefix"`
	AccountRefreshSec      int     `json:"account_refresh_sec" yaml:"account_refresh_sec"`
}

// AckTimeout 下单确认超时
func (c ExecutorConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// CancelConfirmTimeout 撤单确认超时
func (c ExecutorConfig) CancelConfirmTimeout() time.Duration {
	return time.Duration(c.CancelConfirmTimeoutMs) * time.Millisecond
}

// PersistenceConfig 持久化参数
type PersistenceConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // badger | redis | none
	DBPath        string `json:"db_path" yaml:"db_path"`
	LedgerPath    string `json:"ledger_path" yaml:"ledger_path"` // sqlite 订单账本，为空则不记录
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
}

// APIConfig HTTP 状态/命令接口
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// SimulationConfig 模拟盘与回测的撮合参数
type SimulationConfig struct {
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	TakerFeeRate   float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"` // 吃单手续费率
	MakerFeeRate   float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"` // 挂单手续费率
	SlippageRate   float64 `json:"slippage_rate" yaml:"slippage_rate"`   // 滑点率
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}
