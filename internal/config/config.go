package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"grid-trading-engine/internal/models"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件（.json / .yaml / .yml），未知字段直接报错
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = decodeJSON(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSON(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	// 只允许一个 JSON 文档
	if dec.More() {
		return errors.New("配置文件包含多余内容")
	}
	return nil
}

func decodeYAML(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyDefaults 为未填写的字段设置默认值
func ApplyDefaults(cfg *models.Config) {
	ex := &cfg.Exchange
	setString(&ex.LiveAPIURL, "https://fapi.binance.com")
	setString(&ex.LiveWSURL, "wss://fstream.binance.com")
	setString(&ex.TestnetAPIURL, "https://testnet.binancefuture.com")
	setString(&ex.TestnetWSURL, "wss://stream.binancefuture.com")
	setInt(&ex.WebSocketPingIntervalSec, 30)
	setInt(&ex.WebSocketPongTimeoutSec, 60)
	setInt(&ex.ListenKeyKeepAliveMin, 30)

	for i := range cfg.Symbols {
		applySymbolDefaults(&cfg.Symbols[i])
	}

	if cfg.CoverLoss.BaseMultiplier == 0 {
		cfg.CoverLoss.BaseMultiplier = 1.5
	}
	if cfg.CoverLoss.MaxMultiplier == 0 {
		cfg.CoverLoss.MaxMultiplier = 5
	}
	setInt(&cfg.CoverLoss.ResetThreshold, 2)

	f := &cfg.Feed
	setInt(&f.StaleTimeoutMs, 10000)
	setInt(&f.PollIntervalMs, 2000)
	setInt(&f.TickBuffer, 256)
	setInt(&f.ReconnectBaseMs, 1000)
	setInt(&f.ReconnectMaxMs, 30000)
	setInt(&f.EventBuffer, 16)

	e := &cfg.Executor
	if e.RequestsPerSecond == 0 {
		e.RequestsPerSecond = 10
	}
	setInt(&e.Burst, 20)
	setInt(&e.AckTimeoutMs, 5000)
	setInt(&e.RetryAttempts, 3)
	setInt(&e.RetryInitialDelayMs, 200)
	setInt(&e.RetryMaxDelayMs, 5000)
	if e.RetryJitter == 0 {
		e.RetryJitter = 0.1
	}
	setInt(&e.RateLimitBackoffMs, 1000)
	setInt(&e.ReversalAttempts, 5)
	setInt(&e.CancelConfirmTimeoutMs, 10000)
	setInt(&e.Workers, 8)
	setInt(&e.QueueCapacity, 256)
	setString(&e.ClientIDPrefix, "ge")
	setInt(&e.AccountRefreshSec, 30)

	p := &cfg.Persistence
	setString(&p.Backend, "badger")
	setString(&p.DBPath, "data/state")
	setString(&p.RedisKey, "grid-engine:state")

	setString(&cfg.API.Listen, ":8080")

	if cfg.Simulation.InitialBalance == 0 {
		cfg.Simulation.InitialBalance = 10000
	}

	setString(&cfg.LogConfig.Level, "info")
	setString(&cfg.LogConfig.Output, "console")
}

func applySymbolDefaults(s *models.SymbolConfig) {
	s.Symbol = strings.ToUpper(s.Symbol)
	if s.Grid.Spacing == "" {
		s.Grid.Spacing = models.SpacingAbsolute
	}
	setInt(&s.Grid.ATRPeriod, 14)
	if s.Grid.ATRMultiplier == 0 {
		s.Grid.ATRMultiplier = 1
	}
	setInt(&s.Leverage, 1)
	if s.MaxLeverage == 0 {
		s.MaxLeverage = float64(s.Leverage)
	}
	if s.TickSize == 0 {
		s.TickSize = 0.01
	}
	if s.StepSize == 0 {
		s.StepSize = 0.001
	}

	ind := &s.Indicators
	setString(&ind.Policy, "none")
	setInt(&ind.RSIPeriod, 14)
	if ind.RSIOversold == 0 {
		ind.RSIOversold = 30
	}
	if ind.RSIOverbought == 0 {
		ind.RSIOverbought = 70
	}
	setInt(&ind.MAShort, 7)
	setInt(&ind.MALong, 25)
	setInt(&ind.BollingerPeriod, 20)
	if ind.BollingerK == 0 {
		ind.BollingerK = 2
	}
	setInt(&ind.CandleSec, 60)
	setInt(&ind.HistoryLength, 200)
}

// Validate 校验配置，返回所有问题的合并错误
func Validate(cfg *models.Config) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(cfg.Symbols) == 0 {
		add("至少需要配置一个交易对")
	}
	seen := make(map[string]bool)
	for _, s := range cfg.Symbols {
		if s.Symbol == "" {
			add("交易对名称不能为空")
			continue
		}
		if seen[s.Symbol] {
			add("%s: 交易对重复", s.Symbol)
		}
		seen[s.Symbol] = true
		errs = append(errs, validateSymbol(s)...)
	}

	if cfg.Risk.MaxDailyLoss <= 0 {
		add("risk.max_daily_loss 必须大于 0")
	}
	if cfg.Risk.MaxDailyTrades < 0 {
		add("risk.max_daily_trades 不能为负数")
	}
	if cfg.Risk.DailyResetHourUTC < 0 || cfg.Risk.DailyResetHourUTC > 23 {
		add("risk.daily_reset_hour_utc 必须在 0-23 之间")
	}

	cl := cfg.CoverLoss
	if cl.BaseMultiplier < 1 {
		add("cover_loss.base_multiplier 不能小于 1")
	}
	if cl.MaxMultiplier < 1 {
		add("cover_loss.max_multiplier 不能小于 1")
	}
	if cl.ResetThreshold < 1 {
		add("cover_loss.reset_threshold 不能小于 1")
	}

	f := cfg.Feed
	if f.StaleTimeoutMs <= 0 || f.PollIntervalMs <= 0 || f.TickBuffer <= 0 {
		add("feed 的超时、轮询周期和缓冲区必须为正数")
	}
	if f.ReconnectBaseMs <= 0 || f.ReconnectMaxMs < f.ReconnectBaseMs {
		add("feed.reconnect_max_ms 必须不小于 reconnect_base_ms")
	}

	e := cfg.Executor
	if e.RequestsPerSecond <= 0 || e.Burst <= 0 {
		add("executor 的限速参数必须为正数")
	}
	if e.AckTimeoutMs <= 0 || e.CancelConfirmTimeoutMs <= 0 {
		add("executor 的确认超时必须为正数")
	}
	if e.RetryAttempts < 1 || e.ReversalAttempts < 1 {
		add("executor 的重试次数不能小于 1")
	}
	if e.RetryJitter < 0 || e.RetryJitter >= 1 {
		add("executor.retry_jitter 必须在 [0, 1) 区间")
	}
	if len(e.ClientIDPrefix) > 8 {
		add("executor.client_id_prefix 不能超过 8 个字符")
	}

	switch cfg.Persistence.Backend {
	case "badger", "none":
	case "redis":
		if cfg.Persistence.RedisAddr == "" {
			add("persistence.redis_addr 不能为空")
		}
	default:
		add("未知的持久化后端: %s", cfg.Persistence.Backend)
	}

	return errors.Join(errs...)
}

func validateSymbol(s models.SymbolConfig) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(s.Symbol+": "+format, args...))
	}

	g := s.Grid
	if g.Low <= 0 || g.High <= g.Low {
		add("网格区间无效 low=%v high=%v", g.Low, g.High)
	}
	if g.LevelCount < 2 {
		add("grid.level_count 至少为 2")
	}
	switch g.Spacing {
	case models.SpacingAbsolute, models.SpacingPercentage:
	case models.SpacingATR:
		if g.ATRPeriod <= 0 || g.ATRMultiplier <= 0 {
			add("atr 间距需要正的 atr_period 和 atr_multiplier")
		}
	default:
		add("未知的网格间距模式: %s", g.Spacing)
	}
	if g.RebuildVolatilityPct < 0 {
		add("grid.rebuild_volatility_pct 不能为负数")
	}

	if s.OrderSize <= 0 {
		add("order_size 必须大于 0")
	}
	if s.MaxPositionSize < s.OrderSize {
		add("max_position_size 不能小于 order_size")
	}
	if s.Leverage < 1 || s.MaxLeverage <= 0 {
		add("杠杆参数必须为正数")
	}
	for name, v := range map[string]float64{
		"stop_loss_pct":     s.StopLossPct,
		"take_profit_pct":   s.TakeProfitPct,
		"trailing_stop_pct": s.TrailingStopPct,
	} {
		if v < 0 || v >= 1 {
			add("%s 必须在 [0, 1) 区间 (0.02 表示 2%%)", name)
		}
	}
	if s.MaxPositionLoss < 0 {
		add("max_position_loss 不能为负数")
	}
	if s.TickSize <= 0 || s.StepSize <= 0 || s.MinNotional < 0 {
		add("tick_size/step_size 必须为正数")
	}

	ind := s.Indicators
	switch ind.Policy {
	case "majority", "all", "any", "none":
	default:
		add("未知的指标聚合策略: %s", ind.Policy)
	}
	if ind.RSIOversold >= ind.RSIOverbought {
		add("rsi_oversold 必须小于 rsi_overbought")
	}
	if ind.MAShort >= ind.MALong {
		add("ma_short 必须小于 ma_long")
	}
	if ind.RSIPeriod < 1 || ind.BollingerPeriod < 2 || ind.CandleSec < 1 || ind.HistoryLength < 2 {
		add("指标周期参数无效")
	}
	return errs
}

// ApplyPatch 将部分更新应用到配置副本上并重新校验。
// symbols 以 symbol 字段匹配已有交易对，不允许运行时新增交易对。
func ApplyPatch(current *models.Config, patch []byte) (*models.Config, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("配置补丁不是 JSON 对象: %w", err)
	}

	next := Clone(current)
	symbolsPatch, hasSymbols := fields["symbols"]
	delete(fields, "symbols")

	if len(fields) > 0 {
		rest, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(rest, next); err != nil {
			return nil, fmt.Errorf("配置补丁无效: %w", err)
		}
	}

	if hasSymbols {
		var items []json.RawMessage
		if err := json.Unmarshal(symbolsPatch, &items); err != nil {
			return nil, fmt.Errorf("symbols 补丁必须是数组: %w", err)
		}
		for _, item := range items {
			var key struct {
				Symbol string `json:"symbol"`
			}
			if err := json.Unmarshal(item, &key); err != nil || key.Symbol == "" {
				return nil, errors.New("symbols 补丁的每一项都需要 symbol 字段")
			}
			idx := indexOfSymbol(next, strings.ToUpper(key.Symbol))
			if idx < 0 {
				return nil, fmt.Errorf("不允许运行时新增交易对: %s", key.Symbol)
			}
			if err := decodeJSON(item, &next.Symbols[idx]); err != nil {
				return nil, fmt.Errorf("%s 补丁无效: %w", key.Symbol, err)
			}
		}
	}

	ApplyDefaults(next)
	if err := Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Clone 深拷贝配置
func Clone(cfg *models.Config) *models.Config {
	cp := *cfg
	cp.Symbols = make([]models.SymbolConfig, len(cfg.Symbols))
	copy(cp.Symbols, cfg.Symbols)
	return &cp
}

// Symbol 按名称查找交易对配置
func Symbol(cfg *models.Config, symbol string) (models.SymbolConfig, bool) {
	if idx := indexOfSymbol(cfg, symbol); idx >= 0 {
		return cfg.Symbols[idx], true
	}
	return models.SymbolConfig{}, false
}

func indexOfSymbol(cfg *models.Config, symbol string) int {
	for i := range cfg.Symbols {
		if cfg.Symbols[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
