package indicator

import (
	"grid-trading-engine/internal/models"
)

const (
	NameRSI       = "rsi"
	NameMACross   = "ma_cross"
	NameBollinger = "bollinger"
)

// Engine 计算单个交易对的指标，并按配置的策略聚合信号。
// 不是并发安全的，由所属交易对的循环独占使用。
type Engine struct {
	cfg    models.IndicatorConfig
	series *Series

	shortAbove *bool         // 上一次观察到的短均线相对长均线的位置
	crossSig   models.Signal // K 线收盘时检测到的交叉，被下一次 evaluate 消费
	rsiReady   bool
	lastPrice  float64
	values     models.IndicatorValues
}

// NewEngine 创建指标引擎
func NewEngine(cfg models.IndicatorConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		series:   NewSeries(cfg.CandleInterval(), cfg.HistoryLength),
		crossSig: models.SignalNeutral,
		values:   models.IndicatorValues{Aggregate: models.SignalNeutral},
	}
}

// Seed 用历史 K 线初始化，不产生交叉信号
func (e *Engine) Seed(candles []models.Candle) {
	e.series.Seed(candles)
	e.shortAbove = nil
	e.crossSig = models.SignalNeutral
	if n := len(candles); n > 0 {
		e.lastPrice = candles[n-1].Close
	}
	e.recompute()
	e.crossSig = models.SignalNeutral
	e.evaluate()
}

// OnTick 写入 tick 并返回最新指标值
func (e *Engine) OnTick(t models.Tick) models.IndicatorValues {
	e.lastPrice = t.Price
	if e.series.Add(t) {
		e.recompute()
	}
	e.evaluate()
	return e.Values()
}

// SetConfig 在两个 tick 之间更新参数，K 线周期变化时历史会被清空
func (e *Engine) SetConfig(cfg models.IndicatorConfig) {
	if cfg.CandleSec != e.cfg.CandleSec || cfg.HistoryLength != e.cfg.HistoryLength {
		e.series = NewSeries(cfg.CandleInterval(), cfg.HistoryLength)
		e.shortAbove = nil
	}
	if cfg.MAShort != e.cfg.MAShort || cfg.MALong != e.cfg.MALong {
		e.shortAbove = nil
	}
	e.cfg = cfg
	e.recompute()
	e.evaluate()
}

// Values 返回指标值的副本
func (e *Engine) Values() models.IndicatorValues {
	v := e.values
	if e.values.Signals != nil {
		v.Signals = make(map[string]models.Signal, len(e.values.Signals))
		for k, s := range e.values.Signals {
			v.Signals[k] = s
		}
	}
	return v
}

// ATR 基于已收盘 K 线的平均真实波幅
func (e *Engine) ATR(period int) (float64, bool) {
	return ATR(e.series.Candles(), period)
}

// recompute 在 K 线收盘时更新基于 K 线的指标
func (e *Engine) recompute() {
	closes := e.series.Closes()
	e.values.Candles = len(closes)

	rsi, ok := RSI(closes, e.cfg.RSIPeriod)
	e.values.RSI, e.rsiReady = rsi, ok

	short, okS := SMA(closes, e.cfg.MAShort)
	long, okL := SMA(closes, e.cfg.MALong)
	e.crossSig = models.SignalNeutral
	if okS && okL {
		e.values.ShortMA, e.values.LongMA = short, long
		above := short > long
		if e.shortAbove != nil && *e.shortAbove != above && short != long {
			if above {
				e.crossSig = models.SignalBuy
			} else {
				e.crossSig = models.SignalSell
			}
		}
		if short != long {
			e.shortAbove = &above
		}
	}

	if up, mid, low, ok := Bollinger(closes, e.cfg.BollingerPeriod, e.cfg.BollingerK); ok {
		e.values.BollingerUpper, e.values.BollingerMid, e.values.BollingerLower = up, mid, low
	} else {
		e.values.BollingerUpper, e.values.BollingerMid, e.values.BollingerLower = 0, 0, 0
	}
}

// evaluate 每个 tick 重新计算各指标信号与聚合结果
func (e *Engine) evaluate() {
	signals := map[string]models.Signal{
		NameRSI:       models.SignalNeutral,
		NameMACross:   e.crossSig,
		NameBollinger: models.SignalNeutral,
	}

	if e.rsiReady {
		switch {
		case e.values.RSI < e.cfg.RSIOversold:
			signals[NameRSI] = models.SignalBuy
		case e.values.RSI > e.cfg.RSIOverbought:
			signals[NameRSI] = models.SignalSell
		}
	}

	if e.values.BollingerUpper > e.values.BollingerLower && e.lastPrice > 0 {
		switch {
		case e.lastPrice <= e.values.BollingerLower:
			signals[NameBollinger] = models.SignalBuy
		case e.lastPrice >= e.values.BollingerUpper:
			signals[NameBollinger] = models.SignalSell
		}
	}

	// 交叉信号只在检测到交叉后的第一个 tick 生效
	e.crossSig = models.SignalNeutral

	e.values.Signals = signals
	e.values.Aggregate = Aggregate(e.cfg.Policy, []models.Signal{signals[NameRSI], signals[NameMACross], signals[NameBollinger]})
}

// Aggregate 按策略合并信号：
// majority 过半数同向，all 全部同向，any 至少一个且无相反信号，none 始终中性
func Aggregate(policy string, signals []models.Signal) models.Signal {
	var buys, sells int
	for _, s := range signals {
		switch s {
		case models.SignalBuy:
			buys++
		case models.SignalSell:
			sells++
		}
	}
	n := len(signals)
	if n == 0 {
		return models.SignalNeutral
	}

	switch policy {
	case "majority":
		if buys*2 > n {
			return models.SignalBuy
		}
		if sells*2 > n {
			return models.SignalSell
		}
	case "all":
		if buys == n {
			return models.SignalBuy
		}
		if sells == n {
			return models.SignalSell
		}
	case "any":
		if buys > 0 && sells == 0 {
			return models.SignalBuy
		}
		if sells > 0 && buys == 0 {
			return models.SignalSell
		}
	}
	return models.SignalNeutral
}
