package indicator

import (
	"math"

	"grid-trading-engine/internal/models"
)

// RSI 使用 Wilder 平滑计算相对强弱指数，数据不足 period+1 个时返回 false
func RSI(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		var g, l float64
		if change > 0 {
			g = change
		} else {
			l = -change
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// SMA 最近 period 个值的简单均值
func SMA(values []float64, period int) (float64, bool) {
	if period < 1 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// Bollinger 返回上轨、中轨、下轨（总体标准差）
func Bollinger(closes []float64, period int, k float64) (upper, mid, lower float64, ok bool) {
	mid, ok = SMA(closes, period)
	if !ok {
		return 0, 0, 0, false
	}
	var variance float64
	for _, v := range closes[len(closes)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return mid + k*sd, mid, mid - k*sd, true
}

// ATR 最近 period 个真实波幅的简单均值，需要 period+1 根 K 线
func ATR(candles []models.Candle, period int) (float64, bool) {
	if period < 1 || len(candles) < period+1 {
		return 0, false
	}
	var sum float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
		sum += tr
	}
	return sum / float64(period), true
}
