package indicator

import (
	"time"

	"grid-trading-engine/internal/models"
)

// Series 将 tick 重采样为固定周期的 K 线，只保留最近 max 根已收盘 K 线
type Series struct {
	interval time.Duration
	max      int
	closed   []models.Candle
	current  *models.Candle
}

// NewSeries 创建 K 线序列
func NewSeries(interval time.Duration, max int) *Series {
	if interval <= 0 {
		interval = time.Minute
	}
	if max < 2 {
		max = 2
	}
	return &Series{interval: interval, max: max}
}

// Add 写入一个 tick，返回是否有 K 线收盘
func (s *Series) Add(t models.Tick) bool {
	bucket := t.Timestamp.Truncate(s.interval)
	if s.current == nil {
		s.current = &models.Candle{Start: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price}
		return false
	}
	switch {
	case bucket.Equal(s.current.Start):
		if t.Price > s.current.High {
			s.current.High = t.Price
		}
		if t.Price < s.current.Low {
			s.current.Low = t.Price
		}
		s.current.Close = t.Price
		return false
	case bucket.After(s.current.Start):
		s.push(*s.current)
		s.current = &models.Candle{Start: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price}
		return true
	default:
		// 迟到的 tick 不回写已收盘的 K 线
		return false
	}
}

// Seed 用历史 K 线替换当前序列
func (s *Series) Seed(candles []models.Candle) {
	s.closed = s.closed[:0]
	s.current = nil
	for _, c := range candles {
		s.push(c)
	}
}

func (s *Series) push(c models.Candle) {
	s.closed = append(s.closed, c)
	if over := len(s.closed) - s.max; over > 0 {
		s.closed = append(s.closed[:0], s.closed[over:]...)
	}
}

// Candles 已收盘 K 线
func (s *Series) Candles() []models.Candle {
	return s.closed
}

// Closes 已收盘 K 线的收盘价
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.closed))
	for i, c := range s.closed {
		out[i] = c.Close
	}
	return out
}

// Len 已收盘 K 线数量
func (s *Series) Len() int {
	return len(s.closed)
}
