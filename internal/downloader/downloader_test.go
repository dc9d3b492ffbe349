package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pagedSource 每次返回最多 per 根一分钟K线，第一次调用失败一次
type pagedSource struct {
	end      time.Time
	per      int
	calls    int
	failOnce bool
}

func (s *pagedSource) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*futures.Kline, error) {
	s.calls++
	if s.failOnce {
		s.failOnce = false
		return nil, errors.New("timeout")
	}
	var out []*futures.Kline
	for t := start.Truncate(time.Minute); len(out) < s.per && t.Before(s.end.Add(time.Hour)); t = t.Add(time.Minute) {
		p := strconv.Itoa(40000 + len(out))
		out = append(out, &futures.Kline{
			OpenTime:  t.UnixMilli(),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    "1",
			CloseTime: t.Add(time.Minute).UnixMilli() - 1,
		})
	}
	return out, nil
}

func TestDownloadThenLoad(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Minute)
	src := &pagedSource{end: end, per: 10, failOnce: true}
	d := NewKlineDownloaderWithSource(src, zap.NewNop())
	d.pause = 0

	path := filepath.Join(t.TempDir(), "btcusdt-2025-03-01.csv")
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, start, end))

	candles, err := LoadCandles(path, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, candles, 25)
	assert.Equal(t, start, candles[0].Start.UTC())
	assert.Equal(t, 40000.0, candles[0].Open)
	assert.Equal(t, 40004.0, candles[24].Close, "page restarts at 40000")

	// 文件已存在时直接使用缓存
	calls := src.calls
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, start, end))
	assert.Equal(t, calls, src.calls)
	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestReadCandlesSkipsBadRows(t *testing.T) {
	data := strings.Join([]string{
		strings.Join(csvHeader, ","),
		"1700000000000,1,2,0.5,1.5",
		"bad,1,2,3,4",
		"1700000060000,1.5",
		"1700000060000,1.5,2.5,1,2",
	}, "\n")
	candles, err := ReadCandles(strings.NewReader(data), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 2.0, candles[1].Close)

	_, err = ReadCandles(strings.NewReader(strings.Join(csvHeader, ",")), zap.NewNop())
	assert.Error(t, err)
}

func TestSymbolFromPathAndInterval(t *testing.T) {
	assert.Equal(t, "BNBUSDT", SymbolFromPath("data/bnbusdt-2025-03-15-2025-06-15.csv"))
	assert.Equal(t, "ETHUSDT", SymbolFromPath("ETHUSDT.csv"))

	iv, ok := Interval(15 * time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "15m", iv)
	_, ok = Interval(7 * time.Minute)
	assert.False(t, ok)
}
