package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/retry"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// 币安单次请求最多返回 1500 条合约K线
const pageLimit = 1500

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineSource 分页获取K线，测试中可替换
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*futures.Kline, error)
}

type futuresSource struct {
	client *futures.Client
}

func (s futuresSource) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]*futures.Kline, error) {
	return s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		Limit(limit).
		Do(ctx)
}

// KlineDownloader 用于从币安合约接口下载K线数据
type KlineDownloader struct {
	src    KlineSource
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例，公共接口不需要 API Key
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	return NewKlineDownloaderWithSource(futuresSource{client: binance.NewFuturesClient("", "")}, logger)
}

// NewKlineDownloaderWithSource 使用指定的数据源
func NewKlineDownloaderWithSource(src KlineSource, logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{
		src:    src,
		pause:  200 * time.Millisecond,
		logger: logger.With(zap.String("component", "downloader")),
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	n, err := d.write(ctx, file, symbol, interval, startTime, endTime)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return err
	}
	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("rows", n))
	return nil
}

func (d *KlineDownloader) write(ctx context.Context, w io.Writer, symbol, interval string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	policy := retry.DefaultPolicy
	for t := startTime; t.Before(endTime); {
		var klines []*futures.Kline
		err := retry.Do(ctx, policy, func(err error) bool { return !errors.Is(err, context.Canceled) }, func(ctx context.Context) error {
			var err error
			klines, err = d.src.Klines(ctx, symbol, interval, t, pageLimit)
			return err
		})
		if err != nil {
			return rows, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if !time.UnixMilli(k.OpenTime).Before(endTime) {
				break
			}
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.Time("until", t))
		if err := retry.Sleep(ctx, d.pause); err != nil {
			return rows, err
		}
	}
	writer.Flush()
	return rows, writer.Error()
}

// LoadCandles 读取 DownloadKlines 写出的CSV文件，无法解析的行被跳过
func LoadCandles(path string, logger *zap.Logger) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()
	return ReadCandles(file, logger)
}

// ReadCandles 解析CSV格式的K线，第一行为表头
func ReadCandles(r io.Reader, logger *zap.Logger) ([]models.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 {
		return nil, errors.New("历史数据文件为空或只有表头")
	}

	candles := make([]models.Candle, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < 5 {
			logger.Warn("K线字段不足，跳过", zap.Strings("record", record))
			continue
		}
		ts, errT := strconv.ParseInt(record[0], 10, 64)
		open, errO := strconv.ParseFloat(record[1], 64)
		high, errH := strconv.ParseFloat(record[2], 64)
		low, errL := strconv.ParseFloat(record[3], 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if err := errors.Join(errT, errO, errH, errL, errC); err != nil {
			logger.Warn("无法解析K线数据，跳过此条记录", zap.Strings("record", record), zap.Error(err))
			continue
		}
		candles = append(candles, models.Candle{
			Start: time.UnixMilli(ts),
			Open:  open,
			High:  high,
			Low:   low,
			Close: closePrice,
		})
	}
	if len(candles) == 0 {
		return nil, errors.New("历史数据文件中没有有效的K线")
	}
	return candles, nil
}

// SymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	parts := strings.Split(name, "-")
	return strings.ToUpper(parts[0])
}

var intervals = []struct {
	d    time.Duration
	name string
}{
	{time.Minute, "1m"},
	{3 * time.Minute, "3m"},
	{5 * time.Minute, "5m"},
	{15 * time.Minute, "15m"},
	{30 * time.Minute, "30m"},
	{time.Hour, "1h"},
	{2 * time.Hour, "2h"},
	{4 * time.Hour, "4h"},
	{6 * time.Hour, "6h"},
	{8 * time.Hour, "8h"},
	{12 * time.Hour, "12h"},
	{24 * time.Hour, "1d"},
}

// Interval 将K线周期映射为币安的 interval 参数
func Interval(d time.Duration) (string, bool) {
	for _, iv := range intervals {
		if iv.d == d {
			return iv.name, true
		}
	}
	return "", false
}
