package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grid-trading-engine/internal/api"
	"grid-trading-engine/internal/bot"
	"grid-trading-engine/internal/config"
	"grid-trading-engine/internal/downloader"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/execution"
	"grid-trading-engine/internal/feed"
	"grid-trading-engine/internal/logger"
	"grid-trading-engine/internal/metrics"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/reporter"
	"grid-trading-engine/internal/statemanager"
	"grid-trading-engine/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file (.json or .yaml)")
	mode := flag.String("mode", "live", "running mode: live, paper or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	interval := flag.String("interval", "1m", "kline interval used when downloading backtest data")
	flag.Parse()

	// 加载配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		err = runLiveMode(ctx, cfg)
	case "paper":
		err = runPaperMode(ctx, cfg)
	case "backtest":
		var path string
		path, err = handleBacktestMode(ctx, *symbol, *startDate, *endDate, *interval, *dataPath)
		if err == nil {
			err = runBacktestMode(ctx, cfg, path)
		}
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live'、'paper' 或 'backtest'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// handleBacktestMode 处理回测模式的启动逻辑，包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleBacktestMode(ctx context.Context, symbol, startDate, endDate, interval, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err := errors.Join(err1, err2); err != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式: %w", err)
		}

		fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, startDate, endDate))
		logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startDate, endDate)
		d := downloader.NewKlineDownloader(logger.L())
		if err := d.DownloadKlines(ctx, symbol, interval, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	return dataPath, nil
}

// runLiveMode 使用币安合约实盘账户交易
func runLiveMode(ctx context.Context, cfg *models.Config) error {
	logger.S().Info("--- 启动实时交易模式 ---")
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	ex, err := exchange.NewBinanceFutures(ctx, apiKey, secretKey, cfg, logger.L())
	if err != nil {
		return fmt.Errorf("初始化交易所失败: %w", err)
	}
	return runEngine(ctx, cfg, ex)
}

// runPaperMode 使用实盘行情驱动本地模拟撮合
func runPaperMode(ctx context.Context, cfg *models.Config) error {
	logger.S().Info("--- 启动模拟盘模式 ---")
	upstream, err := exchange.NewBinanceFutures(ctx, "", "", cfg, logger.L())
	if err != nil {
		return fmt.Errorf("初始化行情源失败: %w", err)
	}
	sim := exchange.NewSimulated(cfg.Simulation, logger.L()).WithPriceSource(upstream)
	return runEngine(ctx, cfg, sim)
}

// runEngine 组装持久化、执行器、行情源、交易管理器与 HTTP 接口，运行到收到退出信号
func runEngine(ctx context.Context, cfg *models.Config, ex exchange.Exchange) error {
	log := logger.Component("main")

	repo, err := persistence.Open(cfg.Persistence, log)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	var initial *models.SessionState
	if repo != nil {
		defer repo.Close()
		if initial, err = repo.LoadState(); err != nil {
			return fmt.Errorf("读取会话状态失败: %w", err)
		}
	}
	if initial == nil {
		log.Info("没有找到会话状态，以全新状态启动")
		initial = models.NewSessionState("", time.Now())
	}
	sm := statemanager.NewStateManager(initial, repo, logger.L())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	execOpts := []execution.Option{execution.WithMetrics(mt)}
	mgrOpts := []bot.Option{bot.WithStateManager(sm), bot.WithMetrics(mt)}
	var journal execution.Journal
	if path := cfg.Persistence.LedgerPath; path != "" {
		ledger, err := storage.Open(path)
		if err != nil {
			return fmt.Errorf("打开订单账本失败: %w", err)
		}
		defer ledger.Close()
		journal = ledger
		execOpts = append(execOpts, execution.WithJournal(ledger))
		mgrOpts = append(mgrOpts, bot.WithTradeRecorder(ledger))
	}

	exec := execution.New(ex, cfg.Executor, cfg.Symbols, logger.L(), execOpts...)
	defer exec.Close()
	f := feed.New(ex, ex, cfg.Feed, logger.L(), mt)
	mgrOpts = append(mgrOpts, bot.WithFeed(f))
	mgr := bot.NewManager(cfg, ex, exec, logger.L(), mgrOpts...)

	if cfg.API.Enabled {
		srv := api.NewServer(mgr, reg, logger.L())
		srv.Start(cfg.API.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("关闭 HTTP 接口失败", zap.Error(err))
			}
		}()
	}

	err = mgr.Run(ctx, journal)
	reporter.WriteStatus(os.Stdout, mgr.Snapshot())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("引擎已成功停止，状态已保存。")
	return nil
}

// runBacktestMode 用历史K线回放单个交易对
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath string) error {
	logger.S().Info("--- 启动回测模式 ---")

	// 从数据路径中提取 symbol，配置中只有一个交易对时用它覆盖
	sym := downloader.SymbolFromPath(dataPath)
	sc, ok := config.Symbol(cfg, sym)
	switch {
	case ok:
	case len(cfg.Symbols) == 1:
		sc = cfg.Symbols[0]
		logger.S().Infof("使用 %s 的配置回测 %s", sc.Symbol, sym)
		sc.Symbol = sym
	default:
		return fmt.Errorf("配置中没有交易对 %s", sym)
	}
	cfg.Symbols = []models.SymbolConfig{sc}

	candles, err := downloader.LoadCandles(dataPath, logger.L())
	if err != nil {
		return err
	}

	bt := bot.NewBacktester(cfg, logger.L())
	defer bt.Close()
	if err := bt.Run(ctx, sym, candles); err != nil {
		return fmt.Errorf("回测失败: %w", err)
	}

	reporter.WriteReport(os.Stdout, bt.Report(), dataPath, []string{sym})
	return nil
}
