package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BinanceFutures 实现了 Exchange 接口，用于与币安 U 本位合约交互。
// REST 请求由 go-binance 签名发送，行情和用户数据流使用 gorilla/websocket。
type BinanceFutures struct {
	client    *futures.Client
	wsBaseURL string
	logger    *zap.Logger

	pongWait          time.Duration
	pingPeriod        time.Duration
	keepAliveInterval time.Duration

	mu        sync.Mutex
	listenKey string
}

// NewBinanceFutures 创建实盘交易所客户端，并与服务器同步时间。
func NewBinanceFutures(ctx context.Context, apiKey, secretKey string, cfg *models.Config, logger *zap.Logger) (*BinanceFutures, error) {
	client := futures.NewClient(apiKey, secretKey)
	client.BaseURL = cfg.APIURL()
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}

	e := newBinanceFutures(client, cfg, logger)
	if _, err := client.NewSetServerTimeService().Do(ctx); err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", classify("sync_time", err))
	}
	return e, nil
}

func newBinanceFutures(client *futures.Client, cfg *models.Config, logger *zap.Logger) *BinanceFutures {
	pongWait := time.Duration(cfg.Exchange.WebSocketPongTimeoutSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := time.Duration(cfg.Exchange.WebSocketPingIntervalSec) * time.Second
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	keepAlive := time.Duration(cfg.Exchange.ListenKeyKeepAliveMin) * time.Minute
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}
	return &BinanceFutures{
		client:            client,
		wsBaseURL:         strings.TrimSuffix(cfg.WSURL(), "/"),
		logger:            logger.With(zap.String("component", "binance")),
		pongWait:          pongWait,
		pingPeriod:        pingPeriod,
		keepAliveInterval: keepAlive,
	}
}

// --- Exchange 接口实现 ---

// GetAccountInfo 获取合约账户权益
func (e *BinanceFutures) GetAccountInfo(ctx context.Context) (models.AccountInfo, error) {
	acc, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.AccountInfo{}, classify("get_account", err)
	}
	return models.AccountInfo{
		Balance:       parseFloat(acc.TotalWalletBalance),
		Available:     parseFloat(acc.AvailableBalance),
		UnrealizedPnL: parseFloat(acc.TotalUnrealizedProfit),
		UpdatedAt:     time.Now(),
	}, nil
}

// PlaceOrder 下单，client order id 由调用方生成
func (e *BinanceFutures) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientID)
	if req.Type == models.Limit {
		svc = svc.TimeInForce(futures.TimeInForceTypeGTC).Price(formatFloat(req.Price))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		e.logger.Warn("下单请求失败", zap.String("client_id", req.ClientID), zap.Error(err))
		return models.OrderAck{}, classify("place_order", err)
	}
	return models.OrderAck{
		ClientID:   resp.ClientOrderID,
		ExchangeID: resp.OrderID,
		Symbol:     resp.Symbol,
		State:      mapOrderStatus(string(resp.Status)),
		FilledQty:  parseFloat(resp.ExecutedQuantity),
		AvgPrice:   parseFloat(resp.AvgPrice),
		UpdatedAt:  msTime(resp.UpdateTime),
	}, nil
}

// CancelOrder 按 client order id 撤单
func (e *BinanceFutures) CancelOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error) {
	resp, err := e.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return models.OrderAck{}, classify("cancel_order", err)
	}
	return models.OrderAck{
		ClientID:   resp.ClientOrderID,
		ExchangeID: resp.OrderID,
		Symbol:     resp.Symbol,
		State:      mapOrderStatus(string(resp.Status)),
		FilledQty:  parseFloat(resp.ExecutedQuantity),
		UpdatedAt:  msTime(resp.UpdateTime),
	}, nil
}

// GetOrder 按 client order id 查询订单
func (e *BinanceFutures) GetOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error) {
	o, err := e.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return models.OrderAck{}, classify("get_order", err)
	}
	return models.OrderAck{
		ClientID:   o.ClientOrderID,
		ExchangeID: o.OrderID,
		Symbol:     o.Symbol,
		State:      mapOrderStatus(string(o.Status)),
		FilledQty:  parseFloat(o.ExecutedQuantity),
		AvgPrice:   parseFloat(o.AvgPrice),
		UpdatedAt:  msTime(o.UpdateTime),
	}, nil
}

// GetOpenOrders 获取所有挂单
func (e *BinanceFutures) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, models.Order{
			ID:           o.ClientOrderID,
			ExchangeID:   o.OrderID,
			Symbol:       o.Symbol,
			Side:         models.Side(o.Side),
			Type:         models.OrderType(o.Type),
			Price:        parseFloat(o.Price),
			Quantity:     parseFloat(o.OrigQuantity),
			FilledQty:    parseFloat(o.ExecutedQuantity),
			AvgFillPrice: parseFloat(o.AvgPrice),
			State:        mapOrderStatus(string(o.Status)),
			ReduceOnly:   o.ReduceOnly,
			LevelIndex:   -1,
			CreatedAt:    msTime(o.Time),
			UpdatedAt:    msTime(o.UpdateTime),
		})
	}
	return out, nil
}

// GetPosition 获取单向持仓模式下的净持仓
func (e *BinanceFutures) GetPosition(ctx context.Context, symbol string) (models.Position, error) {
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Position{}, classify("position_risk", err)
	}
	pos := models.Position{Symbol: symbol, UpdatedAt: time.Now()}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		pos.Size += parseFloat(r.PositionAmt)
		pos.EntryPrice = parseFloat(r.EntryPrice)
		pos.MarkPrice = parseFloat(r.MarkPrice)
		pos.UnrealizedPnL += parseFloat(r.UnRealizedProfit)
		pos.Leverage = parseFloat(r.Leverage)
	}
	return pos, nil
}

// GetPrice 获取最新成交价
func (e *BinanceFutures) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify("get_price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, apperrors.New(apperrors.KindUnknown, "get_price", "交易所未返回 "+symbol+" 的价格")
}

// SetLeverage 设置杠杆
func (e *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return classify("set_leverage", err)
}

// GetCandles 获取历史 K 线
func (e *BinanceFutures) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	return KlinesToCandles(klines), nil
}

// KlinesToCandles 转换 go-binance K 线
func KlinesToCandles(klines []*futures.Kline) []models.Candle {
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, models.Candle{
			Start: msTime(k.OpenTime),
			Open:  parseFloat(k.Open),
			High:  parseFloat(k.High),
			Low:   parseFloat(k.Low),
			Close: parseFloat(k.Close),
		})
	}
	return out
}

// --- WebSocket 推送 ---

// StreamPrice 订阅 aggTrade 流
func (e *BinanceFutures) StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", e.wsBaseURL, strings.ToLower(symbol))
	return e.runStream(ctx, wsURL, func(message []byte) error {
		var trade models.TradeEvent
		if err := json.Unmarshal(message, &trade); err != nil {
			e.logger.Warn("解析价格信息失败", zap.Error(err))
			return nil
		}
		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil || price <= 0 {
			e.logger.Warn("转换价格失败", zap.String("price", trade.Price))
			return nil
		}
		ts := trade.TradeTime
		if ts == 0 {
			ts = trade.EventTime
		}
		tick := models.Tick{Symbol: symbol, Price: price, Timestamp: msTime(ts), Source: models.SourceStream}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// StreamOrderEvents 创建 listenKey 并订阅用户数据流，期间定期续期 listenKey
func (e *BinanceFutures) StreamOrderEvents(ctx context.Context, out chan<- models.OrderEvent) error {
	listenKey, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("创建 listenKey 失败: %w", classify("listen_key", err))
	}
	e.mu.Lock()
	e.listenKey = listenKey
	e.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.keepAliveLoop(streamCtx, listenKey)

	wsURL := fmt.Sprintf("%s/ws/%s", e.wsBaseURL, listenKey)
	return e.runStream(streamCtx, wsURL, func(message []byte) error {
		var header models.UserDataHeader
		if err := json.Unmarshal(message, &header); err != nil {
			e.logger.Warn("解析用户数据流消息失败", zap.Error(err))
			return nil
		}
		switch header.EventType {
		case "ORDER_TRADE_UPDATE":
			var upd models.OrderUpdateEvent
			if err := json.Unmarshal(message, &upd); err != nil {
				e.logger.Warn("解析订单更新失败", zap.Error(err))
				return nil
			}
			select {
			case out <- orderEventFromUpdate(upd):
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		case "listenKeyExpired":
			return errors.New("listenKey 已过期")
		}
		return nil
	})
}

func orderEventFromUpdate(upd models.OrderUpdateEvent) models.OrderEvent {
	o := upd.Order
	ts := o.TradeTime
	if ts == 0 {
		ts = upd.EventTime
	}
	return models.OrderEvent{
		Symbol:        o.Symbol,
		ClientID:      o.ClientOrderID,
		ExchangeID:    o.OrderID,
		State:         mapOrderStatus(o.Status),
		CumFilledQty:  parseFloat(o.CumQty),
		LastFillQty:   parseFloat(o.LastFilledQty),
		LastFillPrice: parseFloat(o.LastFilledPrice),
		AvgPrice:      parseFloat(o.AvgPrice),
		Reason:        o.ExecutionType,
		Timestamp:     msTime(ts),
	}
}

// keepAliveLoop 定期延长 listenKey 的有效期
func (e *BinanceFutures) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(e.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				e.logger.Warn("保持 listenKey 存活失败", zap.Error(err))
			}
		}
	}
}

// runStream 为一个连接处理消息，并实现心跳机制。连接断开时返回错误，由调用方重连。
func (e *BinanceFutures) runStream(ctx context.Context, wsURL string, handle func([]byte) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientNetwork, "ws_dial", err)
	}
	defer conn.Close()

	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(e.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		pingTicker := time.NewTicker(e.pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					e.logger.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭，同时打断阻塞的 ReadMessage
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Wrap(apperrors.KindTransientNetwork, "ws_read", err)
		}
		if err := handle(message); err != nil {
			return err
		}
	}
}

// --- 错误分类 ---

// classify 将 go-binance 的错误映射到引擎的错误分类
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperrors.Wrap(apperrors.KindTransientNetwork, op, err)
	}

	kind := apperrors.KindUnknown
	switch apiErr.Code {
	case -1003, -1015:
		return &apperrors.Error{Kind: apperrors.KindRateLimitExceeded, Op: op, Code: apiErr.Code, Msg: apiErr.Message, Err: err}
	case -1000, -1001, -1007, -1021:
		kind = apperrors.KindTransientNetwork
	case -1002, -1022, -2014, -2015:
		kind = apperrors.KindAuthentication
	case -2018, -2019, -2027, -2028:
		kind = apperrors.KindInsufficientBalance
	case -4116:
		kind = apperrors.KindDuplicateOrder
	case -2011, -2013:
		kind = apperrors.KindOrderNotFound
	default:
		if op == "place_order" || op == "cancel_order" {
			kind = apperrors.KindOrderRejected
		}
	}
	return &apperrors.Error{Kind: kind, Op: op, Code: apiErr.Code, Msg: apiErr.Message}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
