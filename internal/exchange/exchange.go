package exchange

import (
	"context"
	"strings"

	"grid-trading-engine/internal/models"
)

// Exchange 定义了引擎对交易所的全部依赖。
// 实盘、模拟盘和回测都通过同一接口驱动交易引擎。
type Exchange interface {
	GetAccountInfo(ctx context.Context) (models.AccountInfo, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error)
	GetOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetPosition(ctx context.Context, symbol string) (models.Position, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// StreamPrice 建立一次价格推送连接并阻塞，直到连接断开或 ctx 结束。
	// 重连由调用方负责。
	StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error
	// StreamOrderEvents 建立一次订单事件推送连接并阻塞，语义同 StreamPrice。
	StreamOrderEvents(ctx context.Context, out chan<- models.OrderEvent) error
}

// CandleSource 可以提供历史 K 线的交易所，用于指标预热
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// mapOrderStatus 将币安订单状态映射为内部状态
func mapOrderStatus(status string) models.OrderState {
	switch strings.ToUpper(status) {
	case "NEW":
		return models.OrderOpen
	case "PARTIALLY_FILLED":
		return models.OrderPartiallyFilled
	case "FILLED":
		return models.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderCancelled
	case "REJECTED":
		return models.OrderRejected
	default:
		return models.OrderSubmitted
	}
}
