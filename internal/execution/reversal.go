package execution

import (
	"context"
	"errors"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/models"

	"go.uber.org/zap"
)

// SubmitReversal 快速反手：先以市价只减仓单平掉现有仓位，成功后再提交开仓腿。
// 返回的开仓意图已分配 client id，调用方可据此占用网格档位。
// 平仓腿失败送达 CompletionReversalAborted；开仓腿重试耗尽送达 CompletionReversalIncomplete，
// 调用方稍后用同一意图再次 Submit。
func (e *Executor) SubmitReversal(ctx context.Context, closeLeg, openLeg Intent) (models.Order, Intent, error) {
	e.mu.Lock()
	cfg := e.symbols[openLeg.Symbol]
	e.mu.Unlock()

	openLeg.Purpose = models.PurposeReversalOpen
	openLeg, err := Normalize(openLeg, cfg)
	if err != nil {
		return models.Order{}, openLeg, err
	}
	if openLeg.ClientID == "" {
		openLeg.ClientID = e.NextClientID(openLeg.Symbol, openLeg.Generation, openLeg.LevelIndex, openLeg.Purpose)
	}

	closeLeg.Type = models.Market
	closeLeg.ReduceOnly = true
	closeLeg.Purpose = models.PurposeReversalClose
	closeOrder, err := e.register(closeLeg)
	if err != nil {
		return closeOrder, openLeg, err
	}

	leg := openLeg
	e.run(func() { e.reverse(closeOrder.ID, leg) })
	return closeOrder, openLeg, nil
}

func (e *Executor) reverse(closeID string, leg Intent) {
	o, ok := e.Order(closeID)
	if !ok {
		return
	}
	req := models.OrderRequest{
		ClientID:   o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Price:      o.Price,
		Quantity:   o.Quantity,
		ReduceOnly: true,
	}
	err := e.submitWithProbe(req, e.policy(e.cfg.RetryAttempts))
	if err != nil {
		e.logger.Warn("反手平仓腿失败，放弃开仓腿", zap.String("client_id", closeID), zap.Error(err))
		e.finishPlace(closeID, err, CompletionReversalAborted, &leg)
		return
	}
	e.finishPlace(closeID, nil, CompletionSubmitFailed, nil)

	open, err := e.register(leg)
	if err != nil {
		// 开仓腿无法登记(通常是同一 id 仍在执行中)
		o, _ := e.Order(closeID)
		e.deliver(leg.Symbol, Completion{Kind: CompletionReversalIncomplete, Order: o, Err: err, Leg: &leg})
		return
	}
	req = models.OrderRequest{
		ClientID:   open.ID,
		Symbol:     open.Symbol,
		Side:       open.Side,
		Type:       open.Type,
		Price:      open.Price,
		Quantity:   open.Quantity,
		ReduceOnly: open.ReduceOnly,
	}
	attempts := e.cfg.ReversalAttempts
	if attempts <= 0 {
		attempts = e.cfg.RetryAttempts
	}
	err = e.submitWithProbe(req, e.policy(attempts))
	if err != nil {
		e.logger.Error("反手开仓腿未完成", zap.String("client_id", open.ID), zap.Error(err))
	}
	e.finishPlace(open.ID, err, CompletionReversalIncomplete, &leg)
}

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	Checked  int
	Resolved int // 本地认为未完成、经查询得到最新状态的订单
	Vanished int // 交易所不存在的本地订单，已标记为撤销
	Adopted  int // 带本引擎前缀但本地未知的挂单
	Foreign  int // 其他来源的挂单，不做处理
}

// Reconcile 将本地订单与交易所挂单对齐，启动和推送流重连后调用
func (e *Executor) Reconcile(ctx context.Context, symbol string) (ReconcileReport, error) {
	var report ReconcileReport
	if err := e.wait(ctx); err != nil {
		return report, err
	}
	open, err := e.ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.recordError("open_orders", err)
		return report, err
	}
	onExchange := make(map[string]models.Order, len(open))
	for _, o := range open {
		onExchange[o.ID] = o
	}

	for _, local := range e.LiveOrders(symbol) {
		report.Checked++
		if remote, ok := onExchange[local.ID]; ok {
			e.applyReport(local.ID, remote.State, remote.FilledQty, remote.AvgFillPrice, 0, remote.ExchangeID)
			continue
		}
		e.mu.Lock()
		busy := e.inflight[local.ID]
		e.mu.Unlock()
		if busy {
			continue
		}
		ack, err := e.probe(ctx, symbol, local.ID)
		switch {
		case err == nil:
			e.applyReport(local.ID, ack.State, ack.FilledQty, ack.AvgPrice, 0, ack.ExchangeID)
			report.Resolved++
		case errors.Is(err, apperrors.ErrOrderNotFound):
			mismatch := apperrors.New(apperrors.KindReconciliationMismatch, "reconcile", local.ID+" missing on exchange")
			e.logger.Warn("本地订单在交易所不存在，标记为已撤销", zap.String("client_id", local.ID), zap.Error(mismatch))
			e.applyReport(local.ID, models.OrderCancelled, local.FilledQty, local.AvgFillPrice, 0, 0)
			report.Vanished++
		default:
			return report, err
		}
	}

	prefix := e.Prefix()
	for id, remote := range onExchange {
		if _, known := e.Order(id); known {
			continue
		}
		if !hasPrefix(id, prefix) {
			report.Foreign++
			continue
		}
		remote.LevelIndex = -1
		if remote.CreatedAt.IsZero() {
			remote.CreatedAt = time.Now()
		}
		remote.UpdatedAt = time.Now()
		e.mu.Lock()
		o := remote
		e.orders[id] = &o
		e.save(&o)
		e.mu.Unlock()
		report.Adopted++
		e.logger.Warn("接管交易所上的遗留订单", zap.String("client_id", id), zap.Float64("price", remote.Price))
		e.deliver(symbol, Completion{Kind: CompletionAdopted, Order: remote})
	}
	return report, nil
}
