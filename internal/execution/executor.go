package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/mailbox"
	"grid-trading-engine/internal/metrics"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/retry"

	"github.com/alitto/pond"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const qtyEpsilon = 1e-9

// ErrInFlight 同一 client id 的订单已提交且尚未失败，不允许重复提交
var ErrInFlight = errors.New("order already in flight")

// ErrHalted 交易对处于紧急停止，只接受只减仓订单
var ErrHalted = errors.New("symbol halted")

// Intent 一笔待执行的下单意图
type Intent struct {
	Symbol     string
	Side       models.Side
	Type       models.OrderType
	Price      float64 // 限价；市价单时为参考价
	Quantity   float64
	ReduceOnly bool
	LevelIndex int // -1 表示不绑定档位
	Generation int
	Purpose    models.OrderPurpose
	ClientID   string // 为空时自动生成；重试缺失的反手腿时复用原 id
}

// CompletionKind 执行结果类型
type CompletionKind string

const (
	CompletionAck                CompletionKind = "ack"
	CompletionFill               CompletionKind = "fill"
	CompletionCancelled          CompletionKind = "cancelled"
	CompletionRejected           CompletionKind = "rejected"
	CompletionSubmitFailed       CompletionKind = "submit_failed"
	CompletionCancelFailed       CompletionKind = "cancel_failed"
	CompletionReversalIncomplete CompletionKind = "reversal_incomplete"
	CompletionReversalAborted    CompletionKind = "reversal_aborted"
	CompletionAdopted            CompletionKind = "adopted"
)

// Completion 交易所结果，按交易对投递到无界邮箱，由交易对循环合并
type Completion struct {
	Kind      CompletionKind
	Order     models.Order // 应用该结果之后的订单副本
	FillQty   float64
	FillPrice float64
	Err       error
	Leg       *Intent // 反手未完成或中止时缺失的开仓腿
}

// Journal 订单账本，用于重启后对账
type Journal interface {
	SaveOrder(o models.Order) error
	OpenOrders() ([]models.Order, error)
}

// Option 执行器可选项
type Option func(*Executor)

// WithJournal 每次订单状态变化时写入账本
func WithJournal(j Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// WithMetrics 记录下单指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Inline 在调用方 goroutine 内同步执行交易所调用，回测用以保证确定性
func Inline() Option {
	return func(e *Executor) { e.inline = true }
}

// Executor 订单的唯一持有者。交易所调用在 worker pool 中异步执行并受速率限制，
// 结果只通过 Completion 回到交易对循环。
type Executor struct {
	ex      exchange.Exchange
	cfg     models.ExecutorConfig
	limiter *rate.Limiter
	pool    *pond.WorkerPool
	inline  bool
	journal Journal
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	symbols     map[string]models.SymbolConfig
	orders      map[string]*models.Order
	submittedAt map[string]time.Time
	inflight    map[string]bool
	cancelling  map[string]bool
	cancelAfter map[string]bool
	halted      map[string]bool
	seq         map[string]uint64
	boxes       map[string]*mailbox.Mailbox[Completion]
	pausedUntil time.Time
}

// New 创建执行器
func New(ex exchange.Exchange, cfg models.ExecutorConfig, symbols []models.SymbolConfig, logger *zap.Logger, opts ...Option) *Executor {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		ex:          ex,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		logger:      logger.With(zap.String("component", "executor")),
		ctx:         ctx,
		cancel:      cancel,
		symbols:     make(map[string]models.SymbolConfig, len(symbols)),
		orders:      make(map[string]*models.Order),
		submittedAt: make(map[string]time.Time),
		inflight:    make(map[string]bool),
		cancelling:  make(map[string]bool),
		cancelAfter: make(map[string]bool),
		halted:      make(map[string]bool),
		seq:         make(map[string]uint64),
		boxes:       make(map[string]*mailbox.Mailbox[Completion]),
	}
	for _, s := range symbols {
		e.symbols[s.Symbol] = s
		e.boxes[s.Symbol] = mailbox.New[Completion]()
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.inline {
		workers := cfg.Workers
		if workers <= 0 {
			workers = 4
		}
		capacity := cfg.QueueCapacity
		if capacity <= 0 {
			capacity = 256
		}
		e.pool = pond.New(workers, capacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(30*time.Second),
			pond.PanicHandler(func(p interface{}) {
				e.logger.Error("执行任务 panic", zap.Any("panic", p))
			}))
	}
	return e
}

// Close 等待在途的交易所调用结束
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.StopAndWait()
	}
	e.cancel()
}

// Mailbox 交易对的完成事件邮箱
func (e *Executor) Mailbox(symbol string) *mailbox.Mailbox[Completion] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.box(symbol)
}

// SetSymbolConfig 更新精度参数
func (e *Executor) SetSymbolConfig(cfg models.SymbolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbols[cfg.Symbol] = cfg
}

// SetSeq 恢复 client id 序号
func (e *Executor) SetSeq(symbol string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq > e.seq[symbol] {
		e.seq[symbol] = seq
	}
}

// Seq 当前 client id 序号
func (e *Executor) Seq(symbol string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq[symbol]
}

// NextClientID 为新订单分配 client id
func (e *Executor) NextClientID(symbol string, generation, level int, purpose models.OrderPurpose) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq[symbol]++
	return ClientID(e.cfg.ClientIDPrefix, symbol, generation, level, purpose, e.seq[symbol])
}

// Prefix 本引擎订单的 client id 前缀
func (e *Executor) Prefix() string {
	if e.cfg.ClientIDPrefix == "" {
		return DefaultClientIDPrefix
	}
	return e.cfg.ClientIDPrefix
}

// Halt 停止接受交易对的开仓订单。已登记但尚未提交的反手开仓腿也会被拒绝，
// 调用方随后用 CancelAll 清理挂单。
func (e *Executor) Halt(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted[symbol] = true
}

// Resume 解除 Halt
func (e *Executor) Resume(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.halted, symbol)
}

// Halted 交易对是否处于 Halt
func (e *Executor) Halted(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted[symbol]
}

// Submit 登记订单并异步提交。返回时订单处于 submitted 状态，结果经邮箱送达。
func (e *Executor) Submit(ctx context.Context, in Intent) (models.Order, error) {
	o, err := e.register(in)
	if err != nil {
		return o, err
	}
	e.run(func() { e.place(o.ID) })
	return o, nil
}

// register 规范化意图并创建订单，created → submitted
func (e *Executor) register(in Intent) (models.Order, error) {
	e.mu.Lock()
	cfg := e.symbols[in.Symbol]
	e.mu.Unlock()

	in, err := Normalize(in, cfg)
	if err != nil {
		return models.Order{}, err
	}
	if in.ClientID == "" {
		in.ClientID = e.NextClientID(in.Symbol, in.Generation, in.LevelIndex, in.Purpose)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted[in.Symbol] && !in.ReduceOnly {
		return models.Order{}, ErrHalted
	}
	if existing, ok := e.orders[in.ClientID]; ok {
		// 只有未确认且不在执行中的订单可以用同一 id 重新提交
		if e.inflight[in.ClientID] || existing.State != models.OrderSubmitted {
			return *existing, ErrInFlight
		}
		e.inflight[in.ClientID] = true
		e.submittedAt[in.ClientID] = time.Now()
		return *existing, nil
	}

	now := time.Now()
	o := &models.Order{
		ID:         in.ClientID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Type:       in.Type,
		Price:      in.Price,
		Quantity:   in.Quantity,
		State:      models.OrderCreated,
		ReduceOnly: in.ReduceOnly,
		LevelIndex: in.LevelIndex,
		Generation: in.Generation,
		Purpose:    in.Purpose,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.orders[o.ID] = o
	e.transition(o, models.OrderSubmitted)
	e.inflight[o.ID] = true
	e.submittedAt[o.ID] = now
	e.save(o)
	e.metrics.OrderSubmitted(o.Symbol, string(o.Purpose))
	return *o, nil
}

// run 在 worker pool 中执行任务；Inline 模式下同步执行
func (e *Executor) run(task func()) {
	if e.inline || e.pool == nil {
		task()
		return
	}
	e.pool.Submit(task)
}

// place 提交订单直到得到确认、被拒或重试耗尽
func (e *Executor) place(id string) {
	o, ok := e.Order(id)
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
		ReduceOnly: o.ReduceOnly,
	}
	err := e.submitWithProbe(req, e.policy(e.cfg.RetryAttempts))
	if o.Purpose == models.PurposeReversalOpen {
		// 补发的反手开仓腿再次失败时仍按未完成处理，由交易循环继续退避补发
		leg := legOf(o)
		e.finishPlace(id, err, CompletionReversalIncomplete, &leg)
		return
	}
	e.finishPlace(id, err, CompletionSubmitFailed, nil)
}

func legOf(o models.Order) Intent {
	return Intent{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       o.Type,
		Price:      o.Price,
		Quantity:   o.Quantity,
		ReduceOnly: o.ReduceOnly,
		LevelIndex: o.LevelIndex,
		Generation: o.Generation,
		Purpose:    o.Purpose,
		ClientID:   o.ID,
	}
}

// submitWithProbe 下单；应答超时或网络错误时先按 client id 查询，存在则视为已确认
func (e *Executor) submitWithProbe(req models.OrderRequest, policy retry.Policy) error {
	return retry.Do(e.ctx, policy, apperrors.IsRetryable, func(ctx context.Context) error {
		if err := e.wait(ctx); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, e.ackTimeout())
		ack, err := e.ex.PlaceOrder(actx, req)
		timedOut := actx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			e.applyReport(req.ClientID, ack.State, ack.FilledQty, ack.AvgPrice, 0, ack.ExchangeID)
			return nil
		}
		if timedOut {
			err = fmt.Errorf("%w: %v", apperrors.ErrAckTimeout, err)
		}
		e.recordError("place_order", err)

		kind := apperrors.KindOf(err)
		if kind == apperrors.KindRateLimitExceeded {
			e.throttle(err)
			return err
		}
		if kind != apperrors.KindTransientNetwork && kind != apperrors.KindDuplicateOrder {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		// 请求可能已到达交易所
		probe, perr := e.probe(ctx, req.Symbol, req.ClientID)
		if perr == nil {
			e.logger.Info("下单应答丢失，查询到订单已存在", zap.String("client_id", req.ClientID), zap.String("state", string(probe.State)))
			e.applyReport(req.ClientID, probe.State, probe.FilledQty, probe.AvgPrice, 0, probe.ExchangeID)
			return nil
		}
		if kind == apperrors.KindDuplicateOrder {
			return &apperrors.Error{Kind: apperrors.KindOrderRejected, Op: "place_order", Msg: "duplicate id not found on exchange", Err: err}
		}
		return err
	})
}

// finishPlace 处理下单最终失败
func (e *Executor) finishPlace(id string, err error, failKind CompletionKind, leg *Intent) {
	e.mu.Lock()
	delete(e.inflight, id)
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if err == nil {
		if started, ok := e.submittedAt[id]; ok {
			e.metrics.AckLatency(time.Since(started))
			delete(e.submittedAt, id)
		}
		cancelAfter := e.cancelAfter[id] && !o.State.Terminal()
		delete(e.cancelAfter, id)
		e.mu.Unlock()
		if cancelAfter {
			e.startCancel(o.Symbol, id)
		}
		return
	}
	delete(e.cancelAfter, id)
	delete(e.submittedAt, id)

	o.LastError = err.Error()
	o.UpdatedAt = time.Now()
	kind := apperrors.KindOf(err)

	if o.State != models.OrderSubmitted {
		// 事件已推进了订单状态，失败只是应答层面的
		e.mu.Unlock()
		return
	}
	switch {
	case errors.Is(err, context.Canceled):
		delete(e.orders, id)
		snapshot := *o
		e.mu.Unlock()
		e.deliver(snapshot.Symbol, Completion{Kind: failKind, Order: snapshot, Err: err, Leg: leg})
	case kind == apperrors.KindOrderRejected || kind == apperrors.KindInsufficientBalance || kind == apperrors.KindAuthentication || kind == apperrors.KindUnknown:
		e.transition(o, models.OrderRejected)
		e.save(o)
		snapshot := *o
		e.mu.Unlock()
		e.logger.Warn("订单被拒绝", zap.String("client_id", id), zap.Error(err))
		e.deliver(snapshot.Symbol, Completion{Kind: CompletionRejected, Order: snapshot, Err: err, Leg: leg})
	default:
		// 未确认的提交不视为挂单。删除本地记录，允许用同一 id 重新提交。
		delete(e.orders, id)
		snapshot := *o
		e.mu.Unlock()
		e.logger.Error("订单提交失败", zap.String("client_id", id), zap.Error(err))
		e.deliver(snapshot.Symbol, Completion{Kind: failKind, Order: snapshot, Err: err, Leg: leg})
	}
}

// Cancel 请求撤单，确认后送达 CompletionCancelled。重复调用是幂等的。
func (e *Executor) Cancel(ctx context.Context, symbol, id string) error {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return apperrors.New(apperrors.KindOrderNotFound, "cancel_order", id)
	}
	if o.State.Terminal() || e.cancelling[id] {
		e.mu.Unlock()
		return nil
	}
	if e.inflight[id] {
		// 下单尚未确认，确认后立即撤单
		e.cancelAfter[id] = true
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	e.startCancel(symbol, id)
	return nil
}

func (e *Executor) startCancel(symbol, id string) {
	e.mu.Lock()
	if e.cancelling[id] {
		e.mu.Unlock()
		return
	}
	e.cancelling[id] = true
	e.mu.Unlock()
	e.run(func() { e.cancelOrder(symbol, id) })
}

// CancelAll 撤销交易对的所有未完成订单，返回涉及的 client id
func (e *Executor) CancelAll(ctx context.Context, symbol string) []string {
	live := e.LiveOrders(symbol)
	ids := make([]string, 0, len(live))
	for _, o := range live {
		if err := e.Cancel(ctx, symbol, o.ID); err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// cancelOrder 撤单并等待确认：应答、推送或轮询
func (e *Executor) cancelOrder(symbol, id string) {
	defer func() {
		e.mu.Lock()
		delete(e.cancelling, id)
		e.mu.Unlock()
	}()

	err := retry.Do(e.ctx, e.policy(e.cfg.RetryAttempts), apperrors.IsRetryable, func(ctx context.Context) error {
		if err := e.wait(ctx); err != nil {
			return err
		}
		ack, err := e.ex.CancelOrder(ctx, symbol, id)
		if err == nil {
			e.applyReport(id, ack.State, ack.FilledQty, ack.AvgPrice, 0, ack.ExchangeID)
			return nil
		}
		e.recordError("cancel_order", err)
		if apperrors.KindOf(err) == apperrors.KindRateLimitExceeded {
			e.throttle(err)
		}
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// 可能已成交，或从未到达交易所
			probe, perr := e.probe(ctx, symbol, id)
			switch {
			case perr == nil:
				e.applyReport(id, probe.State, probe.FilledQty, probe.AvgPrice, 0, probe.ExchangeID)
				return nil
			case errors.Is(perr, apperrors.ErrOrderNotFound):
				e.applyReport(id, models.OrderCancelled, 0, 0, 0, 0)
				return nil
			default:
				return perr
			}
		}
		return err
	})
	if err == nil {
		err = e.confirmCancel(symbol, id)
	}
	if err != nil {
		o, _ := e.Order(id)
		e.logger.Error("撤单失败", zap.String("client_id", id), zap.Error(err))
		e.deliver(symbol, Completion{Kind: CompletionCancelFailed, Order: o, Err: err})
	}
}

// confirmCancel 撤单应答未给出终态时轮询直到终态或超时
func (e *Executor) confirmCancel(symbol, id string) error {
	timeout := e.cfg.CancelConfirmTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond
	for {
		o, ok := e.Order(id)
		if !ok || o.State.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cancel of %s not confirmed within %s", id, timeout)
		}
		if err := retry.Sleep(e.ctx, interval); err != nil {
			return err
		}
		if probe, err := e.probe(e.ctx, symbol, id); err == nil {
			e.applyReport(id, probe.State, probe.FilledQty, probe.AvgPrice, 0, probe.ExchangeID)
		}
	}
}

// HandleEvent 合并交易所推送的订单事件，未知 id 忽略
func (e *Executor) HandleEvent(ev models.OrderEvent) {
	e.applyReport(ev.ClientID, ev.State, ev.CumFilledQty, ev.AvgPrice, ev.LastFillPrice, ev.ExchangeID)
}

// applyReport 应用交易所报告的累计状态。成交量只增不减，终态不可离开，因此重复或乱序的报告是无害的。
func (e *Executor) applyReport(id string, state models.OrderState, cumQty, avgPrice, lastPrice float64, exchangeID int64) {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok || o.State.Terminal() {
		e.mu.Unlock()
		return
	}
	if exchangeID != 0 {
		o.ExchangeID = exchangeID
	}

	var out []Completion
	prevState := o.State

	if cumQty > o.FilledQty+qtyEpsilon {
		delta := cumQty - o.FilledQty
		price := lastPrice
		if price <= 0 && avgPrice > 0 {
			price = avgPrice
			if o.FilledQty > 0 && o.AvgFillPrice > 0 {
				price = (avgPrice*cumQty - o.AvgFillPrice*o.FilledQty) / delta
			}
		}
		if price <= 0 {
			price = o.Price
		}
		o.FilledQty = cumQty
		if avgPrice > 0 {
			o.AvgFillPrice = avgPrice
		} else {
			o.AvgFillPrice = price
		}
		if state == models.OrderOpen || state == models.OrderSubmitted {
			state = models.OrderPartiallyFilled
		}
		out = append(out, Completion{Kind: CompletionFill, FillQty: delta, FillPrice: price})
	}

	if state != o.State && o.State.CanTransition(state) {
		e.transition(o, state)
	}
	if prevState == models.OrderSubmitted && o.State != models.OrderSubmitted && o.State != models.OrderRejected {
		out = append([]Completion{{Kind: CompletionAck}}, out...)
	}
	switch {
	case o.State == models.OrderCancelled && prevState != models.OrderCancelled:
		out = append(out, Completion{Kind: CompletionCancelled})
	case o.State == models.OrderRejected && prevState != models.OrderRejected:
		out = append(out, Completion{Kind: CompletionRejected, Err: apperrors.New(apperrors.KindOrderRejected, "order_event", id)})
	}
	if len(out) == 0 {
		e.mu.Unlock()
		return
	}
	o.UpdatedAt = time.Now()
	e.save(o)
	if o.State.Terminal() {
		e.metrics.OrderTerminal(o.Symbol, string(o.State))
	}
	snapshot := *o
	e.mu.Unlock()

	for _, c := range out {
		c.Order = snapshot
		e.deliver(snapshot.Symbol, c)
	}
}

// Order 按 client id 查询订单副本
func (e *Executor) Order(id string) (models.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// LiveOrders 交易对所有未到终态的订单，按创建时间排序
func (e *Executor) LiveOrders(symbol string) []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune 删除已到终态的订单，释放内存。keep 返回 true 的订单保留，
// 供仍被档位或反手腿引用的订单使用；keep 可以为 nil。
func (e *Executor) Prune(symbol string, keep func(id string) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, o := range e.orders {
		if o.Symbol == symbol && o.State.Terminal() && !e.cancelling[id] && (keep == nil || !keep(id)) {
			delete(e.orders, id)
			n++
		}
	}
	return n
}

// Restore 载入账本中的未完成订单，随后应调用 Reconcile
func (e *Executor) Restore(orders []models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range orders {
		o := orders[i]
		if o.State.Terminal() {
			continue
		}
		if _, ok := e.boxes[o.Symbol]; !ok {
			e.boxes[o.Symbol] = mailbox.New[Completion]()
		}
		e.orders[o.ID] = &o
	}
}

func (e *Executor) probe(ctx context.Context, symbol, id string) (models.OrderAck, error) {
	if err := e.wait(ctx); err != nil {
		return models.OrderAck{}, err
	}
	ack, err := e.ex.GetOrder(ctx, symbol, id)
	if err != nil {
		e.recordError("get_order", err)
	}
	return ack, err
}

// wait 遵守速率限制以及交易所要求的暂停
func (e *Executor) wait(ctx context.Context) error {
	e.mu.Lock()
	pause := time.Until(e.pausedUntil)
	e.mu.Unlock()
	if pause > 0 {
		if err := retry.Sleep(ctx, pause); err != nil {
			return err
		}
	}
	return e.limiter.Wait(ctx)
}

// throttle 被限流后暂停所有请求
func (e *Executor) throttle(err error) {
	d := apperrors.RetryAfter(err)
	if d <= 0 {
		d = time.Duration(e.cfg.RateLimitBackoffMs) * time.Millisecond
	}
	if d <= 0 {
		d = time.Second
	}
	e.mu.Lock()
	if until := time.Now().Add(d); until.After(e.pausedUntil) {
		e.pausedUntil = until
	}
	e.mu.Unlock()
	e.logger.Warn("触发交易所限流，暂停请求", zap.Duration("pause", d))
}

func (e *Executor) policy(attempts int) retry.Policy {
	p := retry.Policy{
		MaxAttempts: attempts + 1,
		BaseDelay:   time.Duration(e.cfg.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(e.cfg.RetryMaxDelayMs) * time.Millisecond,
		Jitter:      e.cfg.RetryJitter,
	}
	if attempts <= 0 {
		p.MaxAttempts = retry.DefaultPolicy.MaxAttempts
	}
	return p
}

func (e *Executor) ackTimeout() time.Duration {
	if d := e.cfg.AckTimeout(); d > 0 {
		return d
	}
	return 5 * time.Second
}

func (e *Executor) recordError(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	e.metrics.ExchangeError(op, apperrors.KindOf(err).String())
}

// transition 必须在持有锁的情况下调用
func (e *Executor) transition(o *models.Order, to models.OrderState) {
	if !o.State.CanTransition(to) {
		e.logger.Warn("忽略非法的订单状态迁移",
			zap.String("client_id", o.ID), zap.String("from", string(o.State)), zap.String("to", string(to)))
		return
	}
	o.State = to
	o.UpdatedAt = time.Now()
}

// save 必须在持有锁的情况下调用
func (e *Executor) save(o *models.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveOrder(*o); err != nil {
		e.logger.Warn("写入订单账本失败", zap.String("client_id", o.ID), zap.Error(err))
	}
}

// box 必须在持有锁的情况下调用
func (e *Executor) box(symbol string) *mailbox.Mailbox[Completion] {
	mb, ok := e.boxes[symbol]
	if !ok {
		mb = mailbox.New[Completion]()
		e.boxes[symbol] = mb
	}
	return mb
}

func (e *Executor) deliver(symbol string, c Completion) {
	e.mu.Lock()
	mb := e.box(symbol)
	e.mu.Unlock()
	mb.Push(c)
}

func hasPrefix(id, prefix string) bool {
	return prefix != "" && strings.HasPrefix(id, prefix)
}
