package exchange

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/mailbox"
	"grid-trading-engine/internal/models"

	"go.uber.org/zap"
)

const simEpsilon = 1e-9

// PriceSource 模拟盘的上游行情，通常是实盘客户端
type PriceSource interface {
	StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Fault 注入到某个操作上的故障，供测试模拟拒单、超时和丢失应答
type Fault struct {
	Err        error
	ApplyFirst bool // 先执行操作再返回错误，模拟应答丢失
	Times      int
}

type simOrder struct {
	seq   int64
	order models.Order
}

type simSymbol struct {
	price     float64
	time      time.Time
	size      float64 // 有符号持仓
	entry     float64
	entryTime time.Time
	leverage  int
}

// Simulated 实现了 Exchange 接口，在内存中撮合订单。
// 用于测试、模拟盘和回测：限价单在价格穿过挂单价时成交，市价单立即成交，计入手续费与滑点。
type Simulated struct {
	mu     sync.Mutex
	cfg    models.SimulationConfig
	logger *zap.Logger

	upstream PriceSource

	cash        float64
	totalFees   float64
	symbols     map[string]*simSymbol
	orders      map[string]*simOrder
	nextID      int64
	tradeLog    []models.CompletedTrade
	equityCurve []float64
	dailyEquity map[string]float64
	maxExposure float64
	liquidated  bool
	clock       time.Time

	faults    map[string]*Fault
	priceSubs map[string]map[chan models.Tick]struct{}
	eventSubs map[*mailbox.Mailbox[models.OrderEvent]]struct{}
	sink      func(models.OrderEvent)
}

// NewSimulated 创建模拟交易所
func NewSimulated(cfg models.SimulationConfig, logger *zap.Logger) *Simulated {
	return &Simulated{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "sim_exchange")),
		cash:        cfg.InitialBalance,
		symbols:     make(map[string]*simSymbol),
		orders:      make(map[string]*simOrder),
		nextID:      1,
		dailyEquity: make(map[string]float64),
		faults:      make(map[string]*Fault),
		priceSubs:   make(map[string]map[chan models.Tick]struct{}),
		eventSubs:   make(map[*mailbox.Mailbox[models.OrderEvent]]struct{}),
	}
}

// WithPriceSource 模拟盘模式：价格来自上游实盘行情
func (e *Simulated) WithPriceSource(src PriceSource) *Simulated {
	e.upstream = src
	return e
}

// SetEventSink 注册同步的订单事件回调，回测驱动使用它代替推送流。
// 回调在交易所锁外执行。
func (e *Simulated) SetEventSink(fn func(models.OrderEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = fn
}

// InjectFault 为操作注入故障，op 取值 place_order / cancel_order / get_order / open_orders / get_position
func (e *Simulated) InjectFault(op string, f Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	e.faults[op] = &f
}

// --- 行情驱动 ---

// SetPrice 推进单个价格点，检查挂单成交
func (e *Simulated) SetPrice(symbol string, price float64, ts time.Time) {
	e.advance(symbol, ts, price)
}

// SetCandle 按 O->L->H->C 的路径模拟K线内部的价格变动
func (e *Simulated) SetCandle(symbol string, c models.Candle) {
	e.advance(symbol, c.Start, c.Open, c.Low, c.High, c.Close)
}

func (e *Simulated) advance(symbol string, ts time.Time, path ...float64) {
	e.mu.Lock()
	if e.liquidated {
		e.mu.Unlock()
		return
	}
	sym := e.symbol(symbol)
	if ts.After(e.clock) {
		e.clock = ts
	}
	sym.time = ts

	var events []models.OrderEvent
	for _, p := range path {
		if p <= 0 {
			continue
		}
		sym.price = p
		events = append(events, e.checkLimitOrdersAtPrice(symbol, p)...)
	}
	events = append(events, e.checkLiquidation()...)
	e.updateEquity()

	tick := models.Tick{Symbol: symbol, Price: sym.price, Timestamp: ts, Source: models.SourceStream}
	subs := make([]chan models.Tick, 0, len(e.priceSubs[symbol]))
	for ch := range e.priceSubs[symbol] {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
	e.dispatch(events)
}

// checkLimitOrdersAtPrice 按下单顺序检查挂单是否能在指定价格成交。必须在持有锁的情况下调用。
func (e *Simulated) checkLimitOrdersAtPrice(symbol string, price float64) []models.OrderEvent {
	var events []models.OrderEvent
	for _, so := range e.openOrders(symbol) {
		o := &so.order
		if o.Type != models.Limit {
			continue
		}
		if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
			if ev, ok := e.fill(so, o.Price); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// fill 处理一个成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *Simulated) fill(so *simOrder, basePrice float64) (models.OrderEvent, bool) {
	o := &so.order
	sym := e.symbol(o.Symbol)
	qty := o.Remaining()

	if o.ReduceOnly {
		if sym.size*o.Side.Sign() >= 0 {
			// 仓位已不存在或方向相同，只减仓单失效
			o.State = models.OrderCancelled
			o.UpdatedAt = e.clock
			return e.event(o, 0, 0, "EXPIRED"), true
		}
		qty = math.Min(qty, math.Abs(sym.size))
	}
	if qty <= simEpsilon {
		return models.OrderEvent{}, false
	}

	// 成交价计入滑点
	execPrice := basePrice * (1 + e.cfg.SlippageRate)
	if o.Side == models.Sell {
		execPrice = basePrice * (1 - e.cfg.SlippageRate)
	}

	// 假设: LIMIT 单是 Maker, MARKET 单是 Taker
	feeRate := e.cfg.MakerFeeRate
	if o.Type == models.Market {
		feeRate = e.cfg.TakerFeeRate
	}
	fee := execPrice * qty * feeRate
	e.totalFees += fee
	e.cash -= fee

	e.applyToPosition(o.Symbol, sym, o.Side, qty, execPrice, fee)

	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + execPrice*qty) / (o.FilledQty + qty)
	o.FilledQty += qty
	if o.Remaining() <= simEpsilon {
		o.State = models.OrderFilled
	} else {
		o.State = models.OrderPartiallyFilled
	}
	o.UpdatedAt = e.clock

	equity := e.equity()
	if equity > 0 {
		exposure := math.Abs(sym.size) * sym.price / equity
		if exposure > e.maxExposure {
			e.maxExposure = exposure
		}
	}
	e.logger.Debug("模拟成交",
		zap.String("symbol", o.Symbol),
		zap.String("client_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.Float64("price", execPrice),
		zap.Float64("qty", qty),
		zap.Float64("position", sym.size),
		zap.Float64("equity", equity))
	return e.event(o, qty, execPrice, "TRADE"), true
}

// applyToPosition 更新有符号持仓和均价，平仓部分记入已实现盈亏与成交记录
func (e *Simulated) applyToPosition(symbol string, sym *simSymbol, side models.Side, qty, price, fee float64) {
	sign := side.Sign()
	if math.Abs(sym.size) <= simEpsilon || sym.size*sign > 0 {
		if math.Abs(sym.size) <= simEpsilon {
			sym.entryTime = e.clock
			sym.entry = 0
		}
		newSize := sym.size + sign*qty
		sym.entry = (sym.entry*math.Abs(sym.size) + price*qty) / math.Abs(newSize)
		sym.size = newSize
		return
	}

	closed := math.Min(qty, math.Abs(sym.size))
	posSign := 1.0
	posSide := models.Buy
	if sym.size < 0 {
		posSign, posSide = -1, models.Sell
	}
	pnl := (price - sym.entry) * closed * posSign
	e.cash += pnl
	e.tradeLog = append(e.tradeLog, models.CompletedTrade{
		Symbol:     symbol,
		Side:       posSide,
		Quantity:   closed,
		EntryPrice: sym.entry,
		ExitPrice:  price,
		EntryTime:  sym.entryTime,
		ExitTime:   e.clock,
		Profit:     pnl - fee,
		Fee:        fee,
	})

	sym.size += sign * qty
	residual := qty - closed
	switch {
	case math.Abs(sym.size) <= simEpsilon:
		sym.size, sym.entry = 0, 0
	case residual > simEpsilon:
		// 反手：剩余部分以成交价开新仓
		sym.entry = price
		sym.entryTime = e.clock
	}
}

// checkLiquidation 权益耗尽时强平全部仓位并撤销挂单。必须在持有锁的情况下调用。
func (e *Simulated) checkLiquidation() []models.OrderEvent {
	if e.cfg.InitialBalance <= 0 || e.equity() > 0 {
		return nil
	}
	e.liquidated = true
	var events []models.OrderEvent
	for _, so := range e.openOrders("") {
		so.order.State = models.OrderCancelled
		so.order.UpdatedAt = e.clock
		events = append(events, e.event(&so.order, 0, 0, "EXPIRED"))
	}
	for name, sym := range e.symbols {
		if math.Abs(sym.size) > simEpsilon {
			e.logger.Error("模拟账户爆仓", zap.String("symbol", name), zap.Float64("size", sym.size), zap.Float64("price", sym.price))
		}
		sym.size, sym.entry = 0, 0
	}
	e.cash = 0
	return events
}

// updateEquity 计算并记录当前权益。必须在持有锁的情况下调用。
func (e *Simulated) updateEquity() {
	equity := e.equity()
	e.equityCurve = append(e.equityCurve, equity)
	e.dailyEquity[e.clock.UTC().Format("2006-01-02")] = equity
}

func (e *Simulated) equity() float64 {
	return e.cash + e.unrealized()
}

func (e *Simulated) unrealized() float64 {
	total := 0.0
	for _, sym := range e.symbols {
		if math.Abs(sym.size) > simEpsilon && sym.price > 0 {
			total += (sym.price - sym.entry) * sym.size
		}
	}
	return total
}

func (e *Simulated) usedMargin() float64 {
	total := 0.0
	for _, sym := range e.symbols {
		lev := float64(sym.leverage)
		if lev <= 0 {
			lev = 1
		}
		total += math.Abs(sym.size) * sym.entry / lev
	}
	return total
}

func (e *Simulated) symbol(name string) *simSymbol {
	sym, ok := e.symbols[name]
	if !ok {
		sym = &simSymbol{leverage: 1}
		e.symbols[name] = sym
	}
	return sym
}

// openOrders 按下单顺序返回未完成订单，symbol 为空时返回全部
func (e *Simulated) openOrders(symbol string) []*simOrder {
	var out []*simOrder
	for _, so := range e.orders {
		if so.order.State.Terminal() || (symbol != "" && so.order.Symbol != symbol) {
			continue
		}
		out = append(out, so)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (e *Simulated) event(o *models.Order, lastQty, lastPrice float64, reason string) models.OrderEvent {
	return models.OrderEvent{
		Symbol:        o.Symbol,
		ClientID:      o.ID,
		ExchangeID:    o.ExchangeID,
		State:         o.State,
		CumFilledQty:  o.FilledQty,
		LastFillQty:   lastQty,
		LastFillPrice: lastPrice,
		AvgPrice:      o.AvgFillPrice,
		Reason:        reason,
		Timestamp:     e.clock,
	}
}

func (e *Simulated) ack(o *models.Order) models.OrderAck {
	return models.OrderAck{
		ClientID:   o.ID,
		ExchangeID: o.ExchangeID,
		Symbol:     o.Symbol,
		State:      o.State,
		FilledQty:  o.FilledQty,
		AvgPrice:   o.AvgFillPrice,
		UpdatedAt:  o.UpdatedAt,
	}
}

// dispatch 在锁外把事件交给同步回调和所有订阅者
func (e *Simulated) dispatch(events []models.OrderEvent) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	sink := e.sink
	subs := make([]*mailbox.Mailbox[models.OrderEvent], 0, len(e.eventSubs))
	for mb := range e.eventSubs {
		subs = append(subs, mb)
	}
	e.mu.Unlock()

	for _, ev := range events {
		if sink != nil {
			sink(ev)
		}
		for _, mb := range subs {
			mb.Push(ev)
		}
	}
}

// takeFault 取出一次注入的故障。必须在持有锁的情况下调用。
func (e *Simulated) takeFault(op string) *Fault {
	f, ok := e.faults[op]
	if !ok {
		return nil
	}
	f.Times--
	if f.Times <= 0 {
		delete(e.faults, op)
	}
	return f
}

// --- Exchange 接口实现 ---

func (e *Simulated) GetAccountInfo(ctx context.Context) (models.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	upnl := e.unrealized()
	return models.AccountInfo{
		Balance:       e.cash,
		Available:     math.Max(0, e.cash+upnl-e.usedMargin()),
		UnrealizedPnL: upnl,
		UpdatedAt:     e.clock,
	}, nil
}

func (e *Simulated) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderAck{}, err
	}
	e.mu.Lock()
	fault := e.takeFault("place_order")
	if fault != nil && !fault.ApplyFirst {
		e.mu.Unlock()
		return models.OrderAck{}, fault.Err
	}
	ack, events, err := e.placeLocked(req)
	e.mu.Unlock()

	e.dispatch(events)
	if fault != nil {
		return models.OrderAck{}, fault.Err
	}
	return ack, err
}

func (e *Simulated) placeLocked(req models.OrderRequest) (models.OrderAck, []models.OrderEvent, error) {
	if e.liquidated {
		return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindInsufficientBalance, Op: "place_order", Code: -2019, Msg: "account liquidated"}
	}
	if _, exists := e.orders[req.ClientID]; exists {
		return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindDuplicateOrder, Op: "place_order", Code: -4116, Msg: "ClientOrderId is duplicated"}
	}
	if req.Quantity <= 0 || (req.Type == models.Limit && req.Price <= 0) {
		return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindOrderRejected, Op: "place_order", Code: -1111, Msg: "invalid quantity or price"}
	}
	sym := e.symbol(req.Symbol)
	if req.Type == models.Market && sym.price <= 0 {
		return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindOrderRejected, Op: "place_order", Code: -1013, Msg: "no market price"}
	}
	if req.ReduceOnly && sym.size*req.Side.Sign() >= 0 {
		return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindOrderRejected, Op: "place_order", Code: -2022, Msg: "ReduceOnly Order is rejected"}
	}

	// 开仓或加仓需要足够的可用保证金
	if !req.ReduceOnly && sym.size*req.Side.Sign() >= 0 {
		price := req.Price
		if req.Type == models.Market {
			price = sym.price
		}
		lev := float64(sym.leverage)
		if lev <= 0 {
			lev = 1
		}
		available := e.cash + e.unrealized() - e.usedMargin() - e.reservedMargin()
		if req.Quantity*price/lev > available+simEpsilon {
			return models.OrderAck{}, nil, &apperrors.Error{Kind: apperrors.KindInsufficientBalance, Op: "place_order", Code: -2019, Msg: "Margin is insufficient"}
		}
	}

	so := &simOrder{
		seq: e.nextID,
		order: models.Order{
			ID:         req.ClientID,
			ExchangeID: e.nextID,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Type:       req.Type,
			Price:      req.Price,
			Quantity:   req.Quantity,
			State:      models.OrderOpen,
			ReduceOnly: req.ReduceOnly,
			LevelIndex: -1,
			CreatedAt:  e.clock,
			UpdatedAt:  e.clock,
		},
	}
	e.nextID++
	e.orders[req.ClientID] = so

	events := []models.OrderEvent{e.event(&so.order, 0, 0, "NEW")}
	if req.Type == models.Market {
		so.order.Price = sym.price
		if ev, ok := e.fill(so, sym.price); ok {
			events = append(events, ev)
		}
	}
	return e.ack(&so.order), events, nil
}

// reservedMargin 挂单占用的保证金
func (e *Simulated) reservedMargin() float64 {
	total := 0.0
	for _, so := range e.openOrders("") {
		if so.order.ReduceOnly {
			continue
		}
		lev := float64(e.symbol(so.order.Symbol).leverage)
		if lev <= 0 {
			lev = 1
		}
		total += so.order.Remaining() * so.order.Price / lev
	}
	return total
}

func (e *Simulated) CancelOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderAck{}, err
	}
	e.mu.Lock()
	fault := e.takeFault("cancel_order")
	if fault != nil && !fault.ApplyFirst {
		e.mu.Unlock()
		return models.OrderAck{}, fault.Err
	}
	so, ok := e.orders[clientID]
	if !ok || so.order.Symbol != symbol || so.order.State.Terminal() {
		e.mu.Unlock()
		if fault != nil {
			return models.OrderAck{}, fault.Err
		}
		return models.OrderAck{}, &apperrors.Error{Kind: apperrors.KindOrderNotFound, Op: "cancel_order", Code: -2011, Msg: "Unknown order sent."}
	}
	so.order.State = models.OrderCancelled
	so.order.UpdatedAt = e.clock
	ack := e.ack(&so.order)
	ev := e.event(&so.order, 0, 0, "CANCELED")
	e.mu.Unlock()

	e.dispatch([]models.OrderEvent{ev})
	if fault != nil {
		return models.OrderAck{}, fault.Err
	}
	return ack, nil
}

func (e *Simulated) GetOrder(ctx context.Context, symbol, clientID string) (models.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.takeFault("get_order"); f != nil {
		return models.OrderAck{}, f.Err
	}
	so, ok := e.orders[clientID]
	if !ok || so.order.Symbol != symbol {
		return models.OrderAck{}, &apperrors.Error{Kind: apperrors.KindOrderNotFound, Op: "get_order", Code: -2013, Msg: "Order does not exist."}
	}
	return e.ack(&so.order), nil
}

func (e *Simulated) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.takeFault("open_orders"); f != nil {
		return nil, f.Err
	}
	open := e.openOrders(symbol)
	out := make([]models.Order, 0, len(open))
	for _, so := range open {
		out = append(out, so.order)
	}
	return out, nil
}

func (e *Simulated) GetPosition(ctx context.Context, symbol string) (models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.takeFault("get_position"); f != nil {
		return models.Position{}, f.Err
	}
	sym := e.symbol(symbol)
	pos := models.Position{
		Symbol:     symbol,
		Size:       sym.size,
		EntryPrice: sym.entry,
		MarkPrice:  sym.price,
		Leverage:   float64(sym.leverage),
		UpdatedAt:  e.clock,
	}
	if math.Abs(sym.size) > simEpsilon {
		pos.UnrealizedPnL = (sym.price - sym.entry) * sym.size
	}
	return pos, nil
}

func (e *Simulated) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	price := e.symbol(symbol).price
	upstream := e.upstream
	e.mu.Unlock()

	if price > 0 {
		return price, nil
	}
	if upstream != nil {
		p, err := upstream.GetPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		e.SetPrice(symbol, p, time.Now())
		return p, nil
	}
	return 0, apperrors.New(apperrors.KindTransientNetwork, "get_price", "no price for "+symbol+" yet")
}

func (e *Simulated) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbol(symbol).leverage = leverage
	return nil
}

// StreamPrice 模拟盘转发上游行情并先用它撮合；否则转发 SetPrice/SetCandle 产生的价格
func (e *Simulated) StreamPrice(ctx context.Context, symbol string, out chan<- models.Tick) error {
	if e.upstream != nil {
		return e.relayUpstream(ctx, symbol, out)
	}

	ch := make(chan models.Tick, 64)
	e.mu.Lock()
	if e.priceSubs[symbol] == nil {
		e.priceSubs[symbol] = make(map[chan models.Tick]struct{})
	}
	e.priceSubs[symbol][ch] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.priceSubs[symbol], ch)
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ch:
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *Simulated) relayUpstream(ctx context.Context, symbol string, out chan<- models.Tick) error {
	relay := make(chan models.Tick, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- e.upstream.StreamPrice(ctx, symbol, relay) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case t := <-relay:
			e.SetPrice(symbol, t.Price, t.Timestamp)
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// StreamOrderEvents 订阅订单事件，订阅者之间互不阻塞
func (e *Simulated) StreamOrderEvents(ctx context.Context, out chan<- models.OrderEvent) error {
	mb := mailbox.New[models.OrderEvent]()
	e.mu.Lock()
	e.eventSubs[mb] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.eventSubs, mb)
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mb.Notify():
			for _, ev := range mb.Drain() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// GetCandles 模拟交易所没有历史数据
func (e *Simulated) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if src, ok := e.upstream.(CandleSource); ok {
		return src.GetCandles(ctx, symbol, interval, limit)
	}
	return nil, nil
}

// --- 回测报告数据 ---

// TradeLog 已平仓交易记录
func (e *Simulated) TradeLog() []models.CompletedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.CompletedTrade, len(e.tradeLog))
	copy(out, e.tradeLog)
	return out
}

// EquityCurve 每次价格推进后的权益
func (e *Simulated) EquityCurve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.equityCurve))
	copy(out, e.equityCurve)
	return out
}

// DailyEquity 返回每日权益的只读副本
func (e *Simulated) DailyEquity() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make(map[string]float64, len(e.dailyEquity))
	for k, v := range e.dailyEquity {
		cpy[k] = v
	}
	return cpy
}

// TotalFees 累积手续费
func (e *Simulated) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// MaxWalletExposure 返回回测期间记录的最大钱包风险暴露
func (e *Simulated) MaxWalletExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxExposure
}

// IsLiquidated 返回账户是否已经历爆仓
func (e *Simulated) IsLiquidated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidated
}

// Orders 所有订单的副本，按下单顺序
func (e *Simulated) Orders(symbol string) []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := make([]*simOrder, 0, len(e.orders))
	for _, so := range e.orders {
		if symbol == "" || strings.EqualFold(so.order.Symbol, symbol) {
			all = append(all, so)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]models.Order, len(all))
	for i, so := range all {
		out[i] = so.order
	}
	return out
}
