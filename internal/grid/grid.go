package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"grid-trading-engine/internal/models"
)

var (
	ErrInvalidRange = errors.New("grid: invalid range")
	ErrLevelBusy    = errors.New("grid: level is not empty")
	ErrNoSuchLevel  = errors.New("grid: level not found")
	ErrPending      = errors.New("grid: pending levels must be cancelled before rebuild")
)

// Direction 价格穿越网格档位的方向
type Direction int

const (
	Up Direction = iota + 1
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// OrderSide 上穿挂卖单，下穿挂买单
func (d Direction) OrderSide() models.Side {
	if d == Up {
		return models.Sell
	}
	return models.Buy
}

// Crossing 一次档位穿越
type Crossing struct {
	Index     int
	Price     float64
	Direction Direction
}

// BuildPrices 按间距模式生成严格递增的档位价格。
// atr 模式下 step 为 ATR 推导的间距，档位以区间中点为中心。
func BuildPrices(low, high float64, n int, spacing models.Spacing, atrStep float64) ([]float64, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: level_count %d", ErrInvalidRange, n)
	}
	prices := make([]float64, n)
	switch spacing {
	case models.SpacingAbsolute, "":
		if low <= 0 || high <= low {
			return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, low, high)
		}
		step := (high - low) / float64(n-1)
		for i := range prices {
			prices[i] = low + float64(i)*step
		}
		prices[n-1] = high
	case models.SpacingPercentage:
		if low <= 0 || high <= low {
			return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidRange, low, high)
		}
		ratio := math.Pow(high/low, 1/float64(n-1))
		for i := range prices {
			prices[i] = low * math.Pow(ratio, float64(i))
		}
		prices[n-1] = high
	case models.SpacingATR:
		if atrStep <= 0 {
			return nil, fmt.Errorf("%w: atr step %v", ErrInvalidRange, atrStep)
		}
		mid := (low + high) / 2
		half := float64(n-1) / 2
		for i := range prices {
			prices[i] = mid + (float64(i)-half)*atrStep
		}
		if prices[0] <= 0 {
			return nil, fmt.Errorf("%w: atr step %v too wide for mid %v", ErrInvalidRange, atrStep, mid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown spacing %q", ErrInvalidRange, spacing)
	}
	for i := 1; i < n; i++ {
		if prices[i] <= prices[i-1] {
			return nil, fmt.Errorf("%w: levels not increasing at %d", ErrInvalidRange, i)
		}
	}
	return prices, nil
}

// Ledger 持有一个交易对的网格档位及其占用状态。
// 只由该交易对的循环访问，不加锁。
type Ledger struct {
	symbol     string
	low, high  float64
	generation int
	levels     []models.GridLevel
}

// NewLedger 创建空网格
func NewLedger(symbol string) *Ledger {
	return &Ledger{symbol: symbol}
}

// Rebuild 丢弃旧档位并生成新网格。存在挂单中的档位时拒绝重建，
// 调用方必须先撤单并等待确认。
func (l *Ledger) Rebuild(cfg models.GridConfig, low, high, atr float64) error {
	if len(l.Pending()) > 0 {
		return ErrPending
	}
	step := atr * cfg.ATRMultiplier
	prices, err := BuildPrices(low, high, cfg.LevelCount, cfg.Spacing, step)
	if err != nil {
		return err
	}
	levels := make([]models.GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = models.GridLevel{Symbol: l.symbol, Index: i, Price: p, State: models.LevelEmpty}
	}
	l.levels = levels
	l.low, l.high = prices[0], prices[len(prices)-1]
	l.generation++
	return nil
}

// Restore 从持久化状态恢复网格
func (l *Ledger) Restore(st *models.SymbolState) {
	l.levels = make([]models.GridLevel, len(st.Levels))
	copy(l.levels, st.Levels)
	l.low, l.high = st.Low, st.High
	l.generation = st.Generation
}

// Generation 网格代数，每次重建加一
func (l *Ledger) Generation() int { return l.generation }

// Range 当前网格上下界
func (l *Ledger) Range() (float64, float64) { return l.low, l.high }

// Built 是否已经生成网格
func (l *Ledger) Built() bool { return len(l.levels) > 0 }

// OutOfRange 价格是否离开网格区间
func (l *Ledger) OutOfRange(price float64) bool {
	return l.Built() && (price < l.low || price > l.high)
}

// Levels 返回档位副本
func (l *Ledger) Levels() []models.GridLevel {
	out := make([]models.GridLevel, len(l.levels))
	copy(out, l.levels)
	return out
}

// Level 按索引获取档位
func (l *Ledger) Level(index int) (models.GridLevel, bool) {
	if index < 0 || index >= len(l.levels) {
		return models.GridLevel{}, false
	}
	return l.levels[index], true
}

// Crossings 返回 prev 到 cur 之间被穿越的档位，按穿越先后排序。
// 恰好落在档位上视为穿越，从档位上离开不重复计入。
func (l *Ledger) Crossings(prev, cur float64) []Crossing {
	if prev <= 0 || cur == prev || len(l.levels) == 0 {
		return nil
	}
	var out []Crossing
	if cur > prev {
		start := sort.Search(len(l.levels), func(i int) bool { return l.levels[i].Price > prev })
		for i := start; i < len(l.levels) && l.levels[i].Price <= cur; i++ {
			out = append(out, Crossing{Index: i, Price: l.levels[i].Price, Direction: Up})
		}
		return out
	}
	// 下穿：第一个 >= prev 的档位之前的所有档位，从高到低
	end := sort.Search(len(l.levels), func(i int) bool { return l.levels[i].Price >= prev })
	for i := end - 1; i >= 0 && l.levels[i].Price >= cur; i-- {
		out = append(out, Crossing{Index: i, Price: l.levels[i].Price, Direction: Down})
	}
	return out
}

// Nearest 返回距离价格最近的档位索引
func (l *Ledger) Nearest(price float64) (int, bool) {
	if len(l.levels) == 0 {
		return 0, false
	}
	i := sort.Search(len(l.levels), func(i int) bool { return l.levels[i].Price >= price })
	switch {
	case i == 0:
		return 0, true
	case i == len(l.levels):
		return len(l.levels) - 1, true
	case price-l.levels[i-1].Price <= l.levels[i].Price-price:
		return i - 1, true
	default:
		return i, true
	}
}

// MarkPending empty → order_pending
func (l *Ledger) MarkPending(index int, side models.Side, orderID string) error {
	lv, err := l.at(index)
	if err != nil {
		return err
	}
	if lv.State != models.LevelEmpty {
		return fmt.Errorf("%w: %d is %s", ErrLevelBusy, index, lv.State)
	}
	lv.State = models.LevelPending
	lv.Side = side
	lv.OrderID = orderID
	lv.FilledQty = 0
	return nil
}

// MarkFilled order_pending → filled，orderID 必须匹配
func (l *Ledger) MarkFilled(index int, orderID string, qty float64) error {
	lv, err := l.owned(index, orderID)
	if err != nil {
		return err
	}
	lv.State = models.LevelFilled
	lv.FilledQty = qty
	return nil
}

// Release order_pending → empty，在撤单或拒单被确认后调用
func (l *Ledger) Release(index int, orderID string) error {
	lv, err := l.owned(index, orderID)
	if err != nil {
		return err
	}
	if lv.State != models.LevelPending {
		return fmt.Errorf("%w: %d is %s", ErrNoSuchLevel, index, lv.State)
	}
	*lv = models.GridLevel{Symbol: lv.Symbol, Index: lv.Index, Price: lv.Price, State: models.LevelEmpty}
	return nil
}

// ReleaseFilled 将指定方向开仓的已成交档位恢复为空，返回释放数量。
// 在该方向的仓位被平掉或反手后调用。
func (l *Ledger) ReleaseFilled(side models.Side) int {
	n := 0
	for i := range l.levels {
		lv := &l.levels[i]
		if lv.State == models.LevelFilled && lv.Side == side {
			*lv = models.GridLevel{Symbol: lv.Symbol, Index: lv.Index, Price: lv.Price, State: models.LevelEmpty}
			n++
		}
	}
	return n
}

// Vacate 将订单占用的档位(挂单中或已成交)直接恢复为空。
// 用于只减仓的成交：该档位没有留下需要配对的持仓。
func (l *Ledger) Vacate(index int, orderID string) error {
	lv, err := l.owned(index, orderID)
	if err != nil {
		return err
	}
	if lv.State == models.LevelEmpty {
		return fmt.Errorf("%w: %d is already empty", ErrNoSuchLevel, index)
	}
	*lv = models.GridLevel{Symbol: lv.Symbol, Index: lv.Index, Price: lv.Price, State: models.LevelEmpty}
	return nil
}

// ReleaseNearestFilled 释放指定方向、价格最接近 price 的已成交档位，即与一笔平仓成交配对的开仓档位
func (l *Ledger) ReleaseNearestFilled(side models.Side, price float64) (int, bool) {
	best := -1
	for i := range l.levels {
		lv := &l.levels[i]
		if lv.State != models.LevelFilled || lv.Side != side {
			continue
		}
		if best < 0 || math.Abs(lv.Price-price) < math.Abs(l.levels[best].Price-price) {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	lv := &l.levels[best]
	*lv = models.GridLevel{Symbol: lv.Symbol, Index: lv.Index, Price: lv.Price, State: models.LevelEmpty}
	return best, true
}

// FindByOrder 通过订单 id 查找档位
func (l *Ledger) FindByOrder(orderID string) (int, bool) {
	if orderID == "" {
		return 0, false
	}
	for i := range l.levels {
		if l.levels[i].OrderID == orderID && l.levels[i].State != models.LevelEmpty {
			return i, true
		}
	}
	return 0, false
}

// Pending 所有挂单中的档位
func (l *Ledger) Pending() []models.GridLevel {
	var out []models.GridLevel
	for _, lv := range l.levels {
		if lv.State == models.LevelPending {
			out = append(out, lv)
		}
	}
	return out
}

// Counts 各状态档位数量
func (l *Ledger) Counts() (empty, pending, filled int) {
	for _, lv := range l.levels {
		switch lv.State {
		case models.LevelEmpty:
			empty++
		case models.LevelPending:
			pending++
		case models.LevelFilled:
			filled++
		}
	}
	return
}

func (l *Ledger) at(index int) (*models.GridLevel, error) {
	if index < 0 || index >= len(l.levels) {
		return nil, fmt.Errorf("%w: index %d", ErrNoSuchLevel, index)
	}
	return &l.levels[index], nil
}

func (l *Ledger) owned(index int, orderID string) (*models.GridLevel, error) {
	lv, err := l.at(index)
	if err != nil {
		return nil, err
	}
	if lv.OrderID != orderID {
		return nil, fmt.Errorf("%w: %d is owned by %q, not %q", ErrNoSuchLevel, index, lv.OrderID, orderID)
	}
	return lv, nil
}
