package execution

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"grid-trading-engine/internal/apperrors"
	"grid-trading-engine/internal/models"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// DefaultClientIDPrefix 未配置前缀时使用
const DefaultClientIDPrefix = "ge"

// ClientID 由交易对、网格代数、档位、用途和序号确定性地生成 client order id。
// 相同输入总得到相同 id，重试同一笔下单时交易所会拒绝重复。
func ClientID(prefix, symbol string, generation, level int, purpose models.OrderPurpose, seq uint64) string {
	if prefix == "" {
		prefix = DefaultClientIDPrefix
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%s|%d", symbol, generation, level, purpose, seq)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return prefix + base62.EncodeToString(buf[:])
}

// Normalize 将价格按 tick 四舍五入、数量按 step 向下取整，并检查最小名义价值
func Normalize(in Intent, cfg models.SymbolConfig) (Intent, error) {
	qty := decimal.NewFromFloat(in.Quantity)
	if cfg.StepSize > 0 {
		step := decimal.NewFromFloat(cfg.StepSize)
		qty = qty.Div(step).Floor().Mul(step)
	}
	if !qty.IsPositive() {
		return in, apperrors.New(apperrors.KindOrderRejected, "normalize",
			fmt.Sprintf("quantity %v below step size %v", in.Quantity, cfg.StepSize))
	}

	price := decimal.NewFromFloat(in.Price)
	if cfg.TickSize > 0 && price.IsPositive() {
		tick := decimal.NewFromFloat(cfg.TickSize)
		price = price.Div(tick).Round(0).Mul(tick)
	}

	if cfg.MinNotional > 0 && !in.ReduceOnly && price.IsPositive() {
		notional := qty.Mul(price)
		if notional.LessThan(decimal.NewFromFloat(cfg.MinNotional)) {
			return in, apperrors.New(apperrors.KindOrderRejected, "normalize",
				fmt.Sprintf("notional %s below minimum %v", notional.StringFixed(4), cfg.MinNotional))
		}
	}

	in.Quantity = qty.InexactFloat64()
	if in.Type == models.Limit {
		in.Price = price.InexactFloat64()
	}
	return in, nil
}
