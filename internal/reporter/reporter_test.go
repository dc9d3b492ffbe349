package reporter

import (
	"bytes"
	"testing"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	trades []models.CompletedTrade
	curve  []float64
}

func (f fakeSource) TradeLog() []models.CompletedTrade { return f.trades }
func (f fakeSource) EquityCurve() []float64            { return f.curve }
func (f fakeSource) TotalFees() float64                { return 1.5 }
func (f fakeSource) MaxWalletExposure() float64        { return 500 }
func (f fakeSource) IsLiquidated() bool                { return false }

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdown(nil))
	assert.Equal(t, 0.0, MaxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.25, MaxDrawdown([]float64{100, 120, 90, 110, 95}), 1e-12)
}

func TestCalculate(t *testing.T) {
	src := fakeSource{
		trades: []models.CompletedTrade{{Profit: 30}, {Profit: 10}, {Profit: -20}, {Profit: 0}},
		curve:  []float64{1000, 1030, 1010, 1020},
	}
	m := Calculate(src, 1000)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 50.0, m.WinRate)
	assert.InDelta(t, 2.0, m.AvgProfitLoss, 1e-12)
	assert.Equal(t, 1020.0, m.FinalEquity)
	assert.InDelta(t, 2.0, m.ProfitPercentage, 1e-12)
	assert.InDelta(t, 20.0/1030*100, m.MaxDrawdown, 1e-9)
	assert.Equal(t, 1.5, m.TotalFees)
}

func TestWriteReportAndStatus(t *testing.T) {
	var buf bytes.Buffer
	WriteReport(&buf, Metrics{InitialBalance: 1000, FinalEquity: 1100, TotalTrades: 3, StartTime: time.Now(), EndTime: time.Now()}, "data.csv", []string{"BTCUSDT"})
	assert.Contains(t, buf.String(), "1100.00 USDT")
	assert.Contains(t, buf.String(), "data.csv")

	buf.Reset()
	WriteStatus(&buf, models.Snapshot{
		SessionID: "abc",
		Status:    models.StatusRunning,
		Symbols: map[string]models.SymbolSnapshot{
			"BTCUSDT": {
				Symbol:   "BTCUSDT",
				LastTick: models.Tick{Price: 44000},
				Position: models.Position{Size: 0.1, EntryPrice: 43500},
				Levels:   []models.GridLevel{{State: models.LevelPending}, {State: models.LevelFilled}},
			},
		},
		Events: []models.Event{{At: time.Now(), Symbol: "BTCUSDT", Code: "RiskDenied", Message: "DailyLossLimit"}},
	})
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "44000.00")
	assert.Contains(t, out, "DailyLossLimit")
}
