package persistence

import (
	"os"
	"testing"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleState() *models.SessionState {
	s := models.NewSessionState("session-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	s.Risk.DailyPnL = -12.5
	s.Risk.ConsecutiveLosses = 2
	s.CoverLoss = models.CoverLossState{CurrentMultiplier: 2.25, StreakCount: 2}
	s.Symbols["BTCUSDT"] = &models.SymbolState{
		Symbol:     "BTCUSDT",
		Generation: 3,
		Low:        43000,
		High:       45000,
		Levels: []models.GridLevel{
			{Symbol: "BTCUSDT", Index: 0, Price: 43000, State: models.LevelFilled, Side: models.Buy, OrderID: "geA", FilledQty: 0.1},
			{Symbol: "BTCUSDT", Index: 1, Price: 44000, State: models.LevelEmpty},
		},
		Position: models.Position{Symbol: "BTCUSDT", Size: 0.1, EntryPrice: 43000},
		OrderSeq: 42,
	}
	return s
}

func assertRoundTrip(t *testing.T, repo StateRepository) {
	t.Helper()
	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded, "empty store loads nil")

	want := sampleState()
	require.NoError(t, repo.SaveState(want))
	loaded, err = repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "session-1", loaded.SessionID)
	assert.Equal(t, 2.25, loaded.CoverLoss.CurrentMultiplier)
	require.Contains(t, loaded.Symbols, "BTCUSDT")
	sym := loaded.Symbols["BTCUSDT"]
	assert.Equal(t, uint64(42), sym.OrderSeq)
	assert.Equal(t, want.Symbols["BTCUSDT"].Levels, sym.Levels)

	want.Risk.DailyPnL = 5
	require.NoError(t, repo.SaveState(want))
	loaded, err = repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 5.0, loaded.Risk.DailyPnL, "save replaces the previous state")
}

func TestBadgerRepository(t *testing.T) {
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	defer repo.Close()
	assertRoundTrip(t, repo)
}

func TestRedisRepository(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	repo, err := NewRedisRepository(RedisOptions{Addr: addr, Key: "grid-engine:test:" + t.Name()})
	require.NoError(t, err)
	defer repo.Close()
	rr := repo.(*redisRepository)
	defer rr.rdb.Del(t.Context(), rr.key)
	assertRoundTrip(t, repo)
}

func TestOpenSelectsBackend(t *testing.T) {
	repo, err := Open(models.PersistenceConfig{Backend: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, repo)

	_, err = Open(models.PersistenceConfig{Backend: "etcd"}, zap.NewNop())
	assert.Error(t, err)

	repo, err = Open(models.PersistenceConfig{Backend: "badger", DBPath: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, repo.Close())
}
