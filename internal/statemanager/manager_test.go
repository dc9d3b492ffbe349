package statemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"grid-trading-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedState   *models.SessionState
	saveCount    int
	loadState    *models.SessionState
	loadError    error
	saveError    error
	saveDelay    time.Duration
	saveDoneChan chan bool // Signals each completed SaveState
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 64),
	}
}

func (m *mockStateRepository) SaveState(state *models.SessionState) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.Lock()
	defer m.Unlock()

	m.saveCount++
	m.savedState = state.Clone()

	select {
	case m.saveDoneChan <- true:
	default:
	}
	return m.saveError
}

func (m *mockStateRepository) LoadState() (*models.SessionState, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadState, m.loadError
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSavedState() *models.SessionState {
	m.Lock()
	defer m.Unlock()
	return m.savedState
}

func (m *mockStateRepository) saves() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCount
}

func waitSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

func newState(id string) *models.SessionState {
	return models.NewSessionState(id, time.Now())
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(newState("test-session"), newMockStateRepository(), zap.NewNop())
	require.NotNil(t, sm)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "test-session", snapshot.SessionID)

	assert.NotNil(t, sm.eventChannel)
	assert.NotNil(t, sm.persistenceChan)
	assert.NotNil(t, sm.stopChan)
}

// TestStateResetEvent tests the handling of a StateResetEvent.
func TestStateResetEvent(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(newState("initial"), repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	reset := newState("reset")
	reset.Version = 2
	reset.Risk.DailyPnL = 1.23
	sm.DispatchEvent(NormalizedEvent{Type: StateResetEvent, Timestamp: time.Now(), Data: reset})
	waitSave(t, repo)

	snapshot := sm.GetStateSnapshot()
	assert.Equal(t, "reset", snapshot.SessionID)
	assert.Equal(t, 2, snapshot.Version)
	assert.Equal(t, 1.23, snapshot.Risk.DailyPnL)

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, "reset", saved.SessionID)
}

// TestSymbolAndRiskUpdates tests that checkpoints carry both symbol and session data.
func TestSymbolAndRiskUpdates(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(newState("s"), repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	levels := []models.GridLevel{{Symbol: "BTCUSDT", Index: 0, Price: 44000, State: models.LevelPending, OrderID: "ge1"}}
	sm.UpdateSymbol(models.SymbolState{Symbol: "BTCUSDT", Generation: 1, Levels: levels, OrderSeq: 7})
	levels[0].State = models.LevelEmpty // caller keeps mutating its own slice
	sm.UpdateRisk(models.RiskState{DailyPnL: -3, ConsecutiveLosses: 1}, models.CoverLossState{CurrentMultiplier: 1.5, StreakCount: 1})

	require.Eventually(t, func() bool {
		saved := repo.getSavedState()
		return saved != nil && saved.CoverLoss.CurrentMultiplier == 1.5 && saved.Symbols["BTCUSDT"] != nil
	}, time.Second, time.Millisecond)

	snapshot := sm.GetStateSnapshot()
	require.Contains(t, snapshot.Symbols, "BTCUSDT")
	assert.Equal(t, models.LevelPending, snapshot.Symbols["BTCUSDT"].Levels[0].State)
	assert.Equal(t, uint64(7), snapshot.Symbols["BTCUSDT"].OrderSeq)
	assert.Equal(t, -3.0, snapshot.Risk.DailyPnL)
}

// TestAsyncPersistence verifies that state persistence happens asynchronously.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockStateRepository()
	repo.saveDelay = 20 * time.Millisecond
	sm := NewStateManager(newState("async"), repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	start := time.Now()
	sm.DispatchEvent(NormalizedEvent{Type: StateResetEvent, Timestamp: time.Now(), Data: newState("new-state")})
	assert.Less(t, time.Since(start), 20*time.Millisecond, "dispatch does not wait for the store")

	waitSave(t, repo)
	assert.Equal(t, "new-state", repo.getSavedState().SessionID)
}

// TestCheckpointsCoalesce verifies that a slow store sees the newest state without saving every event.
func TestCheckpointsCoalesce(t *testing.T) {
	repo := newMockStateRepository()
	repo.saveDelay = 10 * time.Millisecond
	sm := NewStateManager(newState("c"), repo, zap.NewNop())
	sm.Start()

	for i := 1; i <= 50; i++ {
		sm.UpdateRisk(models.RiskState{DailyTradeCount: i}, models.CoverLossState{CurrentMultiplier: 1})
	}
	sm.Stop()

	assert.Less(t, repo.saves(), 50)
	assert.Equal(t, 50, repo.getSavedState().Risk.DailyTradeCount, "final flush holds the newest state")
}

// TestStopFlushesAndIsIdempotent verifies the final synchronous save.
func TestStopFlushesAndIsIdempotent(t *testing.T) {
	repo := newMockStateRepository()
	repo.saveError = errors.New("disk full")
	sm := NewStateManager(newState("stop"), repo, zap.NewNop())
	sm.Start()
	sm.UpdateSymbol(models.SymbolState{Symbol: "ETHUSDT"})
	sm.Stop()
	sm.Stop()

	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Contains(t, saved.Symbols, "ETHUSDT")

	// dispatch after stop does not block
	done := make(chan struct{})
	go func() {
		sm.UpdateSymbol(models.SymbolState{Symbol: "BTCUSDT"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch after stop blocked")
	}
}
