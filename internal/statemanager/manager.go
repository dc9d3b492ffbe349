package statemanager

import (
	"sync"
	"time"

	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	SymbolUpdateEvent EventType = iota
	RiskUpdateEvent
	StateResetEvent
)

// NormalizedEvent is a standardized internal representation of a state change.
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// RiskUpdateEventData carries the process-wide risk and cover-loss state.
type RiskUpdateEventData struct {
	Risk      models.RiskState
	CoverLoss models.CoverLossState
}

// StateManager is responsible for all session state mutations and persistence.
// Trading loops dispatch their changes here; mutations are applied serially
// and checkpoints are written asynchronously. When the store is slower than
// the event rate only the newest checkpoint is kept.
type StateManager struct {
	mu              sync.RWMutex
	state           *models.SessionState
	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.SessionState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil, in which case
// nothing is persisted.
func NewStateManager(initialState *models.SessionState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.SessionState, 1),
		stopChan:        make(chan struct{}),
		logger:          logger.With(zap.String("component", "statemanager")),
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop drains queued events, stops both loops and writes a final checkpoint
// synchronously. It is safe to call more than once.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.Flush()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// Flush writes the current state to the repository synchronously.
func (sm *StateManager) Flush() {
	if sm.repo == nil {
		return
	}
	if snapshot := sm.GetStateSnapshot(); snapshot != nil {
		if err := sm.repo.SaveState(snapshot); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save final state: %v", err)
		}
	}
}

// DispatchEvent sends an event to the StateManager for processing. Events
// dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// UpdateSymbol records the grid and position checkpoint of one symbol. The
// levels are copied before the call returns, so the caller may keep mutating
// its slice.
func (sm *StateManager) UpdateSymbol(state models.SymbolState) {
	levels := make([]models.GridLevel, len(state.Levels))
	copy(levels, state.Levels)
	state.Levels = levels
	sm.DispatchEvent(NormalizedEvent{Type: SymbolUpdateEvent, Timestamp: time.Now(), Data: state})
}

// UpdateRisk records the session risk and cover-loss state.
func (sm *StateManager) UpdateRisk(risk models.RiskState, cover models.CoverLossState) {
	sm.DispatchEvent(NormalizedEvent{Type: RiskUpdateEvent, Timestamp: time.Now(), Data: RiskUpdateEventData{Risk: risk, CoverLoss: cover}})
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.Clone()
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.SaveState(stateToSave); err != nil {
					sm.logger.Sugar().Errorf("CRITICAL: Failed to save state: %v", err)
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

// processEvent mutates the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	switch event.Type {
	case SymbolUpdateEvent:
		if data, ok := event.Data.(models.SymbolState); ok {
			if sm.state.Symbols == nil {
				sm.state.Symbols = make(map[string]*models.SymbolState)
			}
			sm.state.Symbols[data.Symbol] = &data
		} else {
			sm.logger.Sugar().Warnf("Received SymbolUpdateEvent with unexpected data type: %T", event.Data)
		}
	case RiskUpdateEvent:
		if data, ok := event.Data.(RiskUpdateEventData); ok {
			sm.state.Risk = data.Risk
			sm.state.CoverLoss = data.CoverLoss
		} else {
			sm.logger.Sugar().Warnf("Received RiskUpdateEvent with unexpected data type: %T", event.Data)
		}
	case StateResetEvent:
		if newState, ok := event.Data.(*models.SessionState); ok {
			sm.state = newState.Clone()
			sm.logger.Sugar().Info("State has been reset.")
		} else {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
		}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	sm.state.LastUpdateTime = event.Timestamp
	stateCopy := sm.state.Clone()
	sm.mu.Unlock()

	// Keep only the newest pending checkpoint.
	select {
	case sm.persistenceChan <- stateCopy:
	default:
		select {
		case <-sm.persistenceChan:
		default:
		}
		sm.persistenceChan <- stateCopy
	}
}
