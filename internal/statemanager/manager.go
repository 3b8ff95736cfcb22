package statemanager

import (
	"sync/atomic"
	"time"

	"dex-keeper-go/internal/models"
	"dex-keeper-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	StateResetEvent EventType = iota
	PricesSnapshotEvent
	CounterEvent
	ErrorEvent
)

// Loop names used in counter events.
const (
	LoopKeeper = "keeper"
	LoopFeeder = "feeder"
)

// Counter fields.
const (
	CounterCycle      = "cycle"
	CounterExecuted   = "executed"
	CounterLiquidated = "liquidated"
	CounterPublished  = "published"
	CounterSkipped    = "skipped"
	CounterFailed     = "failed"
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CounterEventData increments one counter of one loop. Class labels failures.
type CounterEventData struct {
	Loop  string
	Field string
	Class string
}

// StateManager is responsible for all state mutations and persistence.
// It ensures that all state changes are processed serially.
type StateManager struct {
	state           *models.AgentState
	repo            persistence.StateRepository
	errorLogMax     int
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.AgentState
	snapshotReq     chan chan *models.AgentState
	stopChan        chan bool
	running         atomic.Bool
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. errorLogMax bounds the recent error log.
func NewStateManager(initialState *models.AgentState, repo persistence.StateRepository, errorLogMax int, logger *zap.Logger) *StateManager {
	if errorLogMax <= 0 {
		errorLogMax = 10
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		errorLogMax:     errorLogMax,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.AgentState, 128),
		snapshotReq:     make(chan chan *models.AgentState),
		stopChan:        make(chan bool),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.running.Store(true)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager.
func (sm *StateManager) Stop() {
	sm.running.Store(false)
	close(sm.stopChan)
	sm.logger.Sugar().Info("StateManager stopped.")
}

// DispatchEvent sends an event to the StateManager for processing. Events sent after
// Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if sm == nil {
		return
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
	}
}

// RecordCounter is a shorthand for a CounterEvent.
func (sm *StateManager) RecordCounter(loop, field, class string) {
	sm.DispatchEvent(NormalizedEvent{
		Type:      CounterEvent,
		Timestamp: time.Now(),
		Data:      CounterEventData{Loop: loop, Field: field, Class: class},
	})
}

// RecordError appends to the bounded recent error log.
func (sm *StateManager) RecordError(where, message string) {
	sm.DispatchEvent(NormalizedEvent{
		Type:      ErrorEvent,
		Timestamp: time.Now(),
		Data:      models.ErrorEntry{Time: time.Now(), Context: where, Message: message},
	})
}

// RecordPrices replaces the persisted price states.
func (sm *StateManager) RecordPrices(prices map[string]models.PriceState) {
	sm.DispatchEvent(NormalizedEvent{Type: PricesSnapshotEvent, Timestamp: time.Now(), Data: prices})
}

// GetStateSnapshot returns a deep copy of the current state. The copy is taken on the
// event loop so it never races with a mutation; before Start it reads directly.
func (sm *StateManager) GetStateSnapshot() *models.AgentState {
	if sm == nil {
		return nil
	}
	if !sm.running.Load() {
		return sm.deepCopy()
	}
	reply := make(chan *models.AgentState, 1)
	select {
	case sm.snapshotReq <- reply:
		return <-reply
	case <-sm.stopChan:
		return sm.deepCopy()
	}
}

// deepCopy creates a deep copy of the AgentState to prevent data races.
func (sm *StateManager) deepCopy() *models.AgentState {
	if sm.state == nil {
		return nil
	}
	stateCopy := *sm.state

	if sm.state.Prices != nil {
		stateCopy.Prices = make(map[string]models.PriceState, len(sm.state.Prices))
		for k, v := range sm.state.Prices {
			stateCopy.Prices[k] = v.Clone()
		}
	}
	stateCopy.Keeper = copyCounters(sm.state.Keeper)
	stateCopy.Feeder = copyCounters(sm.state.Feeder)
	if sm.state.RecentErrors != nil {
		stateCopy.RecentErrors = make([]models.ErrorEntry, len(sm.state.RecentErrors))
		copy(stateCopy.RecentErrors, sm.state.RecentErrors)
	}
	return &stateCopy
}

func copyCounters(c models.Counters) models.Counters {
	out := c
	out.Failed = make(map[string]uint64, len(c.Failed))
	for k, v := range c.Failed {
		out.Failed[k] = v
	}
	return out
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case reply := <-sm.snapshotReq:
			reply <- sm.deepCopy()
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
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

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case StateResetEvent:
		if newState, ok := event.Data.(*models.AgentState); ok {
			sm.state = newState
			sm.logger.Sugar().Info("State has been reset.")
		} else {
			sm.logger.Sugar().Warnf("Received StateResetEvent with unexpected data type: %T", event.Data)
		}
	case PricesSnapshotEvent:
		if prices, ok := event.Data.(map[string]models.PriceState); ok {
			sm.state.Prices = prices
		} else {
			sm.logger.Sugar().Warnf("Received PricesSnapshotEvent with unexpected data type: %T", event.Data)
		}
	case CounterEvent:
		if data, ok := event.Data.(CounterEventData); ok {
			sm.handleCounter(data)
		} else {
			sm.logger.Sugar().Warnf("Received CounterEvent with unexpected data type: %T", event.Data)
		}
	case ErrorEvent:
		if entry, ok := event.Data.(models.ErrorEntry); ok {
			sm.state.RecentErrors = append(sm.state.RecentErrors, entry)
			if n := len(sm.state.RecentErrors); n > sm.errorLogMax {
				sm.state.RecentErrors = append([]models.ErrorEntry(nil), sm.state.RecentErrors[n-sm.errorLogMax:]...)
			}
		} else {
			sm.logger.Sugar().Warnf("Received ErrorEvent with unexpected data type: %T", event.Data)
		}
	}

	sm.state.LastUpdateTime = time.Now()

	// After processing, hand a deep copy to the persistence loop. A full queue means a
	// newer snapshot will follow shortly, so this one can be dropped.
	if stateCopy := sm.deepCopy(); stateCopy != nil {
		select {
		case sm.persistenceChan <- stateCopy:
		default:
			sm.logger.Sugar().Warn("Persistence queue full, dropping snapshot.")
		}
	}
}

func (sm *StateManager) handleCounter(data CounterEventData) {
	c := &sm.state.Keeper
	if data.Loop == LoopFeeder {
		c = &sm.state.Feeder
	}
	switch data.Field {
	case CounterCycle:
		c.Cycles++
	case CounterExecuted:
		c.Executed++
	case CounterLiquidated:
		c.Liquidated++
	case CounterPublished:
		c.Published++
	case CounterSkipped:
		c.Skipped++
	case CounterFailed:
		if c.Failed == nil {
			c.Failed = make(map[string]uint64)
		}
		c.Failed[data.Class]++
	default:
		sm.logger.Sugar().Warnf("Unknown counter %q for loop %s", data.Field, data.Loop)
	}
}
