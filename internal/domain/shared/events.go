package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each one marks a lifecycle transition of an experiment run.
const (
	EventRunCreated     EventType = "experiment.created"
	EventRunConfigured  EventType = "experiment.configured"
	EventGroupsAssigned EventType = "experiment.assigned"
	EventRunAnalyzed    EventType = "experiment.analyzed"
	EventRunReset       EventType = "experiment.reset"
	EventAccrualChecked EventType = "experiment.accrual_checked"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Experiment Events
// ═══════════════════════════════════════════════════════════════════════════

// RunCreatedEvent is emitted when a new run is opened.
type RunCreatedEvent struct {
	BaseEvent
	Name string `json:"name"`
}

// Payload implements Event interface.
func (e RunCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"name": e.Name}
}

// NewRunCreatedEvent creates a new RunCreatedEvent.
func NewRunCreatedEvent(runID, name string) RunCreatedEvent {
	return RunCreatedEvent{
		BaseEvent: NewBaseEvent(EventRunCreated, runID),
		Name:      name,
	}
}

// RunConfiguredEvent is emitted once power planning succeeded for a run.
type RunConfiguredEvent struct {
	BaseEvent
	EffectSize     float64 `json:"effect_size"`
	Alpha          float64 `json:"alpha"`
	Power          float64 `json:"power"`
	TotalRequiredN int     `json:"total_required_n"`
	ExpectedDays   int     `json:"expected_days"`
}

// Payload implements Event interface.
func (e RunConfiguredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"effect_size":      e.EffectSize,
		"alpha":            e.Alpha,
		"power":            e.Power,
		"total_required_n": e.TotalRequiredN,
		"expected_days":    e.ExpectedDays,
	}
}

// NewRunConfiguredEvent creates a new RunConfiguredEvent.
func NewRunConfiguredEvent(runID string, effectSize, alpha, power float64, totalRequired, expectedDays int) RunConfiguredEvent {
	return RunConfiguredEvent{
		BaseEvent:      NewBaseEvent(EventRunConfigured, runID),
		EffectSize:     effectSize,
		Alpha:          alpha,
		Power:          power,
		TotalRequiredN: totalRequired,
		ExpectedDays:   expectedDays,
	}
}

// GroupsAssignedEvent is emitted after assignments were persisted.
type GroupsAssignedEvent struct {
	BaseEvent
	Control   int   `json:"control"`
	Treatment int   `json:"treatment"`
	Seed      int64 `json:"seed"`
}

// Payload implements Event interface.
func (e GroupsAssignedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"control":   e.Control,
		"treatment": e.Treatment,
		"seed":      e.Seed,
	}
}

// NewGroupsAssignedEvent creates a new GroupsAssignedEvent.
func NewGroupsAssignedEvent(runID string, control, treatment int, seed int64) GroupsAssignedEvent {
	return GroupsAssignedEvent{
		BaseEvent: NewBaseEvent(EventGroupsAssigned, runID),
		Control:   control,
		Treatment: treatment,
		Seed:      seed,
	}
}

// RunAnalyzedEvent is emitted whenever a hypothesis test result is stored.
type RunAnalyzedEvent struct {
	BaseEvent
	ChiSquare   float64 `json:"chi_square"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
	SampleSize  int     `json:"sample_size"`
}

// Payload implements Event interface.
func (e RunAnalyzedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"chi_square":  e.ChiSquare,
		"p_value":     e.PValue,
		"significant": e.Significant,
		"sample_size": e.SampleSize,
	}
}

// NewRunAnalyzedEvent creates a new RunAnalyzedEvent.
func NewRunAnalyzedEvent(runID string, chiSquare, pValue float64, significant bool, sampleSize int) RunAnalyzedEvent {
	return RunAnalyzedEvent{
		BaseEvent:   NewBaseEvent(EventRunAnalyzed, runID),
		ChiSquare:   chiSquare,
		PValue:      pValue,
		Significant: significant,
		SampleSize:  sampleSize,
	}
}

// RunResetEvent is emitted after run data was deleted.
type RunResetEvent struct {
	BaseEvent
	Forced        bool   `json:"forced"`
	PreviousPhase string `json:"previous_phase"`
}

// Payload implements Event interface.
func (e RunResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"forced":         e.Forced,
		"previous_phase": e.PreviousPhase,
	}
}

// NewRunResetEvent creates a new RunResetEvent.
func NewRunResetEvent(runID string, forced bool, previousPhase string) RunResetEvent {
	return RunResetEvent{
		BaseEvent:     NewBaseEvent(EventRunReset, runID),
		Forced:        forced,
		PreviousPhase: previousPhase,
	}
}

// AccrualCheckedEvent is emitted by accrual polling.
type AccrualCheckedEvent struct {
	BaseEvent
	Accrued int  `json:"accrued"`
	Target  int  `json:"target"`
	Ready   bool `json:"ready"`
}

// Payload implements Event interface.
func (e AccrualCheckedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"accrued": e.Accrued,
		"target":  e.Target,
		"ready":   e.Ready,
	}
}

// NewAccrualCheckedEvent creates a new AccrualCheckedEvent.
func NewAccrualCheckedEvent(runID string, accrued, target int, ready bool) AccrualCheckedEvent {
	return AccrualCheckedEvent{
		BaseEvent: NewBaseEvent(EventAccrualChecked, runID),
		Accrued:   accrued,
		Target:    target,
		Ready:     ready,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Infrastructure
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	Type        EventType       `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope serializes an event into an EventEnvelope.
func NewEnvelope(event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Payload:     payload,
	}, nil
}
