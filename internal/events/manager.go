package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	ErrorOccurred EventType = "ERROR_OCCURRED"

	// Order routing / mode gate events
	PendingOrderCreated  EventType = "PENDING_ORDER_CREATED"
	PendingOrderApproved EventType = "PENDING_ORDER_APPROVED"
	PendingOrderRejected EventType = "PENDING_ORDER_REJECTED"
	PendingOrderDeleted  EventType = "PENDING_ORDER_DELETED"
	OrderRoutedAuto      EventType = "ORDER_ROUTED_AUTO"

	// Broker session / credential events
	BrokerSessionEstablished EventType = "BROKER_SESSION_ESTABLISHED"
	BrokerSessionRevoked     EventType = "BROKER_SESSION_REVOKED"
	BrokerSessionExpired     EventType = "BROKER_SESSION_EXPIRED"

	// Auth cache events
	APIKeyInvalidated EventType = "API_KEY_INVALIDATED"

	// Sandbox events
	SandboxOrderFilled    EventType = "SANDBOX_ORDER_FILLED"
	SandboxSquareOffRun   EventType = "SANDBOX_SQUARE_OFF_RUN"
	SandboxFundsReset     EventType = "SANDBOX_FUNDS_RESET"

	// Symbol registry events
	RegistryRefreshed EventType = "REGISTRY_REFRESHED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Sink receives every emitted Event for durable storage, independent of the
// structured log stream (e.g. the Logs store in internal/orderlogs).
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Manager handles event emission and logging
type Manager struct {
	log  zerolog.Logger
	sink Sink
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("service", "events").Logger(),
	}
}

// SetSink attaches a durable event sink; every subsequent Emit is also
// recorded through it.
func (m *Manager) SetSink(sink Sink) {
	m.sink = sink
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	// Log event
	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	if m.sink != nil {
		m.sink.Record(context.Background(), event)
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
