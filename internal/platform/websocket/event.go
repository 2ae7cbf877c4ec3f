// Package websocket pushes case events to connected browsers. Clients
// subscribe to topics ("cases", "case:<id>", "patient:<id>") and receive
// every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventPatientCreated     = "patient.created"
	EventCaseCreated        = "case.created"
	EventCaseUpdated        = "case.updated"
	EventCaseAnalyzed       = "case.analyzed"
	EventCaseAnalysisFailed = "case.analysis_failed"
	EventDocumentCreated    = "document.created"
	EventNoteCreated        = "note.created"
	EventInvoiceGenerated   = "invoice.generated"
	EventDatabaseCleaned    = "admin.database_cleaned"
)

// TopicAll receives every event.
const TopicAll = "cases"

func CaseTopic(caseID string) string       { return "case:" + caseID }
func PatientTopic(patientID string) string { return "patient:" + patientID }

// Event is a notification sent to websocket clients.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CaseID    string          `json:"caseId,omitempty"`
	PatientID string          `json:"patientId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event, marshaling data when it is not nil.
func NewEvent(eventType, caseID, patientID string, data any) Event {
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		CaseID:    caseID,
		PatientID: patientID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Topics returns every topic the event is delivered on.
func (e Event) Topics() []string {
	topics := []string{TopicAll}
	if e.CaseID != "" {
		topics = append(topics, CaseTopic(e.CaseID))
	}
	if e.PatientID != "" {
		topics = append(topics, PatientTopic(e.PatientID))
	}
	return topics
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher is implemented by the local Hub and by RedisBus.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
