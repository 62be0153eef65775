package events

import (
	"context"
	"time"

	"docforge/internal/entity"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "GENERATION_COMPLETED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

const (
	TypeGenerationStarted   = "GENERATION_STARTED"
	TypeGenerationCompleted = "GENERATION_COMPLETED"
	TypeArtifactReady       = "ARTIFACT_READY"
	TypeSessionReset        = "SESSION_RESET"
)

type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// NewSessionEvent describes a lifecycle step of one generation session.
// Streamed text and artifact bytes are left out on purpose; consumers fetch them.
func NewSessionEvent(eventType string, s entity.Session) BaseEvent {
	data := map[string]interface{}{
		"session_id":       s.Id.String(),
		"project_id":       s.ProjectId,
		"document_type":    string(s.DocumentType),
		"view_stage":       string(s.ViewStage),
		"progress_percent": s.ProgressPercent,
		"characters":       s.StreamedLen(),
	}
	if s.Artifact != nil {
		data["artifact_name"] = s.Artifact.Name
		data["artifact_bytes"] = len(s.Artifact.Content)
	}
	return BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now()}
}

// Publisher sends events to whatever bus is configured.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher is used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
