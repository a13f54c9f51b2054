package stream

import (
	"encoding/json"
	"time"

	"github.com/trymist/Mist/internal/domain"
)

// EventType discriminates live stream payloads.
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Event is one unit published to deployment subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// LogPayload carries one log entry.
type LogPayload struct {
	Line      string           `json:"line"`
	Stream    domain.LogStream `json:"stream"`
	Timestamp time.Time        `json:"timestamp"`
}

// StatusPayload carries a full deployment snapshot.
type StatusPayload struct {
	DeploymentID int64                   `json:"deploymentId"`
	AppID        int64                   `json:"appId"`
	Status       domain.DeploymentStatus `json:"status"`
	Stage        string                  `json:"stage"`
	Progress     int                     `json:"progress"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
	Duration     *int64                  `json:"duration,omitempty"`
}

// ErrorPayload carries an out-of-band error annotation. Receiving one tells
// the viewer to stop watching.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewLogEvent wraps a log entry.
func NewLogEvent(entry domain.LogEntry) Event {
	now := time.Now().UTC()
	return Event{Type: EventLog, Timestamp: now, Data: LogPayload{Line: entry.Line, Stream: entry.Stream, Timestamp: now}}
}

// NewStatusEvent snapshots a deployment record.
func NewStatusEvent(dep domain.Deployment) Event {
	return Event{Type: EventStatus, Timestamp: time.Now().UTC(), Data: StatusPayload{
		DeploymentID: dep.ID,
		AppID:        dep.AppID,
		Status:       dep.Status,
		Stage:        dep.Stage,
		Progress:     dep.Progress,
		ErrorMessage: dep.ErrorMessage,
		Duration:     dep.Duration,
	}}
}

// NewErrorEvent wraps an out-of-band error message.
func NewErrorEvent(message string) Event {
	return Event{Type: EventError, Timestamp: time.Now().UTC(), Data: ErrorPayload{Message: message}}
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// TerminalStatus reports whether the event is a status event carrying a
// terminal deployment state.
func (e Event) TerminalStatus() bool {
	if e.Type != EventStatus {
		return false
	}
	payload, ok := e.Data.(StatusPayload)
	return ok && payload.Status.Terminal()
}
