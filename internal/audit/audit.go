package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeRelay represents a relayed request.
	EventTypeRelay EventType = "relay"
	// EventTypeAuthFailure represents a rejected signature.
	EventTypeAuthFailure EventType = "auth_failure"
	// EventTypeBackendError represents a backend transport failure.
	EventTypeBackendError EventType = "backend_error"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	AccessKey string        `json:"access_key,omitempty"`
	Method    string        `json:"method,omitempty"`
	Bucket    string        `json:"bucket,omitempty"`
	Key       string        `json:"key,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Status    int           `json:"status,omitempty"`
	BytesIn   int64         `json:"bytes_in,omitempty"`
	BytesOut  int64         `json:"bytes_out,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *Event) error

	// LogRelay logs one relayed request.
	LogRelay(accessKey, method, bucket, key, clientIP, requestID string, status int, bytesIn, bytesOut int64, duration time.Duration)

	// LogAuthFailure logs a rejected signature.
	LogAuthFailure(accessKey, method, clientIP, requestID string, err error)

	// LogBackendError logs a backend transport failure.
	LogBackendError(accessKey, method, bucket, key, requestID string, err error)

	// Events returns a copy of the buffered events.
	Events() []*Event
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger. Events are kept in a bounded
// in-memory ring and forwarded to the writer.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A failing writer must not fail the request being audited.
	_ = l.writer.WriteEvent(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// LogRelay logs one relayed request.
func (l *auditLogger) LogRelay(accessKey, method, bucket, key, clientIP, requestID string, status int, bytesIn, bytesOut int64, duration time.Duration) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeRelay,
		AccessKey: accessKey,
		Method:    method,
		Bucket:    bucket,
		Key:       key,
		ClientIP:  clientIP,
		RequestID: requestID,
		Status:    status,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
		Success:   status < 400,
		Duration:  duration,
	})
}

// LogAuthFailure logs a rejected signature.
func (l *auditLogger) LogAuthFailure(accessKey, method, clientIP, requestID string, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeAuthFailure,
		AccessKey: accessKey,
		Method:    method,
		ClientIP:  clientIP,
		RequestID: requestID,
		Success:   false,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogBackendError logs a backend transport failure.
func (l *auditLogger) LogBackendError(accessKey, method, bucket, key, requestID string, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeBackendError,
		AccessKey: accessKey,
		Method:    method,
		Bucket:    bucket,
		Key:       key,
		RequestID: requestID,
		Success:   false,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON lines.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	fmt.Printf("%s\n", string(data))
	return nil
}
