package audit

import (
	"errors"
	"testing"
	"time"
)

type captureWriter struct {
	events []*Event
}

func (w *captureWriter) WriteEvent(event *Event) error {
	w.events = append(w.events, event)
	return nil
}

func TestLogRelay(t *testing.T) {
	writer := &captureWriter{}
	logger := NewLogger(100, writer)

	logger.LogRelay("TENANT-A", "GET", "photos", "cat.jpg", "10.0.0.1", "req-1", 200, 0, 4096, 20*time.Millisecond)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeRelay {
		t.Errorf("event type = %s", event.EventType)
	}
	if event.AccessKey != "TENANT-A" || event.Bucket != "photos" || event.Key != "cat.jpg" {
		t.Errorf("event = %+v", event)
	}
	if event.BytesOut != 4096 {
		t.Errorf("bytes out = %d", event.BytesOut)
	}
	if !event.Success {
		t.Error("expected success for status 200")
	}

	if len(writer.events) != 1 {
		t.Errorf("writer received %d events, want 1", len(writer.events))
	}
}

func TestLogRelay_ErrorStatusIsNotSuccess(t *testing.T) {
	logger := NewLogger(100, &captureWriter{})

	logger.LogRelay("TENANT-A", "PUT", "photos", "x", "10.0.0.1", "req-2", 502, 100, 0, time.Millisecond)

	if logger.Events()[0].Success {
		t.Error("expected success to be false for status 502")
	}
}

func TestLogAuthFailure(t *testing.T) {
	logger := NewLogger(100, &captureWriter{})

	logger.LogAuthFailure("NOBODY", "GET", "10.0.0.2", "req-3", errors.New("signature mismatch"))

	event := logger.Events()[0]
	if event.EventType != EventTypeAuthFailure {
		t.Errorf("event type = %s", event.EventType)
	}
	if event.Success {
		t.Error("expected success to be false")
	}
	if event.Error != "signature mismatch" {
		t.Errorf("error = %q", event.Error)
	}
	if event.ClientIP != "10.0.0.2" {
		t.Errorf("client ip = %q", event.ClientIP)
	}
}

func TestLogBackendError(t *testing.T) {
	logger := NewLogger(100, &captureWriter{})

	logger.LogBackendError("TENANT-A", "GET", "photos", "cat.jpg", "req-4", errors.New("connection refused"))

	event := logger.Events()[0]
	if event.EventType != EventTypeBackendError {
		t.Errorf("event type = %s", event.EventType)
	}
	if event.Error != "connection refused" {
		t.Errorf("error = %q", event.Error)
	}
}

func TestMaxEvents(t *testing.T) {
	logger := NewLogger(5, &captureWriter{})

	for i := 0; i < 10; i++ {
		logger.LogRelay("k", "GET", "b", "o", "ip", "r", 200, 0, 0, time.Millisecond)
	}

	if got := len(logger.Events()); got != 5 {
		t.Fatalf("expected 5 buffered events, got %d", got)
	}
}

type failingWriter struct{}

func (failingWriter) WriteEvent(*Event) error { return errors.New("write failed") }

func TestFailingWriterDoesNotBlockLogging(t *testing.T) {
	logger := NewLogger(10, failingWriter{})

	logger.LogRelay("k", "GET", "b", "o", "ip", "r", 200, 0, 0, time.Millisecond)

	if got := len(logger.Events()); got != 1 {
		t.Fatalf("expected 1 event despite writer failure, got %d", got)
	}
}
