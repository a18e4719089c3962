// Package audit records document-engine lifecycle events — insert, update,
// delete, get, getStream, find, updateIndex, encrypt, decrypt — independent
// of the structured application logger. Where logrus carries operator-facing
// diagnostics, audit carries a compliance trail: who touched which document
// at which sequence, and whether the cipher step it required succeeded.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType identifies the kind of document-engine event being recorded.
type EventType string

const (
	// EventTypeInsert records a new document being created.
	EventTypeInsert EventType = "insert"
	// EventTypeUpdate records an existing document being overwritten.
	EventTypeUpdate EventType = "update"
	// EventTypeDelete records a document being tombstoned.
	EventTypeDelete EventType = "delete"
	// EventTypeGet records a document (or stream) being fetched and decrypted.
	EventTypeGet EventType = "get"
	// EventTypeFind records an index query.
	EventTypeFind EventType = "find"
	// EventTypeUpdateIndex records an index entry being recomputed in place.
	EventTypeUpdateIndex EventType = "update_index"
	// EventTypeEncrypt records a cipher-pipeline encrypt step.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt records a cipher-pipeline decrypt step.
	EventTypeDecrypt EventType = "decrypt"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	DocID     string                 `json:"doc_id,omitempty"`
	Sequence  int64                  `json:"sequence,omitempty"`
	Suite     string                 `json:"suite,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface the document engine depends on for auditing.
type Logger interface {
	Log(event *Event) error

	// LogDocument records a document lifecycle operation (insert/update/
	// delete/get/find/update_index).
	LogDocument(eventType EventType, docID string, sequence int64, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogCipher records a cipher-pipeline encrypt/decrypt step.
	LogCipher(eventType EventType, docID, suite string, success bool, err error, duration time.Duration)

	// GetEvents returns all buffered events (for testing/querying).
	GetEvents() []*Event

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements Logger.
type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is the interface a sink must satisfy to receive events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a logger with no metadata redaction.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a logger that replaces the named metadata
// keys with "[REDACTED]" before they reach the writer (e.g. a caller
// accidentally placing a raw attribute value into metadata).
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// SinkConfig describes how to build a Logger's underlying EventWriter.
// internal/config owns the file/env-backed settings and hands a populated
// SinkConfig to NewLoggerFromSinkConfig.
type SinkConfig struct {
	Type          string // "stdout" (default), "file", "http"
	Endpoint      string
	Headers       map[string]string
	FilePath      string
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
	MaxEvents     int
	RedactKeys    []string
}

// NewLoggerFromSinkConfig builds a Logger from a SinkConfig, wrapping the
// chosen writer in a BatchSink when batching parameters are set.
func NewLoggerFromSinkConfig(cfg SinkConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Type {
	case "http":
		writer = NewHTTPSink(cfg.Endpoint, cfg.Headers)
	case "file":
		writer = NewFileSink(cfg.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type %q", cfg.Type)
	}

	if cfg.BatchSize > 0 || cfg.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.BatchSize, cfg.FlushInterval, cfg.RetryCount, cfg.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactKeys), nil
}

// Log writes event to the underlying sink and retains it in the in-memory
// ring buffer.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the underlying writer, if it supports closing.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogDocument records a document lifecycle operation.
func (l *auditLogger) LogDocument(eventType EventType, docID string, sequence int64, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		DocID:     docID,
		Sequence:  sequence,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogCipher records a cipher-pipeline encrypt/decrypt step.
func (l *auditLogger) LogCipher(eventType EventType, docID, suite string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		DocID:     docID,
		Suite:     suite,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns a copy of the buffered events.
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes newline-delimited JSON to stdout.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
