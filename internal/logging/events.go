// Package logging carries the engine's event log: single-line,
// pipe-delimited records describing what each client connection did.
// Records are queued on a channel and written by a background worker so
// connection handlers never block on the log sink.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Levels used in event records.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is a single log record. Scope is either "SERVER" or
// "CLIENT <n>"; Category is a short tag such as "CONNECT", "HTTP",
// "CACHE_HIT" and may be empty.
type Event struct {
	Timestamp time.Time
	Level     string
	Scope     string
	Category  string
	Message   string
	ConnID    uuid.UUID // zero for server-scoped events
}

// Format selects the on-the-wire shape of written records.
type Format string

const (
	// FormatPipe writes LEVEL|SCOPE|CATEGORY|message lines.
	FormatPipe Format = "pipe"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
)

// EventLogger writes events asynchronously to stdout and/or a file.
type EventLogger struct {
	mu      sync.RWMutex
	entries chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	format        Format
	stdoutEnabled bool
	fileWriter    io.WriteCloser

	errorHandler func(error)

	// Metrics (protected by mu)
	entriesLogged  uint64
	entriesDropped uint64
	writeErrors    uint64
}

// EventLoggerConfig configures an EventLogger.
type EventLoggerConfig struct {
	Format        Format
	StdoutEnabled bool
	LogFile       string
	BufferSize    int // Channel buffer size, default 1000
	ErrorHandler  func(error)
}

// NewEventLogger always returns a usable logger: a log file that cannot
// be opened is reported through the error handler and the logger carries
// on with the remaining outputs.
func NewEventLogger(cfg EventLoggerConfig) *EventLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Format == "" {
		cfg.Format = FormatPipe
	}

	l := &EventLogger{
		entries:       make(chan Event, cfg.BufferSize),
		done:          make(chan struct{}),
		format:        cfg.Format,
		stdoutEnabled: cfg.StdoutEnabled,
		errorHandler:  cfg.ErrorHandler,
	}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.reportError(fmt.Errorf("failed to open event log file %s, continuing without file logging: %w", cfg.LogFile, err))
		} else {
			l.fileWriter = file
		}
	}

	l.wg.Add(1)
	go l.worker()
	return l
}

// Server queues a server-scoped event record.
func (l *EventLogger) Server(level, category, format string, args ...any) {
	l.Log(Event{
		Timestamp: time.Now(),
		Level:     level,
		Scope:     "SERVER",
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
	})
}

// Client queues an event record for client connection id.
func (l *EventLogger) Client(level string, id uint64, connID uuid.UUID, category, format string, args ...any) {
	l.Log(Event{
		Timestamp: time.Now(),
		Level:     level,
		Scope:     fmt.Sprintf("CLIENT %d", id),
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
		ConnID:    connID,
	})
}

// Log queues an event without blocking. Events are dropped, and counted
// as dropped, when the buffer is full.
func (l *EventLogger) Log(e Event) {
	select {
	case l.entries <- e:
		l.mu.Lock()
		l.entriesLogged++
		l.mu.Unlock()
	default:
		l.mu.Lock()
		l.entriesDropped++
		l.mu.Unlock()
		l.reportError(fmt.Errorf("event log buffer full, dropping entry"))
	}
}

// Close drains queued events and shuts the worker down.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

func (l *EventLogger) worker() {
	defer l.wg.Done()

	for {
		select {
		case e := <-l.entries:
			l.writeEvent(e)
		case <-l.done:
			for {
				select {
				case e := <-l.entries:
					l.writeEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (l *EventLogger) writeEvent(e Event) {
	var line string
	switch l.format {
	case FormatPipe:
		line = formatPipe(e)
	case FormatJSON:
		var err error
		line, err = formatJSON(e)
		if err != nil {
			l.reportError(fmt.Errorf("failed to format event: %w", err))
			return
		}
	default:
		l.reportError(fmt.Errorf("unknown event format: %s", l.format))
		return
	}

	if l.stdoutEnabled {
		if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
			l.countWriteError(err)
		}
	}

	l.mu.RLock()
	fileWriter := l.fileWriter
	l.mu.RUnlock()

	if fileWriter != nil {
		if _, err := fmt.Fprintln(fileWriter, line); err != nil {
			l.countWriteError(err)
		}
	}
}

// formatPipe renders LEVEL|SCOPE|CATEGORY|message, omitting the category
// field when empty.
func formatPipe(e Event) string {
	if e.Category == "" {
		return fmt.Sprintf("%s|%s|%s", e.Level, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s|%s|%s|%s", e.Level, e.Scope, e.Category, e.Message)
}

func formatJSON(e Event) (string, error) {
	rec := struct {
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Scope     string `json:"scope"`
		Category  string `json:"category,omitempty"`
		Message   string `json:"message"`
		ConnID    string `json:"conn_id,omitempty"`
	}{
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Level:     e.Level,
		Scope:     e.Scope,
		Category:  e.Category,
		Message:   e.Message,
	}
	if e.ConnID != uuid.Nil {
		rec.ConnID = e.ConnID.String()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *EventLogger) countWriteError(err error) {
	l.mu.Lock()
	l.writeErrors++
	l.mu.Unlock()
	l.reportError(fmt.Errorf("event log write failed: %w", err))
}

func (l *EventLogger) reportError(err error) {
	if l.errorHandler != nil {
		l.errorHandler(err)
		return
	}
	log.Printf("event log error: %v", err)
}

// Metrics describes the logger's delivery counters.
type Metrics struct {
	EntriesLogged  uint64
	EntriesDropped uint64
	WriteErrors    uint64
}

// GetMetrics returns the current delivery counters.
func (l *EventLogger) GetMetrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Metrics{
		EntriesLogged:  l.entriesLogged,
		EntriesDropped: l.entriesDropped,
		WriteErrors:    l.writeErrors,
	}
}
