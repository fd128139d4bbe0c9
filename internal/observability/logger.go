package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/pkg/config"
)

// NewLogger builds the process logger. The returned closer releases a
// log file, if one was opened.
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var (
		writer io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = NewTermWriter()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writer, closer = file, file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), closer, nil
}

// EventType defines the category of an LLM log event.
type EventType string

const EventTypeLLM EventType = "llm"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Event is one line of the LLM event log.
type Event struct {
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Data      any       `json:"data"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LLMLog appends oracle exchanges to a JSON lines file, keeping one
// rotated copy.
type LLMLog struct {
	path    string
	maxSize int64
	mu      sync.Mutex
}

func NewLLMLog(path string) *LLMLog {
	return &LLMLog{
		path:    path,
		maxSize: 10 * 1024 * 1024, // 10MB
	}
}

// RecordLLM implements builder.Recorder.
func (l *LLMLog) RecordLLM(stage string, prompt any, response string, err error) {
	evt := Event{
		Type:  EventTypeLLM,
		Stage: stage,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	}
	if err != nil {
		evt.Error = err.Error()
	}
	l.Log(evt)
}

// Log writes one event.
func (l *LLMLog) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data, _ = json.Marshal(Event{Type: evt.Type, Stage: evt.Stage, Error: fmt.Sprintf("failed to marshal event: %v", err), Timestamp: evt.Timestamp})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeToFile(data); err != nil {
		fmt.Fprintf(os.Stderr, "llm log: %v\n", err)
	}
}

func (l *LLMLog) writeToFile(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Check size before writing
	info, err := os.Stat(l.path)
	if err == nil && info.Size() > l.maxSize {
		l.rotate()
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// rotate keeps one .old file.
func (l *LLMLog) rotate() {
	oldPath := l.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.path, oldPath)
}
