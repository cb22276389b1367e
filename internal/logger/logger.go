// Package logger is the agent's console/process logger.
//
// It is deliberately separate from internal/metrics: this package is for a
// human reading a terminal or a tailed log file, metrics is the structured
// JSONL stream the DataDog shipper consumes out of process.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

type Logger struct {
	mu           sync.Mutex
	buffer       *bytes.Buffer
	out          io.Writer
	debugEnabled bool
}

var Default = New()

func New() *Logger {
	return &Logger{
		buffer: &bytes.Buffer{},
		out:    os.Stderr,
	}
}

func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugEnabled = true
}

func (l *Logger) IsDebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debugEnabled
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// Event is a chainable log line; fields are attached before Msgf flushes it.
type Event struct {
	logger   *Logger
	printer  pterm.PrefixPrinter
	taskID   string
	metadata map[string]string
}

func (l *Logger) newEvent(printer pterm.PrefixPrinter) *Event {
	return &Event{logger: l, printer: printer, metadata: make(map[string]string)}
}

func Info() *Event    { return Default.newEvent(pterm.Info) }
func Warning() *Event { return Default.newEvent(pterm.Warning) }
func Error() *Event   { return Default.newEvent(pterm.Error) }

// Debug is a no-op event (nil-safe) unless debug mode is enabled, matching
// the teacher's GB403Logger.Debug() convention.
func Debug() *Event {
	if !Default.IsDebugEnabled() {
		return nil
	}
	return Default.newEvent(pterm.Debug)
}

func (e *Event) TaskID(id string) *Event {
	if e == nil {
		return nil
	}
	e.taskID = id
	return e
}

func (e *Event) Metadata(key, value string) *Event {
	if e == nil {
		return nil
	}
	e.metadata[key] = value
	return e
}

func (e *Event) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.mu.Lock()
	defer e.logger.mu.Unlock()

	var meta string
	for k, v := range e.metadata {
		meta += " " + pterm.Bold.Sprint(k) + "=" + v
	}

	var taskStr string
	if e.taskID != "" {
		taskStr = pterm.FgCyan.Sprintf("[%s] ", e.taskID)
	}

	message := taskStr + fmt.Sprintf(format, args...) + meta
	e.logger.buffer.Reset()
	e.printer.Println(message)
}
