// Package execlog produces structured execution log records and fans them out
// to zero or more handlers. Records carry the execution id, an optional node
// id, a level and a category; secrets registered with the logger are redacted
// from messages and context maps before any handler observes the record, so
// no handler can leak vault plaintext.
package execlog

import (
	"strings"
	"sync"
	"time"
)

// Level orders log records by severity.
type Level int8

const (
	// LevelTrace is the most verbose level.
	LevelTrace Level = iota
	// LevelDebug carries diagnostic detail.
	LevelDebug
	// LevelInfo is the default execution narration level.
	LevelInfo
	// LevelWarn flags recoverable anomalies (dropped wait-any arrivals,
	// credential resolution conflicts).
	LevelWarn
	// LevelError flags node and execution failures.
	LevelError
	// LevelFatal flags failures that abort the engine itself.
	LevelFatal
)

// ParseLevel maps a settings string to a Level. Unknown strings map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "info"
	}
}

// Category classifies what a record narrates.
type Category string

const (
	// CategoryExecutionStart marks the beginning of a run.
	CategoryExecutionStart Category = "execution-start"
	// CategoryExecutionEnd marks a terminal execution state.
	CategoryExecutionEnd Category = "execution-end"
	// CategoryNodeStart marks an executor dispatch.
	CategoryNodeStart Category = "node-start"
	// CategoryNodeEnd marks an executor completion.
	CategoryNodeEnd Category = "node-end"
	// CategoryError marks node or execution failures.
	CategoryError Category = "error"
	// CategoryInfo is general narration.
	CategoryInfo Category = "info"
	// CategoryDebug is diagnostic narration.
	CategoryDebug Category = "debug"
	// CategoryBranch narrates branching decisions and discarded wait-any
	// arrivals.
	CategoryBranch Category = "branch"
	// CategoryRetry narrates retry attempts.
	CategoryRetry Category = "retry"
	// CategoryRateLimit narrates rate-limit admission decisions.
	CategoryRateLimit Category = "rate-limit"
	// CategoryCancel narrates cooperative cancellation.
	CategoryCancel Category = "cancel"
)

type (
	// Record is one immutable log entry. Handlers receive the same record
	// value; they must not retain and mutate the context map.
	Record struct {
		// Timestamp is the emission wall-clock time.
		Timestamp time.Time `json:"timestamp"`
		// ExecutionID correlates the record with a run.
		ExecutionID string `json:"executionId"`
		// NodeID names the node the record concerns, when any.
		NodeID string `json:"nodeId,omitempty"`
		// Level is the record severity.
		Level Level `json:"level"`
		// Category classifies the record.
		Category Category `json:"category"`
		// Message is the human-readable summary, already redacted.
		Message string `json:"message"`
		// Context carries JSON-serializable detail, already redacted. Nil
		// when context capture is disabled in settings.
		Context map[string]any `json:"context,omitempty"`
	}

	// Handler consumes emitted records. Emitting a record invokes each
	// handler exactly once with the same record. Handlers must not block:
	// anything slow belongs behind a buffer (see Bridge).
	Handler interface {
		Handle(Record)
	}

	// Logger fans records out to its handlers with a configurable minimum
	// level. The handler list is copy-on-write so emission reads a stable
	// snapshot without holding a lock across handler calls. The logger
	// survives across executions; handlers are typically added at execution
	// start and removed at execution end.
	Logger struct {
		mu             sync.Mutex
		handlers       []Handler
		minLevel       Level
		includeContext bool

		secretMu sync.RWMutex
		secrets  []string
	}
)

// Redacted replaces secret plaintext in emitted records.
const Redacted = "***"

// New constructs a logger with the given minimum level. When includeContext
// is false, record context maps are dropped before emission.
func New(minLevel Level, includeContext bool) *Logger {
	return &Logger{minLevel: minLevel, includeContext: includeContext}
}

// AddHandler appends a handler to the fan-out list.
func (l *Logger) AddHandler(h Handler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]Handler, len(l.handlers), len(l.handlers)+1)
	copy(next, l.handlers)
	l.handlers = append(next, h)
}

// RemoveHandler removes a previously added handler.
func (l *Logger) RemoveHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]Handler, 0, len(l.handlers))
	for _, existing := range l.handlers {
		if existing != h {
			next = append(next, existing)
		}
	}
	l.handlers = next
}

// RegisterSecret records plaintext values to strip from every subsequent
// record. The execution context registers each secret the moment the vault
// returns it, before the value can reach an executor.
func (l *Logger) RegisterSecret(values ...string) {
	l.secretMu.Lock()
	defer l.secretMu.Unlock()
	for _, v := range values {
		if v != "" {
			l.secrets = append(l.secrets, v)
		}
	}
}

// Emit redacts and fans out a record to every handler. Records below the
// minimum level are discarded.
func (l *Logger) Emit(rec Record) {
	if rec.Level < l.minLevel {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if !l.includeContext {
		rec.Context = nil
	}
	rec = l.redact(rec)

	l.mu.Lock()
	handlers := l.handlers
	l.mu.Unlock()
	for _, h := range handlers {
		h.Handle(rec)
	}
}

func (l *Logger) redact(rec Record) Record {
	l.secretMu.RLock()
	secrets := l.secrets
	l.secretMu.RUnlock()
	if len(secrets) == 0 {
		return rec
	}
	rec.Message = redactString(rec.Message, secrets)
	if rec.Context != nil {
		rec.Context = redactMap(rec.Context, secrets)
	}
	return rec
}

func redactString(s string, secrets []string) string {
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}

func redactValue(v any, secrets []string) any {
	switch val := v.(type) {
	case string:
		return redactString(val, secrets)
	case map[string]any:
		return redactMap(val, secrets)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, secrets)
		}
		return out
	default:
		return v
	}
}

func redactMap(m map[string]any, secrets []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = redactValue(v, secrets)
	}
	return out
}
