package engine

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MemoryRecorder keeps action results in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	results []ActionResult
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		results: make([]ActionResult, 0),
	}
}

// Record appends an action result.
func (r *MemoryRecorder) Record(result ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// Results returns a copy of the recorded results.
func (r *MemoryRecorder) Results() []ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActionResult{}, r.results...)
}

// compositeRecorder records into several recorders and reads from the first.
type compositeRecorder struct {
	primary Recorder
	others  []Recorder
}

// Compose returns a recorder that records into every given recorder.
// Results are read from primary only.
func Compose(primary Recorder, others ...Recorder) Recorder {
	return &compositeRecorder{
		primary: primary,
		others:  others,
	}
}

func (c *compositeRecorder) Record(result ActionResult) {
	c.primary.Record(result)
	for _, r := range c.others {
		r.Record(result)
	}
}

func (c *compositeRecorder) Results() []ActionResult {
	return c.primary.Results()
}

// LogRecorder logs every action result and keeps nothing.
// It is safe to share between concurrent sessions.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder creates a recorder logging to the given logger.
// A nil logger logs to the global logger.
func NewLogRecorder(logger *zerolog.Logger) *LogRecorder {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &LogRecorder{
		logger: l.With().Str("component", "recorder").Logger(),
	}
}

// Record logs the action result.
func (r *LogRecorder) Record(result ActionResult) {
	event := r.logger.Info()
	if result.Status != ActionStatusOK && result.Status != ActionStatusSkipped {
		event = r.logger.Warn()
	}
	event.
		Str("action", result.Action).
		Str("kind", string(result.Kind)).
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("action recorded")
}

// Results returns nil; a LogRecorder keeps no results.
func (r *LogRecorder) Results() []ActionResult {
	return nil
}
