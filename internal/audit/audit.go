package audit

import (
	"time"

	"onbehalf/pkg/logging"

	"github.com/google/uuid"
)

// Event is one structured delegation attempt record. Every exchange and
// delegation attempt emits exactly one event, success or failure.
type Event struct {
	EventID   string
	SubjectID string
	Module    string
	Operation string
	Outcome   string // "success" or the error code
	Cached    bool
	LatencyMs int64
}

// Sink receives completed audit events. The default sink writes to the
// structured log; deployments wanting a dedicated audit pipeline swap
// it at construction.
type Sink func(Event)

// Recorder emits audit events for one subsystem.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a Recorder with the given sink, or the logging
// sink when nil.
func NewRecorder(sink Sink) *Recorder {
	if sink == nil {
		sink = logSink
	}
	return &Recorder{sink: sink}
}

func logSink(event Event) {
	logging.Info("Audit",
		"event=%s subject=%s module=%s operation=%s outcome=%s cached=%t latency_ms=%d",
		event.EventID, logging.TruncateSubject(event.SubjectID), event.Module,
		event.Operation, event.Outcome, event.Cached, event.LatencyMs)
}

// Attempt starts timing one delegation attempt. The returned function
// records the event; outcome is "success" when err-free.
func (r *Recorder) Attempt(subjectID, module, operation string) func(outcome string, cached bool) {
	start := time.Now()
	eventID := uuid.NewString()
	return func(outcome string, cached bool) {
		r.sink(Event{
			EventID:   eventID,
			SubjectID: subjectID,
			Module:    module,
			Operation: operation,
			Outcome:   outcome,
			Cached:    cached,
			LatencyMs: time.Since(start).Milliseconds(),
		})
	}
}

// OutcomeSuccess is the outcome recorded for successful attempts.
const OutcomeSuccess = "success"
