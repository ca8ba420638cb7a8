package eventlog

import "log/slog"

// Recorder pairs the durable event store with the process logger so every
// recorded transition lands in both. A store write failure is itself
// logged and otherwise swallowed; losing one audit row must not interrupt
// a drain.
type Recorder struct {
	store *Store
	log   *slog.Logger
	runID string
}

// NewRecorder builds a recorder for one run. log may be nil, in which case
// the default logger is used.
func NewRecorder(store *Store, log *slog.Logger, runID string) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log, runID: runID}
}

// RunID returns the run this recorder is scoped to.
func (r *Recorder) RunID() string {
	return r.runID
}

// Info records an informational transition.
func (r *Recorder) Info(code int, machine, msg string) {
	r.record(code, SeverityInfo, machine, msg)
}

// Warn records a degraded-but-continuing condition.
func (r *Recorder) Warn(code int, machine, msg string) {
	r.record(code, SeverityWarning, machine, msg)
}

// Error records a contained failure.
func (r *Recorder) Error(code int, machine, msg string) {
	r.record(code, SeverityError, machine, msg)
}

func (r *Recorder) record(code int, severity, machine, msg string) {
	attrs := []any{
		slog.String("run_id", r.runID),
		slog.Int("code", code),
	}
	if machine != "" {
		attrs = append(attrs, slog.String("machine", machine))
	}
	switch severity {
	case SeverityError:
		r.log.Error(msg, attrs...)
	case SeverityWarning:
		r.log.Warn(msg, attrs...)
	default:
		r.log.Info(msg, attrs...)
	}

	if r.store == nil {
		return
	}
	err := r.store.Append(Event{
		RunID:    r.runID,
		Code:     code,
		Severity: severity,
		Machine:  machine,
		Message:  msg,
	})
	if err != nil {
		r.log.Error("failed to append event", slog.Int("code", code), slog.String("error", err.Error()))
	}
}
