package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"pdfpage/pkg/domain"
)

const defaultSinkTimeout = 3 * time.Second

// Recorder appends usage events to every sink after a successful operation.
// It never returns an error: the debit already happened at the gate.
type Recorder struct {
	sinks   []UsageLog
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewRecorder(sinks ...UsageLog) *Recorder {
	kept := make([]UsageLog, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Recorder{
		sinks:   kept,
		timeout: defaultSinkTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// NewEvent builds the log entry for one successful operation.
func NewEvent(p domain.Principal, operation string, inputs []domain.Input, source domain.Source, params domain.Params, at time.Time) domain.UsageEvent {
	return domain.UsageEvent{
		ID:            uuid.NewString(),
		PrincipalKey:  p.Key(),
		PrincipalKind: p.Kind,
		UserID:        p.UserID,
		SessionID:     p.SessionID,
		Operation:     operation,
		FileCount:     len(inputs),
		TotalBytes:    domain.TotalSize(inputs),
		Source:        source,
		Params:        params,
		Timestamp:     at.UTC(),
	}
}

// Record writes ev to each sink with its own timeout. Cancellation of ctx
// does not abort recording of an operation that already completed.
func (r *Recorder) Record(ctx context.Context, ev domain.UsageEvent) {
	if r == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range r.sinks {
		sinkCtx, cancel := context.WithTimeout(base, r.timeout)
		err := sink.AppendUsage(sinkCtx, ev)
		cancel()
		if err != nil {
			r.logger.Warn("usage record failed",
				"operation", ev.Operation,
				"principal", ev.PrincipalKey,
				"sink", sinkName(sink),
				"error", err,
			)
		}
	}
}

func sinkName(s UsageLog) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "usage_log"
}
