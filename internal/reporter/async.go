package reporter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// Sink stores or forwards one event. Errors are reported to the caller.
type Sink interface {
	RecordDisplay(ctx context.Context, ev models.DisplayEvent) error
	RecordClick(ctx context.Context, ev models.ClickEvent) error
}

// Async turns a Sink into a fire-and-forget reporter. Each event is delivered
// from its own goroutine with a timeout; failures are logged and counted,
// never returned.
type Async struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	wg      sync.WaitGroup
}

// NewAsync wraps sink. A timeout of zero or less uses DefaultTimeout.
func NewAsync(sink Sink, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Async{sink: sink, timeout: timeout, logger: logger, metrics: metrics}
}

// ReportDisplay queues delivery of a display event.
func (a *Async) ReportDisplay(ctx context.Context, ev models.DisplayEvent) {
	a.deliver(ctx, TypeDisplay, ev.EventID, func(ctx context.Context) error {
		return a.sink.RecordDisplay(ctx, ev)
	})
}

// ReportClick queues delivery of a click event.
func (a *Async) ReportClick(ctx context.Context, ev models.ClickEvent) {
	a.deliver(ctx, TypeClick, ev.EventID, func(ctx context.Context) error {
		return a.sink.RecordClick(ctx, ev)
	})
}

// Wait blocks until every queued delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

func (a *Async) deliver(ctx context.Context, eventType, eventID string, fn func(context.Context) error) {
	// The delivery outlives the request that produced it but keeps its
	// trace context.
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.metrics.IncrementReportFailures(eventType)
			a.logger.Warn("event report failed",
				zap.String("type", eventType),
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}()
}
