package engine

import (
	"context"

	"github.com/patrickwarner/proofserve/internal/models"
)

// Reporter sends confirmed displays and clicks to the ingestion endpoint.
// Calls are fire-and-forget: implementations must not block the session loop
// and have no way to fail it. Local state is updated before reporting.
type Reporter interface {
	ReportDisplay(ctx context.Context, ev models.DisplayEvent)
	ReportClick(ctx context.Context, ev models.ClickEvent)
}

// NopReporter discards every report.
type NopReporter struct{}

func (NopReporter) ReportDisplay(context.Context, models.DisplayEvent) {}
func (NopReporter) ReportClick(context.Context, models.ClickEvent)     {}

// MultiReporter fans a report out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) ReportDisplay(ctx context.Context, ev models.DisplayEvent) {
	for _, r := range m {
		r.ReportDisplay(ctx, ev)
	}
}

func (m MultiReporter) ReportClick(ctx context.Context, ev models.ClickEvent) {
	for _, r := range m {
		r.ReportClick(ctx, ev)
	}
}
