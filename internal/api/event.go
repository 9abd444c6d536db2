package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/middleware"
	"github.com/patrickwarner/proofserve/internal/reporter"
)

// maxEventBody caps the size of an ingested envelope.
const maxEventBody = 64 << 10

// EventHandler handles POST /v1/events, the ingestion endpoint reporters post
// display and click envelopes to. Events are written to analytics.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "EventHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/events"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "events"
	const method = "POST"

	if s.Analytics == nil {
		logger.Error("analytics unavailable")
		s.observe(endpoint, method, http.StatusServiceUnavailable, start)
		http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	var env reporter.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&env); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := env.Validate(); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var websiteID string
	if env.Display != nil {
		websiteID = env.Display.WebsiteID
	} else {
		websiteID = env.Click.WebsiteID
	}
	span.SetAttributes(attribute.String("event_type", env.Type), attribute.String("website_id", websiteID))
	if !s.allow(websiteID) {
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var err error
	switch env.Type {
	case reporter.TypeDisplay:
		err = s.Analytics.RecordDisplay(ctx, *env.Display)
	case reporter.TypeClick:
		err = s.Analytics.RecordClick(ctx, *env.Click)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, analytics.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "record event")
		logger.Error("analytics record", zap.Error(err), zap.String("event_type", env.Type))
		s.observe(endpoint, method, status, start)
		http.Error(w, "analytics error", status)
		return
	}

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
