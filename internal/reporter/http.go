// Package reporter delivers confirmed displays and clicks to the ingestion
// endpoint without blocking the session loop.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// Event types carried in an Envelope.
const (
	TypeDisplay = "display"
	TypeClick   = "click"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// Envelope is the JSON body posted to the ingestion endpoint. Exactly one of
// Display or Click is set, matching Type.
type Envelope struct {
	Type    string               `json:"type"`
	Display *models.DisplayEvent `json:"display,omitempty"`
	Click   *models.ClickEvent   `json:"click,omitempty"`
}

// Validate checks that the envelope carries the event its type names.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeDisplay:
		if e.Display == nil || e.Display.EventID == "" || e.Display.CampaignID == "" {
			return fmt.Errorf("display envelope missing event")
		}
	case TypeClick:
		if e.Click == nil || e.Click.EventID == "" || e.Click.CampaignID == "" {
			return fmt.Errorf("click envelope missing event")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// HTTPSink posts each event synchronously to an ingestion endpoint.
type HTTPSink struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// NewHTTPReporter returns an asynchronous reporter posting to endpoint.
func NewHTTPReporter(endpoint string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Async {
	return NewAsync(NewHTTPSink(endpoint, timeout, logger), timeout, logger, metrics)
}

// RecordDisplay posts a display event.
func (s *HTTPSink) RecordDisplay(ctx context.Context, ev models.DisplayEvent) error {
	return s.post(ctx, Envelope{Type: TypeDisplay, Display: &ev})
}

// RecordClick posts a click event.
func (s *HTTPSink) RecordClick(ctx context.Context, ev models.ClickEvent) error {
	return s.post(ctx, Envelope{Type: TypeClick, Click: &ev})
}

func (s *HTTPSink) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
