package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

var at = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

func TestHTTPReporter_PostsEnvelopes(t *testing.T) {
	var mu sync.Mutex
	var got []Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var env Envelope
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&env)) {
			mu.Lock()
			got = append(got, env)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	metrics := observability.NewMockMetricsRegistry()
	rep := NewHTTPReporter(srv.URL, time.Second, nil, metrics)
	rep.ReportDisplay(context.Background(), models.DisplayEvent{
		EventID: "d-1", SessionID: "s-1", WebsiteID: "site-1", CampaignID: "c-1", At: at,
	})
	rep.ReportClick(context.Background(), models.ClickEvent{
		EventID: "d-1", SessionID: "s-1", WebsiteID: "site-1", CampaignID: "c-1", At: at,
	})
	rep.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	byType := map[string]Envelope{}
	for _, env := range got {
		require.NoError(t, env.Validate())
		byType[env.Type] = env
	}
	assert.Equal(t, "c-1", byType[TypeDisplay].Display.CampaignID)
	assert.Equal(t, "d-1", byType[TypeClick].Click.EventID)
	assert.Equal(t, 0, metrics.Count("report_failures:display"))
}

func TestHTTPReporter_FailuresAreCountedNotReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ingest down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	metrics := observability.NewMockMetricsRegistry()
	rep := NewHTTPReporter(srv.URL, time.Second, nil, metrics)
	rep.ReportDisplay(context.Background(), models.DisplayEvent{EventID: "d-1", CampaignID: "c-1", At: at})
	rep.Wait()

	assert.Equal(t, 1, metrics.Count("report_failures:display"))
}

func TestHTTPReporter_CanceledRequestStillDelivers(t *testing.T) {
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	metrics := observability.NewMockMetricsRegistry()
	rep := NewHTTPReporter(srv.URL, time.Second, nil, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep.ReportClick(ctx, models.ClickEvent{EventID: "d-1", CampaignID: "c-1", At: at})
	rep.Wait()

	select {
	case <-delivered:
	default:
		t.Fatal("event was not delivered")
	}
	assert.Equal(t, 0, metrics.Count("report_failures:click"))
}

func TestHTTPReporter_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	metrics := observability.NewMockMetricsRegistry()
	rep := NewHTTPReporter(url, 200*time.Millisecond, nil, metrics)
	rep.ReportClick(context.Background(), models.ClickEvent{EventID: "d-1", CampaignID: "c-1", At: at})
	rep.Wait()

	assert.Equal(t, 1, metrics.Count("report_failures:click"))
}

func TestEnvelope_Validate(t *testing.T) {
	assert.Error(t, Envelope{Type: "impression"}.Validate())
	assert.Error(t, Envelope{Type: TypeDisplay}.Validate())
	assert.Error(t, Envelope{Type: TypeClick, Click: &models.ClickEvent{EventID: "x"}}.Validate())
	assert.NoError(t, Envelope{Type: TypeClick, Click: &models.ClickEvent{EventID: "x", CampaignID: "c"}}.Validate())
}
