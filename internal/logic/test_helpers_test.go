package logic

import (
	"testing"
	"time"

	"github.com/patrickwarner/proofserve/internal/models"
)

// baseContext returns a desktop visitor on the home page with no referrer.
func baseContext() models.VisitorContext {
	return models.VisitorContext{
		Path:   "/",
		Device: models.DeviceDesktop,
		Now:    time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC),
	}
}

// compiled compiles rules and fails the test on error.
func compiled(t *testing.T, r models.TargetingRules) models.TargetingRules {
	t.Helper()
	if err := r.Compile(); err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return r
}

func boolPtr(b bool) *bool { return &b }
