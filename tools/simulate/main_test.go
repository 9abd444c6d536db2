package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const scenario = "../../internal/simulation/testdata/two_campaigns.yaml"

func TestRunReplaysScenario(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), []string{"-scenario", scenario}, &buf, zaptest.NewLogger(t))
	require.NoError(t, err)

	var res struct {
		Scenario string   `json:"scenario"`
		Displays []string `json:"displays"`
		Clicks   int      `json:"clicks"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.Equal(t, "two-campaigns", res.Scenario)
	assert.Equal(t, []string{"purchases", "visitors"}, res.Displays)
	assert.Equal(t, 1, res.Clicks)
}

func TestRunPlaythrough(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), []string{"-scenario", scenario, "-playthrough", "5"}, &buf, zaptest.NewLogger(t))
	require.NoError(t, err)

	var shown []struct {
		CampaignID string `json:"campaign_id"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &shown))
	// The playlist allows two per session and purchases allows one.
	require.Len(t, shown, 2)
	assert.Equal(t, "purchases", shown[0].CampaignID)
	assert.Equal(t, "visitors", shown[1].CampaignID)
}

func TestRunExplain(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), []string{"-scenario", scenario, "-explain"}, &buf, zaptest.NewLogger(t))
	require.NoError(t, err)

	var exp struct {
		Selected string `json:"selected"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exp))
	assert.Equal(t, "purchases", exp.Selected)
}

func TestRunRequiresScenario(t *testing.T) {
	err := run(context.Background(), nil, &bytes.Buffer{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "scenario is required")
}
