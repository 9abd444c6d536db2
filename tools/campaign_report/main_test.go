package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/proofserve/internal/analytics"
)

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", formatNumber(0))
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "1,234,567", formatNumber(1234567))
	assert.Equal(t, "-12,345", formatNumber(-12345))
}

func TestPrintReport(t *testing.T) {
	stats := []analytics.CampaignStats{
		{CampaignID: "a", Displays: 1000, Clicks: 50, CTR: 0.05},
		{CampaignID: "b", Displays: 500, Clicks: 5, CTR: 0.01},
	}
	var buf bytes.Buffer
	printReport(&buf, "shop-1", 7, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), stats, map[string]string{"a": "Recent purchases"})

	out := buf.String()
	assert.Contains(t, out, "Website ID: shop-1")
	assert.Contains(t, out, "ending 2024-03-05")
	assert.Contains(t, out, "Total Displays:  1,500")
	assert.Contains(t, out, "Recent purchases")
	assert.Contains(t, out, "Campaign a is performing 5.0x better than campaign b")
}

func TestPrintReportWithoutData(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, "shop-1", 7, time.Now(), nil, nil)
	assert.Contains(t, buf.String(), "No displays recorded")
}
