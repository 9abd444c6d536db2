// Website report prints display and click totals per notification campaign.
//
// It connects directly to ClickHouse and joins the totals with campaign names
// from Postgres when a Postgres DSN is available.
//
// Usage:
//
//	go run ./tools/campaign_report -website-id=shop-1 -days=30
//
// Configuration:
//
//	-website-id: Required. The website to report on
//	-days: Optional. Number of days to include in the report (default: 7)
//	-clickhouse-dsn: Optional. ClickHouse connection string (default: CLICKHOUSE_DSN)
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/observability"
)

func main() {
	cfg := config.Load()
	var (
		websiteID = flag.String("website-id", "", "Website ID to generate the report for")
		days      = flag.Int("days", 7, "Number of days to include in report")
		dsn       = flag.String("clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse DSN")
	)
	flag.Parse()

	if *websiteID == "" {
		fmt.Fprintf(os.Stderr, "Error: website-id is required\n")
		flag.Usage()
		os.Exit(1)
	}

	ch, err := analytics.InitClickHouse(*dsn, observability.NewNoOpRegistry(), 5, 1, 5*time.Minute, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	stats, err := ch.WebsiteStats(ctx, *websiteID, now.Add(-time.Duration(*days)*24*time.Hour))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	names := map[string]string{}
	if pg, err := db.InitPostgres(cfg.PostgresDSN, 2, 1, time.Minute, time.Minute); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: campaign names unavailable: %v\n", err)
	} else {
		defer pg.Close()
		if campaigns, err := pg.GetCampaignsForWebsite(ctx, *websiteID); err == nil {
			for _, c := range campaigns {
				names[c.ID] = c.Name
			}
		}
	}

	printReport(os.Stdout, *websiteID, *days, now, stats, names)
}

// printReport writes the formatted report: totals, one row per campaign and a
// short note on click-through.
func printReport(w io.Writer, websiteID string, days int, now time.Time, stats []analytics.CampaignStats, names map[string]string) {
	const rule = "───────────────────────────────────────────────────────────────────────────\n"
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "                        NOTIFICATION PERFORMANCE REPORT                    \n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Website ID: %s\n", websiteID)
	fmt.Fprintf(w, "Report Period: %d days (ending %s)\n\n", days, now.Format("2006-01-02"))

	var displays, clicks int64
	for _, s := range stats {
		displays += s.Displays
		clicks += s.Clicks
	}
	ctr := analytics.ClickThroughRate(displays, clicks) * 100

	fmt.Fprintf(w, "OVERALL\n")
	fmt.Fprint(w, rule)
	fmt.Fprintf(w, "Total Displays:  %s\n", formatNumber(displays))
	fmt.Fprintf(w, "Total Clicks:    %s\n", formatNumber(clicks))
	fmt.Fprintf(w, "Overall CTR:     %.2f%%\n\n", ctr)

	if len(stats) > 0 {
		fmt.Fprintf(w, "BY CAMPAIGN\n")
		fmt.Fprint(w, rule)
		fmt.Fprintf(w, "%-36s | %-20s | %9s | %7s | %7s\n", "Campaign ID", "Name", "Displays", "Clicks", "CTR")
		for _, s := range stats {
			name := names[s.CampaignID]
			if len(name) > 20 {
				name = name[:17] + "..."
			}
			fmt.Fprintf(w, "%-36s | %-20s | %9s | %7s | %6.2f%%\n",
				s.CampaignID, name, formatNumber(s.Displays), formatNumber(s.Clicks), s.CTR*100)
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "INSIGHTS\n")
	fmt.Fprint(w, rule)
	switch {
	case displays == 0:
		fmt.Fprintf(w, "No displays recorded - check that campaigns are active and targeting matches traffic\n")
	case clicks == 0:
		fmt.Fprintf(w, "No clicks recorded - consider reviewing notification copy\n")
	case ctr < 1.0:
		fmt.Fprintf(w, "Low CTR (%.2f%%) - consider tightening targeting or the playlist order\n", ctr)
	default:
		fmt.Fprintf(w, "CTR %.2f%% - notifications are engaging visitors\n", ctr)
	}
	if len(stats) > 1 {
		best, worst := stats[0], stats[0]
		for _, s := range stats {
			if s.CTR > best.CTR {
				best = s
			}
			if s.CTR < worst.CTR {
				worst = s
			}
		}
		if worst.CTR > 0 && best.CTR > worst.CTR*2 {
			fmt.Fprintf(w, "Campaign %s is performing %.1fx better than campaign %s\n",
				best.CampaignID, best.CTR/worst.CTR, worst.CampaignID)
		}
	}
}

// formatNumber adds thousands separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
