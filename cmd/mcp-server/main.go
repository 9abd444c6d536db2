package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/simulation"
)

// VisitorInput describes the visitor a tool should evaluate for.
type VisitorInput struct {
	WebsiteID   string  `json:"website_id"`
	Path        string  `json:"path,omitempty"`
	Referrer    string  `json:"referrer,omitempty"`
	Device      string  `json:"device,omitempty"`
	Country     string  `json:"country,omitempty"`
	TimeOnPage  float64 `json:"time_on_page,omitempty"`
	ScrollDepth float64 `json:"scroll_depth,omitempty"`
	ExitIntent  bool    `json:"exit_intent,omitempty"`
	Returning   bool    `json:"returning,omitempty"`
	At          string  `json:"at,omitempty"` // RFC 3339
}

type CampaignEligibility struct {
	CampaignID  string `json:"campaign_id"`
	Name        string `json:"name"`
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
	ReadyAt     string `json:"ready_at,omitempty"`
	ConfigError string `json:"config_error,omitempty"`
}

type ExplainOutput struct {
	WebsiteID string                `json:"website_id"`
	Campaigns []CampaignEligibility `json:"campaigns"`
	Selected  string                `json:"selected,omitempty"`
}

type SimulateInput struct {
	VisitorInput
	MaxDisplays int `json:"max_displays,omitempty"`
}

type DisplayOutput struct {
	CampaignID string `json:"campaign_id"`
	At         string `json:"at"`
}

type SimulateOutput struct {
	WebsiteID string          `json:"website_id"`
	Displays  []DisplayOutput `json:"displays"`
}

type StatsInput struct {
	WebsiteID string `json:"website_id"`
	Days      int    `json:"days,omitempty"`
}

type StatsOutput struct {
	WebsiteID string                    `json:"website_id"`
	Since     string                    `json:"since"`
	Campaigns []analytics.CampaignStats `json:"campaigns"`
}

const defaultMaxDisplays = 10

// ToolServer answers operator questions about a website's notifications from
// the loaded campaign configuration.
type ToolServer struct {
	store                models.CampaignStore
	stats                analytics.StatsProvider
	logger               *zap.Logger
	defaultMaxPerSession int
	now                  func() time.Time
}

var errUnknownWebsite = errors.New("website has no campaigns")

func (s *ToolServer) website(websiteID string) ([]models.Campaign, models.PlaylistRules, error) {
	if websiteID == "" {
		return nil, models.PlaylistRules{}, errors.New("website_id is required")
	}
	campaigns := s.store.CampaignsForWebsite(websiteID)
	if len(campaigns) == 0 {
		return nil, models.PlaylistRules{}, fmt.Errorf("%w: %s", errUnknownWebsite, websiteID)
	}
	rules := models.DefaultPlaylistRules()
	if pl := s.store.Playlist(websiteID); pl != nil {
		rules = pl.Rules
	}
	rules, _ = rules.Normalize(s.defaultMaxPerSession)
	return campaigns, rules, nil
}

func (s *ToolServer) visitor(in VisitorInput) (models.VisitorContext, error) {
	vc := models.VisitorContext{
		Path:        in.Path,
		Referrer:    in.Referrer,
		Device:      models.Device(in.Device),
		Country:     in.Country,
		TimeOnPage:  in.TimeOnPage,
		ScrollDepth: in.ScrollDepth,
		ExitIntent:  in.ExitIntent,
		Returning:   in.Returning,
	}
	if vc.Path == "" {
		vc.Path = "/"
	}
	if !vc.Device.IsValid() {
		vc.Device = models.DeviceDesktop
	}
	vc.Now = s.now()
	if in.At != "" {
		at, err := time.Parse(time.RFC3339, in.At)
		if err != nil {
			return vc, fmt.Errorf("at: %w", err)
		}
		vc.Now = at
	}
	// Exit intent only fires on the tick it turns on.
	vc.ExitIntentEdge = vc.ExitIntent
	return vc, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ExplainEligibility reports why each campaign of a website would or would
// not show to the described visitor.
func (s *ToolServer) ExplainEligibility(ctx context.Context, req *mcp.CallToolRequest, input VisitorInput) (*mcp.CallToolResult, ExplainOutput, error) {
	campaigns, rules, err := s.website(input.WebsiteID)
	if err != nil {
		return nil, ExplainOutput{}, err
	}
	vc, err := s.visitor(input)
	if err != nil {
		return nil, ExplainOutput{}, err
	}
	exp := simulation.Explain(campaigns, rules, vc)
	out := ExplainOutput{
		WebsiteID: input.WebsiteID,
		Campaigns: make([]CampaignEligibility, 0, len(exp.Campaigns)),
		Selected:  exp.Selected,
	}
	for _, r := range exp.Campaigns {
		out.Campaigns = append(out.Campaigns, CampaignEligibility{
			CampaignID:  r.CampaignID,
			Name:        r.Name,
			Eligible:    r.Eligible,
			Reason:      string(r.Reason),
			Pending:     r.Pending,
			ReadyAt:     formatTime(r.ReadyAt),
			ConfigError: r.ConfigError,
		})
	}
	s.logger.Info("explained eligibility",
		zap.String("website_id", input.WebsiteID),
		zap.Int("campaigns", len(out.Campaigns)),
		zap.String("selected", out.Selected))
	return nil, out, nil
}

// SimulatePlaylist plays the website's playlist for a visitor who stays on one
// page and lets every notification show.
func (s *ToolServer) SimulatePlaylist(ctx context.Context, req *mcp.CallToolRequest, input SimulateInput) (*mcp.CallToolResult, SimulateOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	campaigns, rules, err := s.website(input.WebsiteID)
	if err != nil {
		return nil, SimulateOutput{}, err
	}
	n := input.MaxDisplays
	if n <= 0 {
		n = defaultMaxDisplays
	}
	vc, err := s.visitor(input.VisitorInput)
	if err != nil {
		return nil, SimulateOutput{}, err
	}
	out := SimulateOutput{WebsiteID: input.WebsiteID, Displays: []DisplayOutput{}}
	for _, d := range simulation.Playthrough(ctx, campaigns, rules, vc, vc.Now, n) {
		out.Displays = append(out.Displays, DisplayOutput{CampaignID: d.CampaignID, At: formatTime(d.At)})
	}
	s.logger.Info("simulated playlist",
		zap.String("website_id", input.WebsiteID),
		zap.Int("displays", len(out.Displays)))
	return nil, out, nil
}

// WebsiteStats returns display and click totals per campaign.
func (s *ToolServer) WebsiteStats(ctx context.Context, req *mcp.CallToolRequest, input StatsInput) (*mcp.CallToolResult, StatsOutput, error) {
	if s.stats == nil {
		return nil, StatsOutput{}, analytics.ErrUnavailable
	}
	if input.WebsiteID == "" {
		return nil, StatsOutput{}, errors.New("website_id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	days := input.Days
	if days <= 0 {
		days = 7
	}
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := s.stats.WebsiteStats(ctx, input.WebsiteID, since)
	if err != nil {
		return nil, StatsOutput{}, fmt.Errorf("query stats: %w", err)
	}
	if rows == nil {
		rows = []analytics.CampaignStats{}
	}
	return nil, StatsOutput{WebsiteID: input.WebsiteID, Since: formatTime(since), Campaigns: rows}, nil
}

func visitorProperties() map[string]interface{} {
	return map[string]interface{}{
		"website_id": map[string]interface{}{
			"type":        "string",
			"description": "Website ID",
		},
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Page path, e.g. /products/shoes (defaults to /)",
		},
		"referrer": map[string]interface{}{
			"type":        "string",
			"description": "Full referrer URL; empty for direct traffic",
		},
		"device": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"desktop", "mobile", "tablet"},
			"description": "Visitor device (defaults to desktop)",
		},
		"country": map[string]interface{}{
			"type":        "string",
			"description": "ISO 3166-1 alpha-2 country code",
		},
		"time_on_page": map[string]interface{}{
			"type":        "number",
			"description": "Seconds since page load",
		},
		"scroll_depth": map[string]interface{}{
			"type":        "number",
			"description": "Scroll depth percent 0-100",
		},
		"exit_intent": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether the visitor is about to leave",
		},
		"returning": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether the visitor has been seen before",
		},
		"at": map[string]interface{}{
			"type":        "string",
			"format":      "date-time",
			"description": "Evaluation instant (defaults to now)",
		},
	}
}

func newMCPServer(ts *ToolServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "proofserve",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "explain_eligibility",
		Description: "Explain which notification campaigns of a website would show to a visitor and why the others would not",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": visitorProperties(),
			"required":   []string{"website_id"},
		},
	}, ts.ExplainEligibility)

	simulateProps := visitorProperties()
	simulateProps["max_displays"] = map[string]interface{}{
		"type":        "integer",
		"minimum":     1,
		"description": "Stop after this many displays (optional, defaults to 10)",
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "simulate_playlist",
		Description: "Show the sequence and timing of notifications a visitor staying on one page would see",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": simulateProps,
			"required":   []string{"website_id"},
		},
	}, ts.SimulatePlaylist)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "website_stats",
		Description: "Display and click totals per campaign for a website",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"website_id": map[string]interface{}{
					"type":        "string",
					"description": "Website ID",
				},
				"days": map[string]interface{}{
					"type":        "integer",
					"minimum":     1,
					"description": "Number of days to include (optional, defaults to 7)",
				},
			},
			"required": []string{"website_id"},
		},
	}, ts.WebsiteStats)

	return server
}

func main() {
	// stdout carries the MCP protocol, so logs go to stderr.
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("proofserve-mcp").With(zap.String("service", "proofserve-mcp"))
	zap.ReplaceGlobals(logger)

	appCfg := config.Load()
	if os.Getenv("POSTGRES_DSN") == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}

	pg, err := db.InitPostgres(appCfg.PostgresDSN, 10, 5, 30*time.Minute, 5*time.Minute)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()
	pg.DefaultMaxPerSession = appCfg.DefaultMaxPerSession

	store := models.NewInMemoryCampaignStore()
	res, err := db.Load(context.Background(), pg, store, logger)
	if err != nil {
		logger.Fatal("Failed to load campaigns", zap.Error(err))
	}
	logger.Info("Loaded data from Postgres",
		zap.Int("websites", res.Websites),
		zap.Int("campaigns", res.Campaigns),
		zap.Int("playlists", res.Playlists),
		zap.Int("skipped", res.Skipped))

	ts := &ToolServer{
		store:                store,
		logger:               logger,
		defaultMaxPerSession: appCfg.DefaultMaxPerSession,
		now:                  time.Now,
	}

	// Stats are optional; the other tools only need Postgres.
	if ch, err := analytics.InitClickHouse(appCfg.ClickHouseDSN, nil, 10, 2, 5*time.Minute, time.Minute); err != nil {
		logger.Warn("ClickHouse unavailable, website_stats disabled", zap.Error(err))
	} else {
		defer ch.Close()
		ts.stats = ch
	}

	server := newMCPServer(ts)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio")
	if err := server.Run(context.Background(), transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
