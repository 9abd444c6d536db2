package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// Service records confirmed displays and clicks. Implementations return
// ErrUnavailable when their storage is not configured.
type Service interface {
	RecordDisplay(ctx context.Context, ev models.DisplayEvent) error
	RecordClick(ctx context.Context, ev models.ClickEvent) error
}

// StatsProvider aggregates recorded events per campaign.
type StatsProvider interface {
	WebsiteStats(ctx context.Context, websiteID string, since time.Time) ([]CampaignStats, error)
}

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Event types stored in the events table.
const (
	EventDisplay = "display"
	EventClick   = "click"
)

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// EventRecord mirrors a row in the events table.
type EventRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	WebsiteID  string    `json:"website_id"`
	CampaignID string    `json:"campaign_id"`
	Path       *string   `json:"path"`
	Device     *string   `json:"device"`
	Country    *string   `json:"country"`
}

// CampaignStats aggregates the events of one campaign.
type CampaignStats struct {
	CampaignID string  `json:"campaign_id"`
	Displays   int64   `json:"displays"`
	Clicks     int64   `json:"clicks"`
	CTR        float64 `json:"ctr"`
}

// InitClickHouse connects to ClickHouse with the given pool settings and
// ensures the events table exists.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS events (
       timestamp    DateTime64(3),
       event_type   LowCardinality(String),
       event_id     String,
       session_id   String,
       website_id   String,
       campaign_id  String,
       path         Nullable(String),
       device       Nullable(String),
       country      Nullable(String)
   ) ENGINE=ReplacingMergeTree() ORDER BY (website_id, event_type, event_id)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db, Metrics: metrics}, nil
}

// RecordDisplay inserts a display row. The event id doubles as the
// deduplication key, so a retried report does not count twice.
func (a *Analytics) RecordDisplay(ctx context.Context, ev models.DisplayEvent) error {
	return a.recordEvent(ctx, EventDisplay, ev.At, ev.EventID, ev.SessionID, ev.WebsiteID, ev.CampaignID,
		nullString(ev.Path), nullString(string(ev.Device)), nullString(ev.Country))
}

// RecordClick inserts a click row.
func (a *Analytics) RecordClick(ctx context.Context, ev models.ClickEvent) error {
	return a.recordEvent(ctx, EventClick, ev.At, ev.EventID, ev.SessionID, ev.WebsiteID, ev.CampaignID,
		sql.NullString{}, sql.NullString{}, sql.NullString{})
}

func (a *Analytics) recordEvent(ctx context.Context, eventType string, at time.Time, eventID, sessionID, websiteID, campaignID string, path, device, country sql.NullString) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if at.IsZero() {
		at = time.Now()
	}
	stmt := `INSERT INTO events (timestamp, event_type, event_id, session_id, website_id, campaign_id, path, device, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, at.UTC(), eventType, eventID, sessionID, websiteID, campaignID, path, device, country); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", eventType))
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	if a.Metrics != nil {
		a.Metrics.IncrementEvent(eventType + "_recorded")
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// EventsByEventID returns the display and click rows sharing an event id,
// ordered by timestamp.
func (a *Analytics) EventsByEventID(ctx context.Context, id string) ([]EventRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, event_type, event_id, session_id, website_id, campaign_id, path, device, country FROM events FINAL WHERE event_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Timestamp, &ev.EventType, &ev.EventID, &ev.SessionID, &ev.WebsiteID, &ev.CampaignID, &ev.Path, &ev.Device, &ev.Country); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// WebsiteStats returns per-campaign display and click counts for a website
// since the given instant.
func (a *Analytics) WebsiteStats(ctx context.Context, websiteID string, since time.Time) ([]CampaignStats, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT campaign_id,
       toInt64(countIf(event_type = 'display')) AS displays,
       toInt64(countIf(event_type = 'click')) AS clicks
   FROM events FINAL
   WHERE website_id = ? AND timestamp >= ?
   GROUP BY campaign_id
   ORDER BY displays DESC, campaign_id`
	rows, err := a.DB.QueryContext(ctx, query, websiteID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var stats []CampaignStats
	for rows.Next() {
		var s CampaignStats
		if err := rows.Scan(&s.CampaignID, &s.Displays, &s.Clicks); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		s.CTR = ClickThroughRate(s.Displays, s.Clicks)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return stats, nil
}

// ClickThroughRate returns clicks/displays, or zero without displays.
func ClickThroughRate(displays, clicks int64) float64 {
	if displays <= 0 {
		return 0
	}
	return float64(clicks) / float64(displays)
}
