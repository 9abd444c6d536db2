package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
	// DefaultMaxPerSession replaces invalid playlist session caps on load.
	DefaultMaxPerSession int
	Logger               *zap.Logger
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS websites (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    domain TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    website_id TEXT NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    targeting_rules JSONB,
    display JSONB,
    priority INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS playlists (
    id TEXT PRIMARY KEY,
    website_id TEXT NOT NULL UNIQUE REFERENCES websites(id) ON DELETE CASCADE,
    rules JSONB,
    campaign_order TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_campaigns_website_id ON campaigns (website_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_active ON campaigns (website_id, active) WHERE active = true;
`

const campaignColumns = `id, website_id, name, type, active, targeting_rules, display, priority, created_at`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db, DefaultMaxPerSession: models.DefaultMaxPerSession, Logger: zap.L()}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadWebsites retrieves every website.
func (p *Postgres) LoadWebsites(ctx context.Context) ([]models.Website, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, name, domain FROM websites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query websites: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Website
	for rows.Next() {
		var w models.Website
		if err := rows.Scan(&w.ID, &w.Name, &w.Domain); err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// LoadCampaigns retrieves every campaign with compiled targeting rules.
// Campaigns with invalid rule blobs are returned with the error attached so
// they fail closed during evaluation.
func (p *Postgres) LoadCampaigns(ctx context.Context) ([]models.Campaign, error) {
	return p.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY website_id, created_at, id`)
}

// GetCampaignsForWebsite retrieves the campaigns of one website.
func (p *Postgres) GetCampaignsForWebsite(ctx context.Context, websiteID string) ([]models.Campaign, error) {
	return p.queryCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE website_id=$1 ORDER BY created_at, id`, websiteID)
}

func (p *Postgres) queryCampaigns(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Campaign
	for rows.Next() {
		c, err := p.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (p *Postgres) scanCampaign(rows *sql.Rows) (models.Campaign, error) {
	var c models.Campaign
	var rules, display []byte
	if err := rows.Scan(&c.ID, &c.WebsiteID, &c.Name, &c.Type, &c.Active, &rules, &display, &c.Priority, &c.CreatedAt); err != nil {
		return c, fmt.Errorf("scan campaign: %w", err)
	}

	tr, err := models.ParseTargetingRules(rules)
	if err != nil {
		p.logger().Warn("campaign targeting rules invalid; campaign will not show",
			zap.String("campaign_id", c.ID),
			zap.String("website_id", c.WebsiteID),
			zap.Error(err))
	}
	c.TargetingRules = tr

	if len(display) > 0 {
		if err := json.Unmarshal(display, &c.Display); err != nil {
			p.logger().Warn("campaign display settings undecodable, using defaults",
				zap.String("campaign_id", c.ID),
				zap.Error(err))
			c.Display = models.DisplaySettings{}
		}
	}
	c.Display = c.Display.Normalize()
	return c, nil
}

// LoadPlaylists retrieves every playlist with normalized rules.
func (p *Postgres) LoadPlaylists(ctx context.Context) ([]models.Playlist, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, website_id, rules, campaign_order FROM playlists ORDER BY website_id`)
	if err != nil {
		return nil, fmt.Errorf("query playlists: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Playlist
	for rows.Next() {
		pl, err := p.scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// GetPlaylist retrieves the playlist of one website. ErrNotFound is returned
// when the website has none.
func (p *Postgres) GetPlaylist(ctx context.Context, websiteID string) (models.Playlist, error) {
	var pl models.Playlist
	var raw []byte
	var order []string
	err := p.DB.QueryRowContext(ctx,
		`SELECT id, website_id, rules, campaign_order FROM playlists WHERE website_id=$1`, websiteID).
		Scan(&pl.ID, &pl.WebsiteID, &raw, pq.Array(&order))
	if errors.Is(err, sql.ErrNoRows) {
		return pl, models.ErrNotFound
	}
	if err != nil {
		return pl, fmt.Errorf("query playlist: %w", err)
	}
	pl.Rules = p.playlistRules(pl.WebsiteID, raw, order)
	return pl, nil
}

func (p *Postgres) scanPlaylist(rows *sql.Rows) (models.Playlist, error) {
	var pl models.Playlist
	var raw []byte
	var order []string
	if err := rows.Scan(&pl.ID, &pl.WebsiteID, &raw, pq.Array(&order)); err != nil {
		return pl, fmt.Errorf("scan playlist: %w", err)
	}
	pl.Rules = p.playlistRules(pl.WebsiteID, raw, order)
	return pl, nil
}

// playlistRules decodes a rules blob. The campaign_order column wins over any
// order stored inside the blob.
func (p *Postgres) playlistRules(websiteID string, raw []byte, order []string) models.PlaylistRules {
	rules, _ := models.ParsePlaylistRules(raw, p.DefaultMaxPerSession, p.logger().With(zap.String("website_id", websiteID)))
	if len(order) > 0 {
		rules.CampaignOrder = order
	}
	return rules
}

// InsertWebsite creates or renames a website.
func (p *Postgres) InsertWebsite(ctx context.Context, w models.Website) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO websites (id, name, domain) VALUES ($1,$2,$3)
         ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, domain=EXCLUDED.domain`,
		w.ID, w.Name, w.Domain)
	if err != nil {
		return fmt.Errorf("insert website: %w", err)
	}
	return nil
}

// UpsertCampaign inserts or replaces a campaign row.
func (p *Postgres) UpsertCampaign(ctx context.Context, c models.Campaign) error {
	rules, err := json.Marshal(c.TargetingRules)
	if err != nil {
		return fmt.Errorf("marshal targeting rules: %w", err)
	}
	display, err := json.Marshal(c.Display)
	if err != nil {
		return fmt.Errorf("marshal display settings: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = p.DB.ExecContext(ctx,
		`INSERT INTO campaigns (`+campaignColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
         ON CONFLICT (id) DO UPDATE SET website_id=EXCLUDED.website_id, name=EXCLUDED.name,
             type=EXCLUDED.type, active=EXCLUDED.active, targeting_rules=EXCLUDED.targeting_rules,
             display=EXCLUDED.display, priority=EXCLUDED.priority`,
		c.ID, c.WebsiteID, c.Name, c.Type, c.Active, rules, display, c.Priority, createdAt)
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes a campaign. ErrNotFound is returned for unknown ids.
func (p *Postgres) DeleteCampaign(ctx context.Context, id string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpsertPlaylist inserts or replaces the playlist of a website.
func (p *Postgres) UpsertPlaylist(ctx context.Context, pl models.Playlist) error {
	rules := pl.Rules
	order := rules.CampaignOrder
	rules.CampaignOrder = nil
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal playlist rules: %w", err)
	}
	if order == nil {
		order = []string{}
	}
	_, err = p.DB.ExecContext(ctx,
		`INSERT INTO playlists (id, website_id, rules, campaign_order) VALUES ($1,$2,$3,$4)
         ON CONFLICT (website_id) DO UPDATE SET rules=EXCLUDED.rules, campaign_order=EXCLUDED.campaign_order`,
		pl.ID, pl.WebsiteID, raw, pq.Array(order))
	if err != nil {
		return fmt.Errorf("upsert playlist: %w", err)
	}
	return nil
}
