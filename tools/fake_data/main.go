package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

var (
	siteCount   = flag.Int("websites", 1, "number of websites besides the demo site")
	campPerSite = flag.Int("campaigns", 6, "campaigns per website")
	seed        = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload  = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
	server      = flag.String("server", "http://localhost:8787", "proofserve base URL used for the reload")
)

var notificationTypes = []string{"recent_purchase", "live_visitors", "review", "announcement", "low_stock"}

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))

	if err := seedDemo(ctx, pg); err != nil {
		logger.Fatal("seed demo website", zap.Error(err))
	}
	for i := 1; i <= *siteCount; i++ {
		site := models.Website{
			ID:     fmt.Sprintf("site-%d", i),
			Name:   fmt.Sprintf("Store %d", i),
			Domain: fmt.Sprintf("store%d.example.com", i),
		}
		if err := seedWebsite(ctx, pg, r, site, *campPerSite); err != nil {
			logger.Fatal("seed website", zap.String("website_id", site.ID), zap.Error(err))
		}
	}
	logger.Info("fake data inserted",
		zap.Int("websites", *siteCount+1),
		zap.Int("campaigns_per_website", *campPerSite),
		zap.Int64("seed", *seed))

	if *skipReload {
		return
	}
	reloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reloadCtx, http.MethodPost, *server+"/reload", nil)
	if err != nil {
		logger.Fatal("build reload request", zap.Error(err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("reload failed; restart the server or POST /reload", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	logger.Info("server reloaded", zap.Int("status", resp.StatusCode))
}

// seedDemo writes a fixed website whose playlist exercises every rule type.
func seedDemo(ctx context.Context, pg *db.Postgres) error {
	site := models.Website{ID: "demo", Name: "Demo Store", Domain: "demo.example.com"}
	if err := pg.InsertWebsite(ctx, site); err != nil {
		return err
	}
	created := time.Now().Add(-72 * time.Hour).UTC()

	purchases := demoCampaign("demo-purchases", "Recent purchases", "recent_purchase", 10, created)
	purchases.Display.MaxPerSession = 2
	purchases.TargetingRules.URLRules.ExcludeURLs = []string{"/checkout*", "/cart"}

	visitors := demoCampaign("demo-visitors", "Live visitors", "live_visitors", 5, created.Add(time.Hour))
	visitors.TargetingRules.Behavior.MinTimeOnPageSeconds = 10

	sale := demoCampaign("demo-sale", "Weekend sale", "announcement", 8, created.Add(2*time.Hour))
	sale.Display.OncePerSession = true
	sale.TargetingRules.TrafficSources.Include = []string{"google.*", "newsletter.example.com"}
	sale.TargetingRules.Schedule = models.ScheduleRules{
		Timezone:    "Europe/Berlin",
		ActiveDays:  []int{0, 5, 6},
		ActiveHours: []models.HourRange{{Start: "08:00", End: "22:00"}},
	}

	leaving := demoCampaign("demo-exit", "Before you go", "announcement", 20, created.Add(3*time.Hour))
	leaving.TargetingRules.Behavior.TriggerOnExitIntent = true
	leaving.TargetingRules.Devices = models.DeviceSet{models.DeviceDesktop}

	for _, c := range []models.Campaign{purchases, visitors, sale, leaving} {
		if err := pg.UpsertCampaign(ctx, c); err != nil {
			return err
		}
	}
	return pg.UpsertPlaylist(ctx, models.Playlist{
		ID:        "demo-playlist",
		WebsiteID: site.ID,
		Rules: models.PlaylistRules{
			SequenceMode:       models.SequenceSequential,
			MaxPerPage:         3,
			MaxPerSession:      6,
			CooldownSeconds:    30,
			CooldownScope:      models.CooldownPerCampaign,
			ConflictResolution: models.ConflictPriority,
			CampaignOrder:      []string{"demo-exit", "demo-purchases", "demo-visitors", "demo-sale"},
		},
	})
}

func demoCampaign(id, name, kind string, priority int, created time.Time) models.Campaign {
	return models.Campaign{
		ID:             id,
		WebsiteID:      "demo",
		Name:           name,
		Type:           kind,
		Active:         true,
		TargetingRules: models.DefaultTargetingRules(),
		Display: models.DisplaySettings{
			InitialDelayMS:    2000,
			DisplayDurationMS: 6000,
			IntervalMS:        12000,
		},
		Priority:  priority,
		CreatedAt: created,
	}
}

// seedWebsite writes n random campaigns and a random playlist for site.
func seedWebsite(ctx context.Context, pg *db.Postgres, r *rand.Rand, site models.Website, n int) error {
	if err := pg.InsertWebsite(ctx, site); err != nil {
		return err
	}
	order := make([]string, 0, n)
	for i := 0; i < n; i++ {
		kind := notificationTypes[r.Intn(len(notificationTypes))]
		c := models.Campaign{
			ID:             fmt.Sprintf("%s-c%d", site.ID, i+1),
			WebsiteID:      site.ID,
			Name:           fmt.Sprintf("%s %d", kind, i+1),
			Type:           kind,
			Active:         r.Float64() > 0.1,
			TargetingRules: models.DefaultTargetingRules(),
			Display: models.DisplaySettings{
				InitialDelayMS:    int64(r.Intn(5)) * 1000,
				DisplayDurationMS: int64(4+r.Intn(6)) * 1000,
				IntervalMS:        int64(8+r.Intn(20)) * 1000,
				MaxPerPage:        r.Intn(3),
				MaxPerSession:     r.Intn(4),
				OncePerSession:    kind == "announcement",
			},
			Priority:  r.Intn(10),
			CreatedAt: time.Now().Add(-time.Duration(r.Intn(30*24)) * time.Hour).UTC(),
		}
		if r.Float64() < 0.3 {
			c.TargetingRules.URLRules.IncludeURLs = []string{"/products/*"}
		}
		if r.Float64() < 0.2 {
			c.TargetingRules.Devices = models.DeviceSet{models.DeviceMobile, models.DeviceTablet}
		}
		if r.Float64() < 0.2 {
			c.TargetingRules.Behavior.MinScrollDepthPercent = float64(25 * (1 + r.Intn(3)))
		}
		if err := pg.UpsertCampaign(ctx, c); err != nil {
			return err
		}
		order = append(order, c.ID)
	}
	r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	modes := []models.SequenceMode{models.SequencePriority, models.SequenceSequential, models.SequenceRandom}
	return pg.UpsertPlaylist(ctx, models.Playlist{
		ID:        site.ID + "-playlist",
		WebsiteID: site.ID,
		Rules: models.PlaylistRules{
			SequenceMode:       modes[r.Intn(len(modes))],
			MaxPerPage:         r.Intn(4),
			MaxPerSession:      3 + r.Intn(5),
			CooldownSeconds:    r.Intn(60),
			CooldownScope:      models.CooldownPerCampaign,
			ConflictResolution: models.ConflictPriority,
			CampaignOrder:      order,
			AvoidRepeats:       r.Float64() < 0.5,
		},
	})
}
