package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/proofserve/internal/api"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server      string
	websiteID   string
	visitors    int
	pathCSV     string
	totalReq    int
	conc        int
	duration    time.Duration
	rate        float64
	displayRate float64
	clickRate   float64
	stats       bool
	flush       bool
	redisAddr   string
	debug       bool
	label       string
	jitter      float64
)

var logger *zap.Logger

var httpClient *http.Client

var (
	paths      = []string{"/", "/products/shoes"}
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
	}
	referrers = []string{"", "https://www.google.com/search?q=shoes", "https://facebook.com/", "https://newsletter.example.com/"}
	userIPs   = []string{"192.0.2.1", "198.51.100.1", "203.0.113.1"}
)

const statsInterval = 5 * time.Second

var (
	countSent     uint64
	countPlans    uint64
	countIdle     uint64
	countErrors   uint64
	countDisplays uint64
	countDiscards uint64
	countClicks   uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "proofserve base URL")
	flag.StringVar(&websiteID, "website", "demo", "website ID")
	flag.IntVar(&visitors, "visitors", 100, "number of distinct visitor sessions")
	flag.StringVar(&pathCSV, "paths", "/,/products/shoes", "comma-separated page paths")
	flag.IntVar(&totalReq, "requests", 1000, "total evaluations to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "evaluations per second (0 for unlimited)")
	flag.Float64Var(&displayRate, "display-rate", 0.9, "probability that a plan is rendered rather than discarded")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per display")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "delete stored sessions before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushSessions()
	}

	paths = strings.Split(pathCSV, ",")
	for i := range paths {
		paths[i] = strings.TrimSpace(paths[i])
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	intn := func(n int) int {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Intn(n)
	}
	float := func() float64 {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Float64()
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}

	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				jf := 1 + (float()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			if now := time.Now(); now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		v := visit{
			sessionID:  fmt.Sprintf("%s-visitor-%d", label, intn(visitors)),
			path:       paths[intn(len(paths))],
			referrer:   referrers[intn(len(referrers))],
			ua:         userAgents[intn(len(userAgents))],
			ip:         userIPs[intn(len(userIPs))],
			timeOnPage: float64(intn(60)),
			scroll:     float64(intn(101)),
			display:    float() < displayRate,
			click:      float() < clickRate,
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)
			if err := v.run(); err != nil {
				atomic.AddUint64(&countErrors, 1)
				logger.Error("visit failed", zap.String("session_id", v.sessionID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

type visit struct {
	sessionID  string
	path       string
	referrer   string
	ua         string
	ip         string
	timeOnPage float64
	scroll     float64
	display    bool
	click      bool
}

// run performs one evaluate call and, when a plan comes back, acknowledges it
// the way the widget would.
func (v visit) run() error {
	var res api.EvaluateResponse
	err := v.post("/v1/evaluate", api.EvaluateRequest{
		WebsiteID: websiteID,
		SessionID: v.sessionID,
		Context: models.VisitorContext{
			Path:        v.path,
			Referrer:    v.referrer,
			TimeOnPage:  v.timeOnPage,
			ScrollDepth: v.scroll,
		},
	}, &res)
	if err != nil {
		return err
	}
	if res.Plan == nil || res.Token == "" {
		atomic.AddUint64(&countIdle, 1)
		logger.Debug("no plan", zap.String("session_id", v.sessionID), zap.String("state", string(res.State)))
		return nil
	}
	atomic.AddUint64(&countPlans, 1)

	if !v.display {
		if err := v.post("/v1/discard", api.ConfirmRequest{Token: res.Token}, nil); err != nil {
			return err
		}
		atomic.AddUint64(&countDiscards, 1)
		return nil
	}
	if err := v.post("/v1/display", api.ConfirmRequest{Token: res.Token}, nil); err != nil {
		return err
	}
	atomic.AddUint64(&countDisplays, 1)
	if v.click {
		if err := v.post("/v1/click", api.ConfirmRequest{Token: res.Token}, nil); err != nil {
			return err
		}
		atomic.AddUint64(&countClicks, 1)
	}
	logger.Debug("display", zap.String("session_id", v.sessionID), zap.String("campaign_id", res.Plan.CampaignID))
	return nil
}

func (v visit) post(path string, body, out any) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", v.ua)
	req.Header.Set("X-Forwarded-For", v.ip)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// flushSessions removes stored session snapshots so every visitor starts
// fresh. Campaign data lives in Postgres and is untouched.
func flushSessions() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys, err := store.Client.Keys(store.Ctx, "session:*").Result()
	if err != nil {
		logger.Fatal("list sessions", zap.Error(err))
	}
	if len(keys) > 0 {
		if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
			logger.Fatal("delete sessions", zap.Error(err))
		}
	}
	logger.Info("redis sessions flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)))
}

func printStats() {
	plans := atomic.LoadUint64(&countPlans)
	displays := atomic.LoadUint64(&countDisplays)
	clicks := atomic.LoadUint64(&countClicks)
	var ctr float64
	if displays > 0 {
		ctr = float64(clicks) / float64(displays)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", atomic.LoadUint64(&countSent)),
		zap.Uint64("plans", plans),
		zap.Uint64("idle", atomic.LoadUint64(&countIdle)),
		zap.Uint64("displays", displays),
		zap.Uint64("discards", atomic.LoadUint64(&countDiscards)),
		zap.Uint64("clicks", clicks),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Float64("ctr", ctr))
}
