// Simulate replays a scripted visit against the session engine and prints
// what the widget would have been told at each step.
//
// Usage:
//
//	go run ./tools/simulate -scenario=visit.yaml
//	go run ./tools/simulate -scenario=visit.yaml -playthrough=10
//	go run ./tools/simulate -scenario=visit.yaml -explain
//
// Output is JSON on stdout; logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/proofserve/internal/logic/selectors"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
	"github.com/patrickwarner/proofserve/internal/simulation"
)

func main() {
	logger, err := observability.InitLoggerWithLevel(zapcore.WarnLevel, "simulate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(context.Background(), os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *zap.Logger) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	var (
		path        = fs.String("scenario", "", "scenario file (YAML or JSON)")
		seed        = fs.Int64("seed", 1, "rng seed for random sequence mode")
		playthrough = fs.Int("playthrough", 0, "ignore the steps and show up to N displays on one page")
		explain     = fs.Bool("explain", false, "report each campaign's eligibility for the scenario visitor")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("scenario is required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read scenario: %w", err)
	}
	sc, err := simulation.ParseScenario(data)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	selectors.RandIntn = rng.Intn

	var out any
	switch {
	case *explain:
		vc := sc.InitialVisitor()
		out = simulation.Explain(sc.BuildCampaigns(logger), sc.PlaylistRules(models.DefaultMaxPerSession, logger), vc)
	case *playthrough > 0:
		out = simulation.Playthrough(ctx, sc.BuildCampaigns(logger), sc.PlaylistRules(models.DefaultMaxPerSession, logger),
			sc.InitialVisitor(), sc.Start, *playthrough)
	default:
		if out, err = simulation.Run(ctx, sc, logger); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
