package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vtrt-project/vtrt/internal/config"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/runtime"
)

// runContext holds the run command's flags, populated once at parse
// time and handed to doRun.
type runContext struct {
	ConfigFile string
}

func registerRun(app *kingpin.Application) (*kingpin.CmdClause, *runContext) {
	var ctx runContext
	cmd := app.Command("run", "Start this rank and join its fleet.")
	cmd.Flag("config", "Path to this rank's YAML configuration file.").Required().Short('c').StringVar(&ctx.ConfigFile)
	return cmd, &ctx
}

// doRun loads runCtx.ConfigFile, brings up every core component for
// this rank, runs the collective startup barrier, then blocks driving
// the scheduler loop until SIGINT/SIGTERM arrives, at which point it
// tears down and returns.
func doRun(runCtx *runContext, logger log.Logger) error {
	cfg, err := config.Load(runCtx.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rankLogger := logger.WithPrefix(fmt.Sprintf("rank-%d", cfg.Rank))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, rankLogger)
	if err != nil {
		return fmt.Errorf("initializing rank %d: %w", cfg.Rank, err)
	}

	if err := rt.Startup(ctx); err != nil {
		return fmt.Errorf("starting up rank %d: %w", cfg.Rank, err)
	}

	runErr := rt.Run(ctx)

	teardownCtx, cancel := context.WithTimeout(context.Background(), cfg.SetupBarrierTimeout)
	defer cancel()
	if err := rt.Teardown(teardownCtx); err != nil {
		rankLogger.Errorf("tearing down: %v", err)
	}

	return runErr
}
