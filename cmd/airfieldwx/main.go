// Command airfieldwx is the acquisition daemon. With no arguments it
// runs the scheduler loop plus the status server; with --worker it
// executes a single acquisition job and exits with the one-shot
// contract (0 success, 124 timeout, 1 failure).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/detect"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/pipeline"
	"github.com/airfieldwx/airfieldwx/internal/scheduler"
	"github.com/airfieldwx/airfieldwx/internal/staleness"
	"github.com/airfieldwx/airfieldwx/internal/store"
	"github.com/airfieldwx/airfieldwx/internal/timeauth"
	"github.com/airfieldwx/airfieldwx/internal/weather"
	"github.com/airfieldwx/airfieldwx/internal/web"
	"github.com/airfieldwx/airfieldwx/pkg/health"
)

// Build info set at compile time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()

	logger.Init()
	logger.Info("airfieldwx starting", "version", Version, "commit", GitCommit)

	cfgSvc, err := config.NewService(config.Path())
	if err != nil {
		logger.Error("config load failed", "path", config.Path(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = cfgSvc.Close() }()

	dataDir := "./data"
	if g := cfgSvc.Get().Global; g != nil && g.DataDir != "" {
		dataDir = g.DataDir
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("data dir unavailable", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	st := store.New(dataDir)

	bo, err := backoff.NewStore(filepath.Join(dataDir, "backoff.json"), backoff.DefaultConfig())
	if err != nil {
		logger.Error("backoff store failed", "error", err)
		os.Exit(1)
	}

	clock := timeauth.New(timeauth.DefaultConfig())
	clock.Start()
	defer clock.Stop()

	pl := pipeline.New(st, detect.New(detect.DefaultConfig()))
	if g := cfgSvc.Get().Global; g != nil && g.WebcamRetentionHours > 0 {
		pl.Retention = time.Duration(g.WebcamRetentionHours) * time.Hour
	}

	wp := weather.NewPoller(st, bo, nil)
	sched := scheduler.New(cfgSvc, st, bo, pl, wp, clock)

	if len(os.Args) > 1 && os.Args[1] == "--worker" {
		os.Exit(runWorker(sched, os.Args[2:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor(dataDir, scheduler.LockPath)
	srv := web.NewServer(cfgSvc, st, staleness.NewEvaluator(st, bo), monitor)

	go func() {
		if err := srv.Start(); err != nil && ctx.Err() == nil {
			logger.Error("status server failed", "error", err)
			stop()
		}
	}()

	_ = sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	logger.Info("airfieldwx stopped")
}

// runWorker parses "--worker <airport> <role> [cam]" and runs one job
func runWorker(sched *scheduler.Scheduler, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: airfieldwx --worker <airport> <webcam|weather> [cam_index]")
		return scheduler.ExitFailure
	}

	airportID, role := args[0], args[1]
	camIndex := 0
	if role == "webcam" {
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "webcam worker requires a camera index")
			return scheduler.ExitFailure
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad camera index %q\n", args[2])
			return scheduler.ExitFailure
		}
		camIndex = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sched.RunWorker(ctx, airportID, role, camIndex)
}
