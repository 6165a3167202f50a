package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-erp/meridian-erp/cmd/meridian/cli"
	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: meridian <command> [flags]

commands:
  verify   run the ledger integrity check (all scopes or -vessel/-product)
  onhand   print on-hand quantity for -vessel/-product
  jobs     trigger or inspect background jobs (trigger|stats)`)
	os.Exit(2)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping cli startup")
		return
	}
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch os.Args[1] {
	case "verify":
		fs := flag.NewFlagSet("verify", flag.ExitOnError)
		vessel := fs.Int64("vessel", 0, "vessel id (0 = all)")
		product := fs.Int64("product", 0, "product id (0 = all)")
		parallel := fs.Int("parallel", cfg.IntegrityScanParallelism, "worker count for full scans")
		_ = fs.Parse(os.Args[2:])

		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()

		repo := ledger.NewRepository(pool, cfg.LockTimeout)
		checker := ledger.NewChecker(repo, logger)
		drifting, err := cli.NewVerifyCLI(checker, os.Stdout).Run(ctx, *vessel, *product, *parallel)
		if err != nil {
			logger.Error("verify", slog.Any("error", err))
			os.Exit(1)
		}
		if drifting > 0 {
			os.Exit(1)
		}

	case "onhand":
		fs := flag.NewFlagSet("onhand", flag.ExitOnError)
		vessel := fs.Int64("vessel", 0, "vessel id")
		product := fs.Int64("product", 0, "product id")
		_ = fs.Parse(os.Args[2:])
		if *vessel == 0 || *product == 0 {
			fmt.Fprintln(os.Stderr, "onhand: -vessel and -product are required")
			os.Exit(2)
		}

		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()

		repo := ledger.NewRepository(pool, cfg.LockTimeout)
		engineCfg := ledger.EngineConfig{Logger: logger}
		if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
			logger.Warn("redis unavailable, reading on-hand uncached", slog.Any("error", err))
		} else {
			defer func() { _ = client.Close() }()
			engineCfg.Cache = ledger.NewOnHandCache(client, cfg.OnHandCacheTTL)
		}
		engine := ledger.NewEngine(repo, nil, nil, engineCfg)
		total, err := engine.OnHand(ctx, *vessel, *product)
		if err != nil {
			logger.Error("onhand", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("vessel=%d product=%d on_hand=%s\n", *vessel, *product, total)

	case "jobs":
		if len(os.Args) < 3 {
			usage()
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			logger.Error("init jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		defer jobsCLI.Close()

		switch os.Args[2] {
		case "trigger":
			info, err := jobsCLI.TriggerIntegrityScan(ctx, cfg.IntegrityScanParallelism)
			if err != nil {
				logger.Error("trigger integrity scan", slog.Any("error", err))
				os.Exit(1)
			}
			fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		case "stats":
			stats, err := jobsCLI.Stats(ctx)
			if err != nil {
				logger.Error("queue stats", slog.Any("error", err))
				os.Exit(1)
			}
			fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		default:
			usage()
		}

	default:
		usage()
	}
}
