package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fmt"

	"github.com/joho/godotenv"
	"github.com/nidhogg/loadout/internal/api"
	"github.com/nidhogg/loadout/internal/budget"
	"github.com/nidhogg/loadout/internal/config"
	"github.com/nidhogg/loadout/internal/skill"
	"github.com/nidhogg/loadout/internal/source"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting loadout...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/loadout.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Pick the skill source: Postgres when configured, else a skills
	// directory, else the built-in catalog.
	var src source.Source
	var pg *source.PG
	if cfg.Source.Postgres.DSN != "" {
		p, pgErr := source.NewPG(cfg.Source.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, falling back", zap.Error(pgErr))
		} else {
			if mErr := p.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = p
			src = p
		}
	}
	if src == nil && cfg.Source.SkillsDir != "" {
		src = source.NewDir(cfg.Source.SkillsDir)
		logger.Info("Serving skills from directory", zap.String("dir", cfg.Source.SkillsDir))
	}
	if src == nil {
		static := source.NewStatic()
		source.RegisterBuiltins(static)
		src = static
		logger.Info("Serving built-in skill catalog")
	}

	// Optional Redis read-through cache in front of the source
	var cached *source.Cached
	if cfg.Source.Redis.URL != "" {
		ttl := time.Duration(cfg.Source.CacheTTLSeconds) * time.Second
		c, cacheErr := source.NewCached(src, cfg.Source.Redis.URL, ttl, logger)
		if cacheErr != nil {
			logger.Warn("Redis unavailable, running without skill cache", zap.Error(cacheErr))
		} else {
			cached = c
			src = c
		}
	}

	// Lifecycle manager
	manager := skill.NewManager(src, skill.Config{
		MaxLoaded:         cfg.Lifecycle.MaxLoaded,
		MaxActive:         cfg.Lifecycle.MaxActive,
		ContextBudget:     cfg.Lifecycle.ContextBudget,
		DefaultAllocation: cfg.Lifecycle.DefaultAllocation,
	}, logger)
	manager.OnError(func(name string, cause error) error {
		logger.Error("skill entered error state", zap.String("skill", name), zap.Error(cause))
		return nil
	})

	// Budget allocator with scheduled rebalancing
	alloc := budget.NewAllocator(cfg.Budget.Total, logger)
	var sweeper *budget.Sweeper
	if cfg.Budget.RebalanceCron != "" {
		s, swErr := budget.NewSweeper(alloc, cfg.Budget.RebalanceCron, logger)
		if swErr != nil {
			logger.Warn("running without scheduled rebalance", zap.Error(swErr))
		} else {
			sweeper = s
			sweeper.Start()
		}
	}

	// Build HTTP handler
	handler := api.NewHandler(manager, alloc, src, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("loadout listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down loadout...")
	if sweeper != nil {
		sweeper.Stop()
	}
	ctx := context.Background()
	srv.Shutdown(ctx)
	if cached != nil {
		cached.Close()
	}
	if pg != nil {
		pg.Close()
	}
}
