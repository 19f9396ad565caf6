package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/executor"
	"github.com/parley-ai/parley/pkg/gateway"
	"github.com/parley-ai/parley/pkg/logger"
	"github.com/parley-ai/parley/pkg/router"
	"github.com/parley-ai/parley/pkg/skill"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/wire"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session broker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func runServe(listen string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	log, err := cfg.Log.CreateLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	models := loadModels(cfg)
	defaultModel := pickDefaultModel(cfg, models)

	st := store.NewDirStore(cfg.SessionsDir)

	skills := loadSkills(cfg, log)
	rt := router.New(skills, log)

	factory := func(sessionKey string) executor.TurnExecutor {
		return executor.NewScripted()
	}

	pool := broker.NewPool(st, factory, defaultModel, cfg.DefaultThinkingLevel, log)
	bk := broker.New(pool, rt, models, log)
	gw := gateway.New(cfg.Listen, bk, log)

	// Shut down on SIGINT/SIGTERM, draining connections first.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			log.Warn("shutdown: %v", err)
		}
		pool.Shutdown()
	}()

	return gw.ListenAndServe()
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	return config.LoadConfig(path)
}

func loadModels(cfg *config.Config) []wire.ModelInfo {
	path, err := config.ResolveModelsPath()
	if err == nil {
		if models, err := config.LoadModels(path); err == nil && len(models) > 0 {
			return models
		}
	}
	return config.FallbackModels()
}

func pickDefaultModel(cfg *config.Config, models []wire.ModelInfo) *wire.ModelInfo {
	if len(models) == 0 {
		return nil
	}
	for i := range models {
		if models[i].ID == cfg.DefaultModel {
			return &models[i]
		}
	}
	return &models[0]
}

func loadSkills(cfg *config.Config, log *logger.Logger) []skill.Skill {
	if cfg.SkillsDir == "" {
		return nil
	}
	result := skill.NewLoader(cfg.SkillsDir).Load()
	for _, diag := range result.Diagnostics {
		log.Warn("skill %s: %s", diag.Path, diag.Message)
	}
	return result.Skills
}
