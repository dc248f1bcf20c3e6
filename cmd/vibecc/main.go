// Vibecc is an autonomous ticket-to-merge pipeline daemon. It watches each
// project's kanban queue, drives tickets through coding and CI via an
// external code-generation agent, and merges the resulting pull requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/arctek/vibecc"
	"github.com/arctek/vibecc/agent"
	"github.com/arctek/vibecc/events"
	"github.com/arctek/vibecc/internal/config"
	"github.com/arctek/vibecc/internal/db"
	"github.com/arctek/vibecc/internal/web"
	"github.com/arctek/vibecc/kanban"
	"github.com/arctek/vibecc/pipeline"
	"github.com/arctek/vibecc/vcs"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Config file path (YAML)")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config)")
		dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
		verbose     = flag.Bool("verbose", false, "Debug logging")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vibecc %s (commit: %s)\n", version, gitCommit)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, *addr, *dbPath, logger); err != nil {
		logger.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addr, dbPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.GitHubToken == "" {
		return errors.New("no GitHub token: set GITHUB_TOKEN or github_token in the config")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	store := db.NewStore(database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))

	bus := events.NewBus(logger)
	go bus.Run(ctx)

	orch := vibecc.NewOrchestrator(store, bus, logger)

	newScheduler := func() *vibecc.Scheduler {
		return vibecc.NewScheduler(orch, logger,
			vibecc.WithInterval(cfg.Scheduler.Interval),
			vibecc.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent))
	}

	toolsetFor := func(project *pipeline.Project) (vibecc.Toolset, error) {
		owner, repo, ok := strings.Cut(project.Repo, "/")
		if !ok {
			return vibecc.Toolset{}, fmt.Errorf("project %s has malformed repo %q", project.ID, project.Repo)
		}

		repoPath := filepath.Join(cfg.WorkdirRoot, project.ID)
		if _, err := os.Stat(repoPath); err != nil {
			return vibecc.Toolset{}, fmt.Errorf("no working tree for project %s at %s: %w", project.ID, repoPath, err)
		}

		gateway := vcs.New(repoPath, gh, owner, repo, logger)
		tester := agent.NewCITester(gateway, logger,
			agent.WithPollInterval(cfg.CI.PollInterval),
			agent.WithMaxPolls(cfg.CI.MaxPolls))

		return vibecc.Toolset{
			VCS:      gateway,
			Board:    kanban.NewGitHubBoard(gh, owner, repo, logger),
			Coder:    agent.NewCLICoder(cfg.Agent.Bin, cfg.Agent.Args, cfg.Agent.Timeout, logger),
			Tester:   tester,
			RepoPath: repoPath,
		}, nil
	}

	manager := vibecc.NewSchedulerManager(orch, newScheduler, toolsetFor, logger)
	server := web.NewServer(cfg.ListenAddr, store, manager, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("vibecc started", "addr", cfg.ListenAddr, "db", cfg.DBPath)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	manager.Shutdown()
	return nil
}
