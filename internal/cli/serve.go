package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/config"
	"github.com/patchline/patchline/internal/harness"
	"github.com/patchline/patchline/internal/llm"
	"github.com/patchline/patchline/internal/logging"
	"github.com/patchline/patchline/internal/orchestrator"
	"github.com/patchline/patchline/internal/server"
	"github.com/patchline/patchline/internal/stage"
	"github.com/patchline/patchline/internal/store"
	"github.com/patchline/patchline/internal/workspace"
)

// flushInterval paces the durable-store flush tick.
const flushInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the patchline server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Mode(cfg.DBMode), cfg.DBDataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	clk := clock.System()
	brk := breaker.New(breaker.Config{
		MaxDailyTokens:     cfg.Breaker.MaxDailyTokens,
		MaxTaskTokens:      cfg.Breaker.MaxTaskTokens,
		MaxConcurrentTasks: cfg.Breaker.MaxConcurrentTasks,
		MaxRetries:         cfg.Breaker.MaxRetries,
		TokenWindow:        cfg.Breaker.TokenWindow(),
		HalfOpenInterval:   cfg.Breaker.HalfOpenInterval(),
	}, clk, st)

	if cfg.ModelAPIKey == "" {
		log.Warnf("MODEL_API_KEY is empty; model calls will fail")
	}
	model := llm.NewClient(llm.NewAnthropic(cfg.ModelAPIKey), brk, st, cfg.Model)

	ws := workspace.New(cfg.RepoURL, cfg.WorkDir, cfg.SnapshotPaths)
	tests := harness.New(model, cfg.ChromeCandidates())

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Breaker:    brk,
		Workspace:  ws,
		Analyzer:   stage.NewAnalyzer(model, st, clk),
		Planner:    stage.NewPlanner(model, st, clk),
		Modifier:   stage.NewModifier(ws, st, clk),
		Tester:     stage.NewTester(tests, brk, st, clk),
		Publisher:  stage.NewPublisher(model, &stage.StubPRCreator{}, st, clk),
		Clock:      clk,
		Log:        log,
		MaxRetries: cfg.Breaker.MaxRetries,
	})

	srv := server.New(fmt.Sprintf(":%d", cfg.Port), orch, st, brk, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		brk.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := st.Flush(); err != nil {
					log.Errorf("flush store: %v", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down")

		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shCtx); err != nil {
			log.Errorf("http shutdown: %v", err)
		}
		if err := orch.Shutdown(shCtx); err != nil {
			log.Errorf("pipeline shutdown: %v", err)
		}
		if err := st.Flush(); err != nil {
			log.Errorf("final flush: %v", err)
		}
		return st.Close()
	})

	log.Infof("patchline serving on :%d (db=%s model=%s)", cfg.Port, cfg.DBMode, cfg.Model)
	return g.Wait()
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		return logging.NewWithFile(level, cfg.LogFile), nil
	}
	return logging.New(level), nil
}
