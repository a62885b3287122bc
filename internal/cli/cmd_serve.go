package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-sh/conductor/internal/api"
	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/coordination"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/db/driver"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/git"
	"github.com/conductor-sh/conductor/internal/guardian"
	"github.com/conductor-sh/conductor/internal/lock"
	"github.com/conductor-sh/conductor/internal/merge"
	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/phase"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/sandbox"
)

// newServeCmd creates the serve command: the long-running orchestrator
// process with its HTTP API and guardian monitor.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := buildLogger(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			var bus events.Bus
			if cfg.Events.NATSURL != "" {
				natsBus, err := events.NewNATSBus(cfg.Events.NATSURL, cfg.Events.Source, logger)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				if err := natsBus.Start(ctx); err != nil {
					return fmt.Errorf("listen on nats: %w", err)
				}
				bus = natsBus
			} else {
				bus = events.NewMemoryBus(events.WithLogger(logger))
			}
			if cfg.Events.Persist {
				bus = events.NewPersistentBus(bus, store, cfg.Events.Source, logger)
			}
			defer bus.Close()

			repo, err := git.NewRepo(workDir,
				git.WithBaseBranch(cfg.Git.BaseBranch),
				git.WithWorktreeDir(cfg.Git.WorktreeDir))
			if err != nil {
				return fmt.Errorf("open repository: %w", err)
			}

			var runtime sandbox.Runtime
			if cfg.Sandbox.RuntimeCommand != "" {
				runtime = sandbox.NewProcessRuntime(cfg.Sandbox.RuntimeCommand, cfg.Sandbox.RuntimeArgs, logger)
			}
			spawner := sandbox.NewSpawner(store, repo, bus, runtime, sandbox.Config{
				EventPublishURL: cfg.Sandbox.EventPublishURL,
				TaskCompleteURL: cfg.Sandbox.TaskCompleteURL,
			}, logger)

			q := queue.New(store, bus, logger)
			locks := lock.NewManager(store, logger)
			registry := phase.NewRegistry(store)
			machine := phase.NewMachine(store, registry, bus, logger)
			coord := coordination.NewService(store, q, bus, logger)
			merger := merge.New(store, repo, spawner, bus, logger)

			if err := loadWorkflows(ctx, store, registry); err != nil {
				return err
			}

			orch := orchestrator.New(orchestrator.Deps{
				Store:    store,
				Queue:    q,
				Locks:    locks,
				Phases:   machine,
				Registry: registry,
				Coord:    coord,
				Merger:   merger,
				Spawner:  spawner,
				Bus:      bus,
				Logger:   logger,
			}, orchestrator.Config{
				Workers:        cfg.Orchestrator.Workers,
				ClaimInterval:  cfg.Orchestrator.ClaimInterval,
				GracePeriod:    cfg.Orchestrator.GracePeriod,
				StaleAfter:     cfg.Orchestrator.StaleAfter,
				DefaultRetries: cfg.Orchestrator.DefaultRetries,
				RetryBaseDelay: cfg.Orchestrator.RetryBaseDelay,
				RetryMaxDelay:  cfg.Orchestrator.RetryMaxDelay,
				Capabilities:   cfg.Orchestrator.Capabilities,
			})

			monitor := guardian.New(store, bus, logger)
			server := api.NewServer(cfg.Server.Addr, store, q, bus, orch, logger)

			g, ctx := errgroup.WithContext(ctx)
			if err := monitor.Start(ctx); err != nil {
				return fmt.Errorf("start guardian: %w", err)
			}
			defer monitor.Close()
			g.Go(func() error { return orch.Run(ctx) })
			g.Go(func() error { return server.Start(ctx) })

			logger.Info("conductor serving",
				"addr", cfg.Server.Addr, "workers", cfg.Orchestrator.Workers,
				"driver", cfg.Database.Driver)
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// openStore opens the configured database.
func openStore(cfg *config.Config) (*db.DB, error) {
	dialect, err := driver.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	store, err := db.OpenWithDialect(cfg.Database.DSN, dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// loadWorkflows registers each project's phase workflow: the project file
// when one exists, the built-in workflow otherwise.
func loadWorkflows(ctx context.Context, store *db.DB, registry *phase.Registry) error {
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		custom, err := config.LoadWorkflow(workDir, p.ID)
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		if custom == nil {
			if err := registry.LoadDefaults(ctx, p.ID); err != nil {
				return err
			}
			continue
		}
		for _, ph := range custom {
			if err := registry.Register(ctx, ph); err != nil {
				return err
			}
		}
	}
	return nil
}
