package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/model"
	"github.com/conductor-sh/conductor/internal/phase"
)

const defaultConfigYAML = `# conductor configuration
database:
  driver: sqlite
  dsn: .conductor/conductor.db

orchestrator:
  workers: 4
  claim_interval: 2s

git:
  base_branch: main

log:
  level: info
  format: auto
`

// newInitCmd creates the init command: sets up the .conductor directory,
// a default config and the project record with its built-in workflow.
func newInitCmd() *cobra.Command {
	var name string
	var maxConcurrent int
	var autonomous bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize conductor in the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			confDir := filepath.Join(workDir, config.ConductorDir)
			if err := os.MkdirAll(confDir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", confDir, err)
			}

			confPath := filepath.Join(confDir, "config.yaml")
			if _, err := os.Stat(confPath); os.IsNotExist(err) {
				if err := os.WriteFile(confPath, []byte(defaultConfigYAML), 0o644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Println("Created", confPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			if name == "" {
				abs, err := filepath.Abs(workDir)
				if err != nil {
					return err
				}
				name = filepath.Base(abs)
			}

			ctx := cmd.Context()
			project := &model.Project{
				ID:            model.NewID(),
				Name:          name,
				RepoPath:      workDir,
				Autonomous:    autonomous,
				MaxConcurrent: maxConcurrent,
			}
			if err := store.SaveProject(ctx, project); err != nil {
				return fmt.Errorf("create project: %w", err)
			}

			registry := phase.NewRegistry(store)
			if err := registry.LoadDefaults(ctx, project.ID); err != nil {
				return fmt.Errorf("register workflow: %w", err)
			}

			fmt.Printf("Initialized project %s (%s)\n", project.Name, project.ID)
			fmt.Println("Next: conductor serve")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 4, "maximum concurrent tasks")
	cmd.Flags().BoolVar(&autonomous, "autonomous", true, "run tasks without per-task approval")
	return cmd
}
