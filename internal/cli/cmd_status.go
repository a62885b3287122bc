package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conductor-sh/conductor/internal/model"
)

// newStatusCmd creates the status command: a per-project queue summary.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue state per project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			projects, err := store.ListProjects(ctx)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects found. Run: conductor init")
				return nil
			}

			type row struct {
				Project  string `json:"project"`
				ID       string `json:"id"`
				Pending  int    `json:"pending"`
				Running  int    `json:"running"`
				Blocked  int    `json:"blocked"`
				Failed   int    `json:"failed"`
				InFlight int    `json:"in_flight"`
			}
			var rows []row
			for _, p := range projects {
				r := row{Project: p.Name, ID: p.ID}
				for status, dst := range map[model.TaskStatus]*int{
					model.TaskPending: &r.Pending,
					model.TaskRunning: &r.Running,
					model.TaskBlocked: &r.Blocked,
					model.TaskFailed:  &r.Failed,
				} {
					tasks, err := store.ListTasksByStatus(ctx, p.ID, status)
					if err != nil {
						return err
					}
					*dst = len(tasks)
				}
				r.InFlight, err = store.CountInFlight(ctx, p.ID)
				if err != nil {
					return err
				}
				rows = append(rows, r)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tPENDING\tRUNNING\tBLOCKED\tFAILED\tIN-FLIGHT")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
					r.Project, r.Pending, r.Running, r.Blocked, r.Failed, r.InFlight)
			}
			return w.Flush()
		},
	}
}
