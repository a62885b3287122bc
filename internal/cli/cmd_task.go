package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conductor-sh/conductor/internal/model"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var ticketID, projectID, status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Example: `  conductor task list --ticket TICK-1A2B
  conductor task list --project <id> --status running`,
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
			var tasks []*model.Task
			switch {
			case ticketID != "":
				tasks, err = store.ListTasksByTicket(ctx, ticketID)
			case projectID != "" && status != "":
				tasks, err = store.ListTasksByStatus(ctx, projectID, model.TaskStatus(status))
			case projectID != "":
				tasks, err = store.ListInFlight(ctx, projectID)
			default:
				return fmt.Errorf("--ticket or --project is required")
			}
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPHASE\tRETRIES\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.Status, t.Priority, t.PhaseID, t.RetryCount,
					truncate(t.Description, 50))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&ticketID, "ticket", "", "filter by ticket id")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (with --project)")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task in detail",
		Args:  cobra.ExactArgs(1),
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
			task, err := store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(task)
			}

			fmt.Printf("Task:        %s\n", task.ID)
			fmt.Printf("Ticket:      %s\n", task.TicketID)
			fmt.Printf("Phase:       %s\n", task.PhaseID)
			fmt.Printf("Status:      %s\n", task.Status)
			fmt.Printf("Priority:    %s\n", task.Priority)
			fmt.Printf("Description: %s\n", task.Description)
			if len(task.Dependencies) > 0 {
				fmt.Printf("Depends on:  %s\n", strings.Join(task.Dependencies, ", "))
			}
			if task.SandboxID != "" {
				fmt.Printf("Sandbox:     %s\n", task.SandboxID)
			}
			if task.RetryCount > 0 {
				fmt.Printf("Retries:     %d\n", task.RetryCount)
			}
			if task.LastError != "" {
				fmt.Printf("Last error:  %s\n", task.LastError)
			}
			return nil
		},
	}
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
