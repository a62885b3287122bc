package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect tickets",
	}
	cmd.AddCommand(newTicketShowCmd())
	return cmd
}

func newTicketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket, its tasks and phase history",
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
			ticket, err := store.GetTicket(ctx, args[0])
			if err != nil {
				return err
			}
			tasks, err := store.ListTasksByTicket(ctx, ticket.ID)
			if err != nil {
				return err
			}
			history, err := store.PhaseHistoryFor(ctx, ticket.ID)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"ticket":  ticket,
					"tasks":   tasks,
					"history": history,
				})
			}

			fmt.Printf("Ticket:   %s\n", ticket.ID)
			fmt.Printf("Title:    %s\n", ticket.Title)
			fmt.Printf("Phase:    %s\n", ticket.CurrentPhase)
			fmt.Printf("Status:   %s\n", ticket.Status)
			fmt.Printf("Priority: %s\n", ticket.Priority)
			if ticket.LastError != "" {
				fmt.Printf("Error:    %s\n", ticket.LastError)
			}

			if len(tasks) > 0 {
				fmt.Println("\nTasks:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "  ID\tSTATUS\tPHASE\tDESCRIPTION")
				for _, t := range tasks {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
						t.ID, t.Status, t.PhaseID, truncate(t.Description, 50))
				}
				w.Flush()
			}

			if len(history) > 0 {
				fmt.Println("\nPhase history:")
				for _, h := range history {
					fmt.Printf("  %s  %s → %s (%s by %s)\n",
						h.CreatedAt.Format("2006-01-02 15:04"),
						h.FromPhase, h.ToPhase, h.Reason, h.ActorID)
				}
			}
			return nil
		},
	}
}
