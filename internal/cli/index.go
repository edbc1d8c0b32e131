package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/repo"
)

// NewIndexCmd создаёт группу команд индекса job в Postgres.
func NewIndexCmd(appFn appFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query the Postgres job index",
	}
	cmd.AddCommand(newIndexListCmd(appFn))
	return cmd
}

func newIndexListCmd(appFn appFunc) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}

			pool, err := repo.NewPool(cmd.Context(), app.Config.DB.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			var st domain.JobStatus
			if status != "" {
				st = domain.ParseJobStatus(status)
			}
			entries, err := repo.NewJobIndex(pool).List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			headers := []string{"WORKFLOW", "TASK", "NAME", "STATUS", "HOST", "PID", "UPDATED"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{
					e.Workflow,
					e.Task,
					e.Name,
					Status(e.Status),
					e.Host,
					strconv.Itoa(e.PID),
					e.UpdatedAt.Format(time.RFC3339),
				}
			}
			app.Out.Print(headers, rows, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (waiting, running, streaming, done, error, aborted)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	return cmd
}
