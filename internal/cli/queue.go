package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewQueueCmd создаёт группу команд для очереди работ.
func NewQueueCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the work queue",
	}

	cmd.AddCommand(newQueueListCmd(envFn, outputFn))

	return cmd
}

func newQueueListCmd(envFn EnvFunc, outputFn OutputFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and claimed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(cmd)
			if err != nil {
				return err
			}
			out := outputFn()

			records, err := env.Queue.List(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"JOB", "TENANT", "STATE", "WORKER", "LEASE EXPIRES", "EPOCH"}
			rows := make([][]string, len(records))
			for i, r := range records {
				expires := ""
				if r.LeaseExpiresAt != nil {
					expires = r.LeaseExpiresAt.Format(time.RFC3339)
				}
				rows[i] = []string{r.JobID, r.TenantID, string(r.State), r.WorkerID, expires, strconv.Itoa(r.LeaseEpoch)}
			}

			out.Print(headers, rows, records)
			return nil
		},
	}
}
