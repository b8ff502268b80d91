package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/felixgeelhaar/canvas/internal/config"
	"github.com/felixgeelhaar/canvas/internal/store"
	"github.com/spf13/cobra"
)

var (
	jobsLimit   int
	jobsSession string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent image jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read(configPath, env())
		if err != nil {
			return err
		}
		s, err := openStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer s.Close()

		jobs, err := listJobs(cmd.Context(), s, jobsSession, jobsLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSESSION\tKIND\tOUTCOME\tATTEMPTS\tDURATION\tSUBMITTED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				j.ID, j.SessionID, j.Kind, j.Outcome, j.Attempts,
				j.Duration().Round(time.Millisecond), j.SubmittedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", store.DefaultJobLimit, "Number of jobs to show")
	jobsCmd.Flags().StringVar(&jobsSession, "session", "", "Only show jobs of this session")
}

func listJobs(ctx context.Context, s store.Storage, sessionID string, limit int) ([]store.JobRecord, error) {
	if sessionID != "" {
		return s.SessionJobs(ctx, sessionID)
	}
	return s.RecentJobs(ctx, limit)
}
