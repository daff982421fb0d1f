package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/queue"
	"github.com/jdziat/clipjobs/pkg/storage"
)

// openQueue connects to the job store without starting any other component.
func openQueue(cmd *cobra.Command) (*queue.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(store, queue.MaxAttempts(cfg.Worker.MaxAttempts), queue.Logger(zap.NewNop()))
	return q, func() { _ = store.Close() }, nil
}

func newSubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <video-url-or-id>",
		Short: "Queue a clip job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeStore, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			id, err := q.Submit(cmd.Context(), queue.SubmitRequest{SourceRef: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeStore, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			st, err := q.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, closeStore, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, err := q.Store().List(cmd.Context(), core.JobState(state), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only show jobs in this state (queued, active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to show")
	return cmd
}

func renderJobs(w io.Writer, jobs []*core.Job) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Source", "State", "Progress", "Attempt", "Updated", "Result"})
	for _, j := range jobs {
		st := core.StatusOf(j)
		result := st.ResultLocator
		if st.State == core.StateFailed {
			result = st.FailureReason
		}
		t.AppendRow(table.Row{
			st.JobID,
			st.SourceID,
			st.State,
			fmt.Sprintf("%d%% %s", st.ProgressPercent, st.ProgressLabel),
			st.Attempt,
			st.UpdatedAt.Local().Format(time.DateTime),
			result,
		})
	}
	t.Render()
}

func renderStatus(w io.Writer, st core.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Job", st.JobID},
		{"Source", st.SourceID},
		{"State", st.State},
		{"Progress", fmt.Sprintf("%d%%", st.ProgressPercent)},
		{"Stage", st.ProgressLabel},
		{"Attempt", st.Attempt},
		{"Created", st.CreatedAt.Local().Format(time.DateTime)},
		{"Updated", st.UpdatedAt.Local().Format(time.DateTime)},
	})
	if st.ResultLocator != "" {
		t.AppendRow(table.Row{"Result", st.ResultLocator})
	}
	if st.FailureReason != "" {
		t.AppendRow(table.Row{"Failure", st.FailureReason})
	}
	if st.Abandoned {
		t.AppendRow(table.Row{"Abandoned", "yes"})
	}
	t.Render()
}
