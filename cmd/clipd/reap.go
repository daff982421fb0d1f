package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/clipjobs/pkg/reaper"
)

func newReapCommand() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete scratch and output files older than the retention age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = cfg.Reaper.MaxAge
			}
			r := reaper.New([]string{cfg.Media.ScratchDir, cfg.Media.OutputDir}, maxAge)
			res := r.Sweep(time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files (%d bytes), %d failed\n", res.Removed, res.Bytes, res.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "override the configured retention age")
	return cmd
}
