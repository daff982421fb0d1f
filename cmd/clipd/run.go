package main

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/clipjobs"
)

func newRunCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := clipjobs.ParseMode(name)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := clipjobs.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			runErr := app.Run(cmd.Context(), mode)
			if err := app.Close(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}
