package cmd

import (
	"github.com/spf13/cobra"
)

func newDevicesCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "接続中のWebカメラと一眼レフを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer a.close()

			manager := a.newManager(nil)
			defer func() { _ = manager.Stop() }()

			return printJSON(cmd, manager.Devices(cmd.Context()))
		},
	}
}
