package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/licita/shield"
)

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "maintenance on|off",
		Short:     "Toggle maintenance mode on running servers sharing the database",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			msg, _ := cmd.Flags().GetString("message")
			if err := shield.SetMaintenance(cmd.Context(), db, args[0] == "on", msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "maintenance %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("message", "", "Message returned to clients while maintenance is on")
	return cmd
}
