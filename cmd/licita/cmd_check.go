package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/licita/netsafe"
	"github.com/hazyhaar/licita/timeouts"
)

func checkConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective budgets and sources",
		Args:  cobra.NoArgs,
		RunE:  runCheckConfig,
	}
	cmd.Flags().Bool("resolve", false, "Resolve source hosts and reject private or loopback targets")
	return cmd
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	chain, chainErr := cfg.ResolveTimeouts(logger)

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tBUDGET")
	for l := timeouts.Global; l <= timeouts.Page; l++ {
		fmt.Fprintf(tw, "%s\t%s\n", l, chain.Budget(l))
	}
	tw.Flush()
	if chainErr != nil {
		fmt.Fprintf(out, "configured timeouts rejected, defaults in effect: %v\n", chainErr)
	}
	fmt.Fprintln(out)

	resolve, _ := cmd.Flags().GetBool("resolve")
	var errs []error
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENABLED\tPRIORITY\tRATE/S\tWORKERS\tCREDENTIALS\tBASE URL")
	for _, sc := range cfg.SourceConfigs() {
		creds := "n/a"
		if sc.RequiresCredentials {
			creds = "missing"
			if sc.HasCredentials() {
				creds = "ok"
			}
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%g\t%d\t%s\t%s\n",
			sc.ID, sc.Enabled, sc.Priority, sc.RatePerSecond, sc.Workers, creds, sc.BaseURL)
		if resolve && sc.Enabled {
			if err := netsafe.ValidateURL(sc.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("source %s: %w", sc.ID, err))
			}
		}
	}
	tw.Flush()

	fmt.Fprintf(out, "\ncache backend: %s, capacity %d per caller\n", cfg.Cache.Backend, cfg.Cache.Capacity)

	if chainErr != nil {
		errs = append(errs, chainErr)
	}
	return errors.Join(errs...)
}
