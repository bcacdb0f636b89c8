package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/licita/health"
	"github.com/hazyhaar/licita/tender"
)

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Show source eligibility, or disable and enable sources at runtime",
		Args:  cobra.NoArgs,
		RunE:  runSources,
	}
	cmd.Flags().Bool("probe", false, "Probe every source before reporting")
	cmd.Flags().Bool("json", false, "Output machine-readable JSON")

	disable := &cobra.Command{
		Use:   "disable <source>",
		Short: "Exclude a source from searches until enabled again",
		Args:  cobra.ExactArgs(1),
		RunE:  runSourceOverride(true),
	}
	disable.Flags().String("reason", "disabled by operator", "Reason reported in health views")
	enable := &cobra.Command{
		Use:   "enable <source>",
		Short: "Clear a runtime override",
		Args:  cobra.ExactArgs(1),
		RunE:  runSourceOverride(false),
	}
	cmd.AddCommand(disable, enable)
	return cmd
}

func runSources(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if probe, _ := cmd.Flags().GetBool("probe"); probe {
		a.registry.ProbeAll(ctx, cfg.Health.ProbeTimeout)
	}
	snap := a.registry.Snapshot()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tAVAILABLE\tCIRCUIT\tLAST SUCCESS\tFAILURES\tREASON")
	for _, h := range snap {
		last := "-"
		if !h.LastSuccessAt.IsZero() {
			last = h.LastSuccessAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\t%s\n",
			h.Source, h.Available, h.CircuitState, last, h.ConsecutiveFailures, h.Reason)
	}
	return tw.Flush()
}

// runSourceOverride writes to the overrides table; a running server picks
// the change up through its watcher.
func runSourceOverride(disable bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		id := tender.SourceID(args[0])
		if !id.Valid() {
			return fmt.Errorf("unknown source %q (known: %v)", id, tender.KnownSources())
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if disable {
			reason, _ := cmd.Flags().GetString("reason")
			err = health.SetOverride(ctx, db, health.Override{Source: id, Disabled: true, Reason: reason})
		} else {
			err = health.ClearOverride(ctx, db, id)
		}
		if err != nil {
			return err
		}
		state := "enabled"
		if disable {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, state)
		return nil
	}
}
