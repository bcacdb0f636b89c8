package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/licita/consolidate"
	"github.com/hazyhaar/licita/tender"
)

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one consolidated search and print the result as JSON",
		Example: `  licita search --uf SP --uf RJ --modality 6 --from 2026-01-01 --to 2026-01-31
  licita search --uf MG --modality 6,8 --source pncp --progress`,
		Args: cobra.NoArgs,
		RunE: runSearch,
	}
	cmd.Flags().StringSlice("uf", nil, "Federative units (repeatable)")
	cmd.Flags().IntSlice("modality", nil, "Modality codes (repeatable)")
	cmd.Flags().String("from", "", "Publication date lower bound, YYYY-MM-DD (default: 30 days ago)")
	cmd.Flags().String("to", "", "Publication date upper bound, YYYY-MM-DD (default: today)")
	cmd.Flags().StringSlice("source", nil, "Restrict to these sources")
	cmd.Flags().Bool("saved", false, "Mark as a saved search")
	cmd.Flags().String("caller", "cli", "Caller identity the cache entry is scoped to")
	cmd.Flags().Bool("progress", false, "Print per-partition progress to stderr")
	return cmd
}

func runSearch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q, err := queryFromFlags(cmd, time.Now())
	if err != nil {
		return err
	}
	caller, _ := cmd.Flags().GetString("caller")
	showProgress, _ := cmd.Flags().GetBool("progress")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var progress consolidate.ProgressFunc
	if showProgress {
		enc := json.NewEncoder(cmd.ErrOrStderr())
		progress = func(p consolidate.Progress) { enc.Encode(p) }
	}

	res, err := a.svc.ConsolidateWithProgress(ctx, caller, q, progress)
	var all *consolidate.AllSourcesFailedError
	if err != nil && !errors.As(err, &all) {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return encErr
	}
	return err
}

func queryFromFlags(cmd *cobra.Command, now time.Time) (tender.Query, error) {
	ufs, _ := cmd.Flags().GetStringSlice("uf")
	mods, _ := cmd.Flags().GetIntSlice("modality")
	srcs, _ := cmd.Flags().GetStringSlice("source")
	saved, _ := cmd.Flags().GetBool("saved")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")

	q := tender.Query{
		UFs:        ufs,
		Modalities: mods,
		From:       tender.NewDate(now.AddDate(0, 0, -30)),
		To:         tender.NewDate(now),
		Saved:      saved,
	}
	for _, s := range srcs {
		q.Sources = append(q.Sources, tender.SourceID(s))
	}
	if fromStr != "" {
		d, err := tender.ParseDate(fromStr)
		if err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
		q.From = d
	}
	if toStr != "" {
		d, err := tender.ParseDate(toStr)
		if err != nil {
			return q, fmt.Errorf("--to: %w", err)
		}
		q.To = d
	}
	return q.Normalize()
}
