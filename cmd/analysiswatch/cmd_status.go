package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/analysiswatch/internal/storage"
	"github.com/chr1sbest/analysiswatch/internal/tracker"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [runId]",
		Short: "Show the stored state of a run",
		Long: `Show what the last watch recorded for a run. Without a run id the
current run is shown. --list prints recent runs instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if file, _ := cmd.Flags().GetString("file"); file != "" {
				st, err := tracker.ReadStatus(file)
				if err != nil {
					return err
				}
				return printJSON(out, st)
			}

			dbPath, err := a.dbPath()
			if err != nil {
				return err
			}
			store, err := storage.New(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			if list, _ := cmd.Flags().GetBool("list"); list {
				limit, _ := cmd.Flags().GetInt("limit")
				return printRunList(out, store, limit)
			}

			runID := ""
			if len(args) == 1 {
				runID = strings.TrimSpace(args[0])
			}
			if runID == "" {
				runID, err = store.CurrentRun()
				if err != nil {
					return err
				}
				if runID == "" {
					fmt.Fprintln(out, "No current run. Start one with: analysiswatch watch --new")
					return nil
				}
			}
			showResults, _ := cmd.Flags().GetBool("results")
			if err := printRun(out, store, runID, showResults); err != nil {
				return err
			}
			printWatcher(out, a, runID)
			return nil
		},
	}

	cmd.Flags().Bool("list", false, "List recent runs")
	cmd.Flags().Int("limit", 10, "Number of runs to list")
	cmd.Flags().Bool("results", false, "Print result payloads")
	cmd.Flags().String("file", "", "Print a status file written by watch --status-file")
	return cmd
}

func printRun(out io.Writer, store *storage.Storage, runID string, showResults bool) error {
	rec, err := store.GetRun(runID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s has not been watched", runID)
	}
	if err != nil {
		return err
	}
	results, err := store.LoadResults(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run:        %s\n", rec.ID)
	if rec.Status != "" {
		fmt.Fprintf(out, "Status:     %s\n", rec.Status)
	}
	fmt.Fprintf(out, "Progress:   %d%%\n", rec.Progress)
	fmt.Fprintf(out, "Connection: %s\n", rec.ConnectionStatus)
	if rec.Loading {
		fmt.Fprintln(out, "Polling:    in progress")
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:      %s (%s)\n", rec.Error, rec.Reason)
	}
	fmt.Fprintf(out, "Updated:    %s\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	fmt.Fprintf(out, "\nResults (%d):\n", len(results))
	for _, r := range results {
		if showResults {
			fmt.Fprintf(out, "  %s  %s\n", r.Name, string(r.Payload))
		} else {
			fmt.Fprintf(out, "  %s  resolved %s\n", r.Name, r.ResolvedAt.Local().Format("15:04:05"))
		}
	}
	if len(rec.Failed) > 0 {
		fmt.Fprintf(out, "\nFailed (%d):\n", len(rec.Failed))
		for _, f := range rec.Failed {
			state := "final"
			if !f.Final {
				state = "in grace period"
			}
			fmt.Fprintf(out, "  %s  %s (%s)\n", f.Name, f.Reason, state)
		}
	}
	return nil
}

// printWatcher notes a live watch of runID, if any.
func printWatcher(out io.Writer, a *app, runID string) {
	dir, err := a.stateDir()
	if err != nil {
		return
	}
	l, err := tracker.NewWriter(dir).ReadLock()
	if err != nil || l == nil || l.RunID != runID || !l.Alive() {
		return
	}
	fmt.Fprintf(out, "\nWatched by pid %d since %s\n", l.PID, l.StartedAt.Local().Format("15:04:05"))
}

func printRunList(out io.Writer, store *storage.Storage, limit int) error {
	if limit <= 0 {
		limit = 10
	}
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	current, _ := store.CurrentRun()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tRUN\tSTATUS\tPROGRESS\tCONNECTION\tUPDATED")
	for _, r := range runs {
		marker := ""
		if r.ID == current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			marker, r.ID, r.Status, r.Progress, r.ConnectionStatus, r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
