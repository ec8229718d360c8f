package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/inspect"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/storage"
)

func newRunsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse recorded runs in the state database",
	}
	cmd.AddCommand(newRunsListCmd(opts), newRunsShowCmd(opts))
	return cmd
}

func newRunsListCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
			}
			defer db.Close()

			runs, err := runlog.New(db, "").List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRunList(cmd.OutOrStdout(), runs, jsonOut)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printRunList(w io.Writer, runs []runlog.Run, jsonOut bool) error {
	if jsonOut {
		if runs == nil {
			runs = []runlog.Run{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("render runs: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			shortRunID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Kind,
			r.Profile,
			r.Model,
			string(r.Status),
			strconv.Itoa(r.Progress),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "STARTED", "KIND", "PROFILE", "MODEL", "STATUS", "PROGRESS").
		Rows(rows...)
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newRunsShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one run with its worker timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
			}
			defer db.Close()

			var out string
			if jsonOut {
				out, err = inspect.BuildJSONReport(cmd.Context(), db, args[0])
			} else {
				out, err = inspect.BuildReport(cmd.Context(), db, args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			if jsonOut && err == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout())
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
