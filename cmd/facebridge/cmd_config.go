package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/doctor"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or lock the configuration",
	}
	cmd.AddCommand(newConfigLockCmd(opts), newConfigCheckCmd(opts))
	return cmd
}

func newConfigLockCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "lock",
		Aliases: []string{"hash-update"},
		Short:   "Authorize the current config by recording BLAKE3 hashes",
		Long: "lock writes " + config.ChecksumFileName + " next to config.yaml. Once present, every\n" +
			"load verifies config.yaml and .env against it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.ResolvePath(opts.configPath)
			if err != nil {
				return withCode(exitConfig, err)
			}
			report, err := config.GenerateChecksumsWithReport(filepath.Dir(path), config.LockedFiles, dryRun)
			if err != nil {
				return withCode(exitConfig, err)
			}
			printLockReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the hashes without writing "+config.ChecksumFileName)
	return cmd
}

func printLockReport(w io.Writer, report *config.HashUpdateReport) {
	for _, f := range report.Files {
		if !f.Exists {
			fmt.Fprintf(w, "  %-12s (absent)\n", f.Filename)
			continue
		}
		fmt.Fprintf(w, "  %-12s %s\n", f.Filename, f.Hash)
	}
	if report.Written {
		fmt.Fprintf(w, "wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Fprintf(w, "dry run: %s not written\n", report.ChecksumPath)
	}
}

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		format string
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration syntax, integrity, and profile environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "human" && format != "json" {
				return withCode(exitConfig, fmt.Errorf("invalid --format %q (use human or json)", format))
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return withCode(exitConfig, err)
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return withCode(exitConfig, err)
			}

			result := doctor.New(cfg).Validate()
			w := cmd.OutOrStdout()
			if format == "json" {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, out)
			} else {
				fmt.Fprintf(w, "config: %s\n", cfg.SourcePath)
				fmt.Fprintf(w, "default profile: %s\n", catalog.Default())
				for _, name := range catalog.Names() {
					desc, _ := catalog.Get(name)
					fmt.Fprintf(w, "  %-12s %s %s\n", name, desc.Interpreter, strings.Join(desc.Argv(), " "))
				}
				for _, rule := range cfg.Classify {
					fmt.Fprintf(w, "  classify %q -> %s\n", rule.Marker, rule.Profile)
				}
				fmt.Fprint(w, doctor.FormatHuman(result))
			}

			if !result.Valid {
				return withCode(exitConfig, fmt.Errorf("configuration has %d error(s)", len(result.Errors)))
			}
			if strict && len(result.Warnings) > 0 {
				return withCode(exitConfig, fmt.Errorf("configuration has %d warning(s) (--strict)", len(result.Warnings)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "human", "Output format: human or json")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}
