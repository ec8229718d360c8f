package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/tui/watch"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var apiURL, apiKey string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of a running facebridge serve",
		Long: "watch follows the event stream of a running `facebridge serve` and shows\n" +
			"the worker state, recent runs, and events.\n\n" +
			"Keybindings:\n  q, Ctrl+C        Quit",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, key := resolveWatchTarget(opts.configPath, apiURL, apiKey)
			p := tea.NewProgram(watch.New(url, key))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", "", "facebridge API URL (default: from api.listen)")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv(envAPIKey), "API bearer token (or "+envAPIKey+" env var)")
	return cmd
}

// resolveWatchTarget fills the API URL and key from the config when the
// flags leave them empty. A missing or invalid config is not an error.
func resolveWatchTarget(configPath, apiURL, apiKey string) (string, string) {
	if apiURL != "" && apiKey != "" {
		return strings.TrimRight(apiURL, "/"), apiKey
	}

	listen := config.Defaults().API.Listen
	if cfg, err := config.Load(configPath); err == nil {
		listen = cfg.API.Listen
		if apiKey == "" {
			apiKey = cfg.API.Auth.APIKey
		}
	}
	if apiURL == "" {
		apiURL = "http://" + listen
	}
	return strings.TrimRight(apiURL, "/"), apiKey
}
