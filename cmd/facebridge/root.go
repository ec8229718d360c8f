package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/log"
)

const (
	envConfig = "FACEBRIDGE_CONFIG"
	envAPIKey = "FACEBRIDGE_API_KEY"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root facebridge command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "facebridge",
		Short: "Face-detection worker orchestrator",
		Long: "facebridge supervises a Python face-detection worker, switching between\n" +
			"detector environments as the requested model demands.",
		Version:       currentVersionInfo().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("facebridge {{.Version}}\n")

	defaultConfig := os.Getenv(envConfig)
	if defaultConfig == "" {
		defaultConfig = "."
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "Path to config.yaml or its directory (env "+envConfig+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override service.log_level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override service.log_format (json, text)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newModelsCmd(opts),
		newRunsCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig loads the configuration and sets up logging from it.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	if o.logLevel != "" {
		cfg.Service.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Service.LogFormat = o.logFormat
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}
