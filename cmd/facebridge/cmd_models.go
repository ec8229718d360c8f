package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/worker"
)

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var (
		profileName string
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a worker profile offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					rt.logger.Warn("worker did not stop cleanly", "error", err)
				}
			}()

			if profileName == "" {
				profileName = rt.session.CurrentProfile()
			}
			if err := rt.session.EnsureProfile(cmd.Context(), profileName); err != nil {
				return withCode(exitWorker, err)
			}
			res, err := rt.session.Request(cmd.Context(), protocol.KindGetModels, nil)
			if err != nil {
				return withCode(exitWorker, fmt.Errorf("get_models: %w", err))
			}
			return printModels(cmd.OutOrStdout(), profileName, res, jsonOut)
		},
	}

	cmd.Flags().StringVar(&profileName, "profile", "", "Profile to query (default: worker.default_profile)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw worker response")
	return cmd
}

func printModels(w io.Writer, profileName string, res worker.Result, jsonOut bool) error {
	if jsonOut {
		_, err := fmt.Fprintln(w, string(res.Data))
		return err
	}

	var body struct {
		Models []json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return fmt.Errorf("decode get_models response: %w", err)
	}
	fmt.Fprintf(w, "%s (%d models)\n", profileName, len(body.Models))
	for _, m := range body.Models {
		fmt.Fprintf(w, "  %s\n", modelName(m))
	}
	return nil
}

// modelName renders a model entry that is either a bare id or an object
// carrying one.
func modelName(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		if obj.Name != "" {
			return obj.Name
		}
	}
	return string(raw)
}
