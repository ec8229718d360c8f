package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/runlog"
)

type runOptions struct {
	model   string
	input   string
	video   string
	params  map[string]string
	jsonOut bool
	quiet   bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run face detection over a folder or video and wait for it to finish",
		Long: "run launches a worker for the profile the model belongs to, submits one\n" +
			"workload, streams progress, and prints the completion payload.",
		Example: "  facebridge run --model yolov8n-face.pt --input ./photos\n" +
			"  facebridge run --model mediapipe --video clip.mp4 --param frame_skip=5",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (ro.input == "") == (ro.video == "") {
				return withCode(exitConfig, errors.New("exactly one of --input or --video is required"))
			}
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
			return runWorkload(cmd.Context(), rt, ro, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&ro.model, "model", "", "Model id; selects the worker profile")
	cmd.Flags().StringVar(&ro.input, "input", "", "Folder of images to process")
	cmd.Flags().StringVar(&ro.video, "video", "", "Video file to process")
	cmd.Flags().StringToStringVar(&ro.params, "param", nil, "Extra workload parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&ro.jsonOut, "json", false, "Print the finished run as JSON")
	cmd.Flags().BoolVarP(&ro.quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}

// workload builds the command kind and payload for the options.
func (ro *runOptions) workload() (protocol.Kind, map[string]any) {
	data := make(map[string]any, len(ro.params)+2)
	for k, v := range ro.params {
		data[k] = v
	}
	if ro.model != "" {
		data["model"] = ro.model
	}
	if ro.video != "" {
		data["video_path"] = ro.video
		return protocol.KindProcessVideo, data
	}
	data["folder_path"] = ro.input
	return protocol.KindStartProcessing, data
}

func runWorkload(ctx context.Context, rt *runtime, ro *runOptions, stdout, stderr io.Writer) error {
	sub := rt.hub.Subscribe(256)
	defer sub.Close()

	kind, data := ro.workload()
	if _, err := rt.session.Request(ctx, kind, data); err != nil {
		return withCode(exitWorker, fmt.Errorf("%s: %w", kind, err))
	}

	out := stderr
	if ro.quiet {
		out = io.Discard
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(string(kind)),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	run, err := followRun(ctx, sub, rt.runs, bar)
	_ = bar.Finish()
	if errors.Is(err, context.Canceled) {
		stopRun(rt)
		return err
	}
	if err != nil {
		return err
	}

	if err := printRun(stdout, run, ro.jsonOut); err != nil {
		return err
	}
	if run.Status != runlog.StatusSucceeded {
		msg := run.LastError
		if msg == "" {
			msg = string(run.Status)
		}
		return withCode(exitWorker, fmt.Errorf("run %s %s: %s", run.ID, run.Status, msg))
	}
	return nil
}

// runPollInterval is how often followRun checks the run row in case the
// run.finished event was dropped by a full subscription.
var runPollInterval = time.Second

// followRun advances bar on progress events until the run opened by this
// process finishes, then returns its record.
func followRun(ctx context.Context, sub *events.Subscription, runs *runlog.Store, bar *progressbar.ProgressBar) (*runlog.Run, error) {
	poll := time.NewTicker(runPollInterval)
	defer poll.Stop()

	var runID string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
			if runID == "" {
				continue
			}
			run, err := runs.Get(ctx, runID)
			if err != nil {
				return nil, err
			}
			if run.Status.Terminal() {
				return run, nil
			}
		case ev, ok := <-sub.C:
			if !ok {
				return nil, errors.New("event stream closed")
			}
			switch ev.Type {
			case events.TypeRunStarted:
				var started struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(ev.Data, &started); err == nil && runID == "" {
					runID = started.ID
				}
			case events.TypeWorkerProgress:
				var progress struct {
					Data json.RawMessage `json:"data"`
				}
				_ = json.Unmarshal(ev.Data, &progress)
				if msg := runlog.ProgressMessage(progress.Data); msg != "" {
					bar.Describe(msg)
				}
				_ = bar.Add(1)
			case events.TypeRunFinished:
				var finished struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(ev.Data, &finished); err != nil {
					continue
				}
				if runID != "" && finished.ID != runID {
					continue
				}
				return runs.Get(ctx, finished.ID)
			}
		}
	}
}

// stopRun asks the worker to abandon the current workload on interrupt.
func stopRun(rt *runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), max(rt.cfg.Worker.ExitGrace, 2*time.Second))
	defer cancel()
	if _, err := rt.session.Request(ctx, protocol.KindStopProcessing, nil); err != nil {
		rt.logger.Warn("stop_processing failed", "error", err)
	}
}

func printRun(w io.Writer, run *runlog.Run, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("render run: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "run:      %s\n", run.ID)
	fmt.Fprintf(w, "profile:  %s\n", run.Profile)
	if run.Model != "" {
		fmt.Fprintf(w, "model:    %s\n", run.Model)
	}
	fmt.Fprintf(w, "status:   %s\n", run.Status)
	fmt.Fprintf(w, "progress: %d\n", run.Progress)
	if run.LastError != "" {
		fmt.Fprintf(w, "error:    %s\n", run.LastError)
	}
	if len(run.Result) > 0 {
		fmt.Fprintf(w, "result:   %s\n", string(run.Result))
	}
	return nil
}
