package session

import (
	"errors"

	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/worker"
)

// HubNotifier logs failures and publishes them as worker.failure events.
type HubNotifier struct {
	Hub *events.Hub
}

func (n *HubNotifier) Notify(profile string, err error) {
	payload := map[string]any{
		"profile": profile,
		"error":   err.Error(),
	}
	var exitErr *worker.ExitError
	if errors.As(err, &exitErr) {
		payload["exit_code"] = exitErr.Code
		payload["stderr"] = exitErr.Stderr
	}

	log.WithProfile(profile).Error("worker failure", "error", err)
	if n.Hub != nil {
		n.Hub.Publish(events.TypeWorkerFailure, payload)
	}
}
