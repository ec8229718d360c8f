package session

import (
	"context"

	"github.com/mattjoyce/facebridge/internal/profile"
	"github.com/mattjoyce/facebridge/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/facebridge/internal/session Worker

// Worker is one worker process lifecycle. *worker.Supervisor implements it.
type Worker interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Stop(ctx context.Context) error
	State() worker.State
	Profile() string
	Failure() error
}

// Factory builds the Worker for a profile. All workers of a session share
// disp so correlation ids stay unique for the session's lifetime.
type Factory func(desc profile.Descriptor, disp *worker.Dispatcher, opts worker.Options) Worker

// SupervisorFactory launches real worker processes.
func SupervisorFactory(desc profile.Descriptor, disp *worker.Dispatcher, opts worker.Options) Worker {
	return worker.NewSupervisor(desc, disp, opts)
}

// Notifier surfaces failures to the user.
type Notifier interface {
	Notify(profile string, err error)
}
