// Package worker runs the face-detection worker process and speaks its
// newline-delimited JSON protocol over stdin/stdout.
//
// A Supervisor owns exactly one OS process and its state machine:
//
//	NotStarted -> Starting -> Ready -> ShuttingDown -> Stopped
//	                  \          \
//	                   +----------+--> Failed
//
// The Dispatcher is shared across successive Supervisors of a session. It
// assigns correlation IDs (unique for the life of the orchestrator), keeps
// the table of pending callbacks and holds commands in a FIFO queue while no
// worker is Ready. When a worker announces {"type":"ready"} the gate opens
// and the queue drains in order.
//
// Stdout is read by one goroutine and handled by another, in order. Response
// callbacks and hooks run on the handler, so they may send commands without
// stalling the read side.
//
// Shutdown escalation:
//   - write {"type":"exit"} and close stdin (best effort)
//   - wait ExitGrace, then SIGTERM
//   - wait TermGrace, then SIGKILL
//
// Some runtimes ignore the first SIGTERM while native model weights are
// loaded, hence two windows.
//
// Failure handling:
//   - launch error -> Failed, error returned from Start
//   - {"type":"error"} from the worker -> Failed, process terminated
//   - exit with a positive status outside shutdown -> Failed, OnFailure raised
//   - exit 0 or by signal outside shutdown -> Stopped
//
// Every path out of a running state fails all pending callbacks exactly once.
package worker
