package runtime

import "errors"

var (
	// ErrBusy is returned when a session already has a run in flight
	// and the agent's queue policy rejects new work, or its wait
	// queue is full.
	ErrBusy = errors.New("session is busy")

	// ErrForbidden is returned when the caller profile is not in the
	// agent's allow-list. The orchestrator checks this at resolve
	// time too; the runtime rechecks so direct callers cannot skip
	// it.
	ErrForbidden = errors.New("profile not allowed for agent")
)
