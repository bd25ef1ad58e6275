// Package dispatch implements the job dispatcher: correlation of
// requests to in-flight responses, pool picks, per-agent and global
// concurrency caps, timeouts, and cancellation. Submit is a
// correlate-then-await call: the job is parked in the pending table and
// resolved by whichever of reply, deadline, caller disconnect, or agent
// loss happens first.
package dispatch

import (
	"time"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

// State is a Job's position in its lifecycle.
type State string

const (
	StateQueued    State = "Queued"
	StateAssigned  State = "Assigned"
	StateInFlight  State = "InFlight"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateTimedOut  State = "TimedOut"
	StateCancelled State = "Cancelled"
)

// IsTerminal reports whether s is one of the four terminal states.
// Exactly one terminal state is ever reached per job.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Spec is the caller-supplied request to dispatch: the POST /api/execute
// body, or GET's stored-RequestConfig equivalent.
type Spec struct {
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	TimeoutSec float64
}

// Result is a completed job's successful outcome.
type Result struct {
	Status            int
	Headers           map[string]string
	Body              []byte
	ElapsedSec        float64
	ResponseSizeBytes int64
}

// Job is one dispatch request's full lifecycle record.
type Job struct {
	JobID       string
	Spec        Spec
	State       State
	AssignedAgent string
	AssignedIP    string
	SubmittedAt   time.Time
	CompletedAt   time.Time
	Result        *Result
	Err           *protocol.DispatchError
}

// DefaultTimeoutSec is used when Spec.TimeoutSec is zero.
const DefaultTimeoutSec = 30.0

func (s Spec) timeout() time.Duration {
	t := s.TimeoutSec
	if t <= 0 {
		t = DefaultTimeoutSec
	}
	return time.Duration(t * float64(time.Second))
}
