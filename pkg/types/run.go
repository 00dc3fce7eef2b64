package types

import "time"

// RunStatus is the closed set of states a Run passes through.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run correlates a client-initiated prompt to the turns it drives. Runs
// are owned by the run tracker and hold only id references to sessions.
type Run struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionID"`
	ClientRequestID string     `json:"clientRequestID,omitempty"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ResultSummary   string     `json:"resultSummary,omitempty"`
	Error           string     `json:"error,omitempty"`
	InputTokens     int        `json:"inputTokens,omitempty"`
	OutputTokens    int        `json:"outputTokens,omitempty"`
}

// Terminal reports whether the run has reached a terminal status.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}
