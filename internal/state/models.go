package state

import (
	"time"

	"camstitch/internal/services"
)

// Status is the lifecycle state shared by stages and work units.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusFailedTerminal Status = "failed_terminal"
	// StatusExcluded marks a work unit whose subject was dropped from the run,
	// such as a segment with unreadable media. It is terminal for units only.
	StatusExcluded Status = "excluded"
)

// IsTerminal reports whether no further transitions happen without an input change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailedTerminal, StatusExcluded:
		return true
	default:
		return false
	}
}

// RunStatus is the overall outcome of an invocation.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Run is the persisted record of one input set. Its id is the input set hash.
type Run struct {
	ID           string
	Generation   int64
	Status       RunStatus
	SegmentCount int
	ConfigJSON   string
	SummaryJSON  string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StageRecord is the persisted state of one pipeline stage within a run.
type StageRecord struct {
	RunID        string
	Stage        string
	Status       Status
	InputHash    string
	OutputHash   string
	Attempts     int
	ErrorKind    services.ErrorKind
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
	UpdatedAt    time.Time
}

// Unit is the persisted state of one work unit.
type Unit struct {
	RunID        string
	Stage        string
	Key          string
	Status       Status
	Attempts     int
	ClaimToken   string
	ErrorKind    services.ErrorKind
	ErrorMessage string
	Result       []byte
	UpdatedAt    time.Time
}

// Claim grants exclusive execution rights over a work unit until it is
// committed, failed or recovered.
type Claim struct {
	RunID   string
	Stage   string
	Key     string
	Token   string
	Attempt int
}

// FailedUnit describes a unit that did not complete.
type FailedUnit struct {
	Key          string             `json:"key"`
	Status       Status             `json:"status"`
	Attempts     int                `json:"attempts"`
	ErrorKind    services.ErrorKind `json:"error_kind"`
	ErrorMessage string             `json:"error_message"`
}

// StageState is the per-stage part of PipelineState.
type StageState struct {
	Stage     string       `json:"stage"`
	Status    Status       `json:"status"`
	InputHash string       `json:"input_hash,omitempty"`
	Attempts  int          `json:"attempts"`
	Completed []string     `json:"completed,omitempty"`
	Pending   []string     `json:"pending,omitempty"`
	Failed    []FailedUnit `json:"failed,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// PipelineState is the durable record the coordinator consults and returns:
// per stage the completed unit keys, the failed keys with reason and retry
// count, plus the run generation.
type PipelineState struct {
	RunID      string       `json:"run_id"`
	Generation int64        `json:"generation"`
	Status     RunStatus    `json:"status"`
	Stages     []StageState `json:"stages"`
}

// Stage returns the named stage state.
func (p PipelineState) Stage(name string) (StageState, bool) {
	for _, s := range p.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageState{}, false
}
