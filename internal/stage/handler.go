package stage

import (
	"context"

	"camstitch/internal/services"
	"camstitch/internal/state"
)

// Env exposes the run a stage executes in.
type Env interface {
	RunID() string
	// Output decodes the stored output of a completed upstream stage into dst.
	Output(ctx context.Context, name Name, dst any) error
}

// Plan lists the work units a stage must complete.
type Plan struct {
	Units []string
	// Tolerant stages complete even when units end excluded or failed_terminal;
	// Finalize receives those outcomes and drops the affected subjects.
	Tolerant bool
}

// UnitOutcome is the settled state of one work unit handed to Finalize.
type UnitOutcome struct {
	Key       string
	Status    state.Status
	Result    []byte
	ErrorKind services.ErrorKind
	Error     string
}

// Handler describes the contract the coordinator needs from each stage.
//
// ParamsHash fingerprints the configuration the stage consumes; together with
// the upstream output hash it forms the stage input hash that decides whether
// completed work is reused. Prepare runs once per execution, ExecuteUnit may
// run concurrently for different keys, and Finalize folds the unit results
// into the stage output, which is stored as JSON.
type Handler interface {
	Name() Name
	ParamsHash() string
	Prepare(ctx context.Context, env Env) (Plan, error)
	ExecuteUnit(ctx context.Context, key string) ([]byte, error)
	Finalize(ctx context.Context, outcomes []UnitOutcome) (any, error)
	HealthCheck(ctx context.Context) Health
}

// Reuser is implemented by stages whose completed output refers to data kept
// outside the state store. The coordinator only reuses a completed record
// when Reusable reports true; otherwise the stage runs again.
type Reuser interface {
	Reusable(ctx context.Context, env Env) (bool, string, error)
}
