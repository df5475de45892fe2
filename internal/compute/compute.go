// Package compute holds the contract between the job pipeline and the
// external poker compute kernels. The kernels themselves (equity simulation,
// solver analysis) live outside this repository; the pipeline only validates
// the structural shape of their inputs and invokes them as opaque functions.
package compute

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

// Func runs one compute job. The progress callback may be invoked any number
// of times with values in [0,1] while the job executes. Func returns the
// result document, or an error when the computation failed.
type Func func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error)

// Registry maps the closed set of job types to their compute functions.
type Registry struct {
	funcs map[api.JobType]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[api.JobType]Func{}}
}

func (r *Registry) Register(jobType api.JobType, fn Func) error {
	if !jobType.Valid() {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	if _, ok := r.funcs[jobType]; ok {
		return fmt.Errorf("job type %q already registered", jobType)
	}
	r.funcs[jobType] = fn
	return nil
}

func (r *Registry) Lookup(jobType api.JobType) (Func, bool) {
	fn, ok := r.funcs[jobType]
	return fn, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []api.JobType {
	types := make([]api.JobType, 0, len(r.funcs))
	for _, t := range api.JobTypes() {
		if _, ok := r.funcs[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// SpotSimulationPayload is the structural shape of a spot simulation input.
// Deeper semantic validation belongs to the engine's own input contract.
type SpotSimulationPayload struct {
	Hands []string `json:"hands" validate:"required,min=1"`
	Board []string `json:"board" validate:"omitempty,max=5"`
}

// SolverAnalysisPayload is the structural shape of a solver analysis input.
type SolverAnalysisPayload struct {
	Tree     json.RawMessage `json:"tree" validate:"required"`
	Accuracy float64         `json:"accuracy" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// ValidatePayload checks that the payload is well-formed JSON with the
// required keys for the job type.
func ValidatePayload(jobType api.JobType, payload json.RawMessage) error {
	switch jobType {
	case api.JobTypeSpotSimulation:
		var p SpotSimulationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return validate.Struct(&p)
	case api.JobTypeSolverAnalysis:
		var p SolverAnalysisPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		return validate.Struct(&p)
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
}
