// Package results assembles the flat result record written for each
// analysed source, and aggregates many such records into a single
// queryable SQLite table.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/spectral-data/specfit/internal/solver"
)

// Result is the flat record for one source. Keys are plain strings so
// the record serialises directly to JSON and to a single table row.
type Result map[string]any

// New starts a result record with a fresh run identifier.
func New(modelName, source string) Result {
	return Result{
		"run_id":     uuid.NewString(),
		"model":      modelName,
		"source":     source,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
}

// RunID returns the record's run identifier, or "" when absent.
func (r Result) RunID() string {
	id, _ := r["run_id"].(string)
	return id
}

// AddEstimate records the coarse initial guess.
func (r Result) AddEstimate(e *solver.EstimateResult) {
	for p, v := range e.Theta {
		r["estimated_"+p] = v
	}
	r["ccf_status"] = e.CCFStatus
	if e.CCFStatus == solver.CCFOk {
		r["ccf_channel"] = e.CCFChannel
		r["ccf_velocity_kms"] = e.VelocityKMS
		r["ccf_redshift"] = e.Redshift
	}
}

// AddOptimise records the optimisation stage.
func (r Result) AddOptimise(o *solver.OptimiseResult) {
	for p, v := range o.Theta {
		r["optimised_"+p] = v
	}
	r["optimised_log_probability"] = o.LogProbability
	r["optimised_chi_sq"] = o.ChiSq
	r["optimised_dof"] = o.DOF
	if o.DOF > 0 {
		r["optimised_r_chi_sq"] = o.ChiSq / float64(o.DOF)
	}
}

// AddInfer records the posterior summaries. Each parameter lands as
// its median with asymmetric 68 percent credible offsets, the way the
// original pipeline reported "value (+u_pos, -u_neg)".
func (r Result) AddInfer(i *solver.InferResult) {
	for name, s := range i.Summaries {
		r[name] = s.Percentiles[1]
		r["u_pos_"+name] = s.Percentiles[2] - s.Percentiles[1]
		r["u_neg_"+name] = s.Percentiles[0] - s.Percentiles[1]
		r["map_"+name] = s.MAP
		r["effective_"+name] = s.EffectiveSamples
	}
	r["chi_sq"] = i.ChiSq
	r["dof"] = i.DOF
	if i.DOF > 0 {
		r["r_chi_sq"] = i.ChiSq / float64(i.DOF)
	}
	r["burn"] = i.Burn
	r["sampled"] = i.Sampled
	if i.Converged != nil {
		r["converged"] = *i.Converged
	}
	if i.RedshiftScale != "" {
		r["redshift_scale"] = i.RedshiftScale
	}
}

// SetError marks the record as failed. Batch runs keep going after a
// failed source, and the failure travels with the aggregate.
func (r Result) SetError(err error) {
	r["error"] = err.Error()
}

// WriteJSON writes the record to path as indented JSON.
func (r Result) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

// ReadJSON loads a record previously written with WriteJSON.
func ReadJSON(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", path, err)
	}
	return r, nil
}
