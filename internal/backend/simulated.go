package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/opstrack/internal/model"
)

// Parameters is the request body accepted for every operation kind.
type Parameters struct {
	// Timeout is how long the simulated work takes, in seconds.
	Timeout int `json:"timeout"`
}

// ParseParameters decodes and validates operation parameters.
func ParseParameters(raw json.RawMessage) (Parameters, error) {
	var p Parameters
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Timeout < 0 {
		return p, fmt.Errorf("invalid parameters: timeout must be >= 0, got %d", p.Timeout)
	}
	return p, nil
}

// Duration returns the configured work duration.
func (p Parameters) Duration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// SimulatedOutput is what the simulated backend reports on success.
type SimulatedOutput struct {
	Task      string `json:"task"`
	TargetID  string `json:"target_id"`
	Kind      string `json:"kind"`
	DurationS int    `json:"duration_s"`
}

// Simulated stands in for a real machine agent: it waits for the duration
// requested in the parameters and succeeds.
type Simulated struct {
	// Unit scales the requested duration. Defaults to one second.
	Unit time.Duration
}

var _ Backend = (*Simulated)(nil)

func (s *Simulated) Execute(ctx context.Context, spec OperationSpec) (json.RawMessage, error) {
	p, err := ParseParameters(spec.Parameters)
	if err != nil {
		return nil, err
	}
	unit := s.Unit
	if unit <= 0 {
		unit = time.Second
	}

	t := time.NewTimer(time.Duration(p.Timeout) * unit)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return json.Marshal(SimulatedOutput{
		Task:      spec.TaskName,
		TargetID:  spec.TargetID,
		Kind:      string(spec.Kind),
		DurationS: p.Timeout,
	})
}

func (s *Simulated) Capabilities() Capabilities {
	return Capabilities{
		Name:  "simulated",
		Kinds: model.Kinds,
	}
}
