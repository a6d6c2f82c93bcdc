// Package runbook turns runbook documents into linear execution plans:
// parsing (fenced YAML, raw YAML, or a markdown fallback), ticket-driven
// placeholder substitution, and severity-derived sandbox profiles. The
// parser is pure; all I/O stays with the caller.
package runbook

import "fmt"

// StepType is the runbook phase a step belongs to.
type StepType string

const (
	StepPrecheck  StepType = "precheck"
	StepMain      StepType = "main"
	StepPostcheck StepType = "postcheck"
)

// StepSpec is one authored step before numbering.
type StepSpec struct {
	Command          string `yaml:"command"`
	RollbackCommand  string `yaml:"rollback_command"`
	Description      string `yaml:"description"`
	RequiresApproval bool   `yaml:"requires_approval"`
	Severity         string `yaml:"severity"`
	BlastRadius      string `yaml:"blast_radius"` // explicit override, else severity-derived
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Plan is the parsed runbook document.
type Plan struct {
	Prechecks  []StepSpec     `yaml:"prechecks"`
	MainSteps  []StepSpec     `yaml:"main_steps"`
	Postchecks []StepSpec     `yaml:"postchecks"`
	Metadata   map[string]any `yaml:"metadata"`
}

// PlannedStep is a step with its final position in the session.
type PlannedStep struct {
	StepSpec
	Number int
	Type   StepType
	Blast  BlastRadius
}

// TotalSteps reports the flattened step count.
func (p *Plan) TotalSteps() int {
	return len(p.Prechecks) + len(p.MainSteps) + len(p.Postchecks)
}

// Flatten concatenates prechecks, mains, and postchecks into the dense
// 1..N numbering the session persists. Blast radius is resolved here:
// explicit author override wins, otherwise it derives from severity.
func (p *Plan) Flatten() ([]PlannedStep, error) {
	var out []PlannedStep
	number := 0
	appendAll := func(specs []StepSpec, typ StepType) error {
		for _, spec := range specs {
			number++
			blast, err := resolveBlastRadius(spec)
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", number, typ, err)
			}
			out = append(out, PlannedStep{
				StepSpec: spec,
				Number:   number,
				Type:     typ,
				Blast:    blast,
			})
		}
		return nil
	}
	if err := appendAll(p.Prechecks, StepPrecheck); err != nil {
		return nil, err
	}
	if err := appendAll(p.MainSteps, StepMain); err != nil {
		return nil, err
	}
	if err := appendAll(p.Postchecks, StepPostcheck); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveBlastRadius(spec StepSpec) (BlastRadius, error) {
	if spec.BlastRadius != "" {
		blast := BlastRadius(spec.BlastRadius)
		if !blast.valid() {
			return "", fmt.Errorf("unknown blast_radius %q", spec.BlastRadius)
		}
		return blast, nil
	}
	_, blast := MapSeverity(spec.Severity)
	return blast, nil
}
