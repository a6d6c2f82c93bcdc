package runbook

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	fencedYAML  = regexp.MustCompile("(?s)```ya?ml\\s*\n(.*?)```")
	fencedShell = regexp.MustCompile("(?s)```(?:bash|sh|shell)\\s*\n(.*?)```")
)

// Parse extracts a Plan from a runbook body. Three shapes are accepted,
// in priority order: a fenced YAML block, a raw YAML document, and a
// markdown fallback that scrapes fenced shell blocks into main steps.
func Parse(body string) (*Plan, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, fmt.Errorf("empty runbook body")
	}

	if m := fencedYAML.FindStringSubmatch(trimmed); m != nil {
		plan, err := parseYAML(m[1])
		if err != nil {
			return nil, fmt.Errorf("parsing fenced YAML block: %w", err)
		}
		return plan, nil
	}

	if plan, err := parseYAML(trimmed); err == nil && plan.TotalSteps() > 0 {
		return plan, nil
	}

	plan := parseMarkdown(trimmed)
	if plan.TotalSteps() == 0 {
		return nil, fmt.Errorf("runbook body contains no executable steps")
	}
	return plan, nil
}

// docModel tolerates both list-of-strings and list-of-mappings step
// declarations plus a handful of author-used aliases.
type docModel struct {
	Prechecks  []stepNode     `yaml:"prechecks"`
	PreChecks  []stepNode     `yaml:"pre_checks"`
	MainSteps  []stepNode     `yaml:"main_steps"`
	Steps      []stepNode     `yaml:"steps"`
	Postchecks []stepNode     `yaml:"postchecks"`
	PostChecks []stepNode     `yaml:"post_checks"`
	Metadata   map[string]any `yaml:"metadata"`
}

// stepNode accepts either a scalar command or a full step mapping.
type stepNode struct {
	spec StepSpec
}

func (n *stepNode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var command string
		if err := value.Decode(&command); err != nil {
			return err
		}
		n.spec = StepSpec{Command: command}
		return nil
	case yaml.MappingNode:
		return value.Decode(&n.spec)
	default:
		return fmt.Errorf("step must be a string or a mapping, got %v", value.Kind)
	}
}

func parseYAML(doc string) (*Plan, error) {
	var model docModel
	if err := yaml.Unmarshal([]byte(doc), &model); err != nil {
		return nil, err
	}

	plan := &Plan{Metadata: model.Metadata}
	plan.Prechecks = collect(model.Prechecks, model.PreChecks)
	plan.MainSteps = collect(model.MainSteps, model.Steps)
	plan.Postchecks = collect(model.Postchecks, model.PostChecks)

	for i, s := range plan.Prechecks {
		if strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("precheck %d has no command", i+1)
		}
	}
	for i, s := range plan.MainSteps {
		if strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("main step %d has no command", i+1)
		}
	}
	for i, s := range plan.Postchecks {
		if strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("postcheck %d has no command", i+1)
		}
	}
	return plan, nil
}

func collect(primary, alias []stepNode) []StepSpec {
	nodes := primary
	if len(nodes) == 0 {
		nodes = alias
	}
	specs := make([]StepSpec, 0, len(nodes))
	for _, n := range nodes {
		specs = append(specs, n.spec)
	}
	if len(specs) == 0 {
		return nil
	}
	return specs
}

// parseMarkdown scrapes fenced shell blocks into main steps: one step
// per non-comment line. Used when a runbook is free-form prose.
func parseMarkdown(body string) *Plan {
	plan := &Plan{}
	for _, m := range fencedShell.FindAllStringSubmatch(body, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			plan.MainSteps = append(plan.MainSteps, StepSpec{Command: line})
		}
	}
	return plan
}
