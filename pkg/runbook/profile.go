package runbook

import (
	"fmt"
	"strings"
)

// Profile is a named risk tier that caps the blast radius its steps may
// declare.
type Profile string

const (
	ProfileDefault         Profile = "default"
	ProfileDevFlex         Profile = "dev-flex"
	ProfileStagingStandard Profile = "staging-standard"
	ProfileProdStandard    Profile = "prod-standard"
	ProfileProdCritical    Profile = "prod-critical"
)

// BlastRadius is the authoring hint for a step's potential damage.
type BlastRadius string

const (
	BlastLow    BlastRadius = "low"
	BlastMedium BlastRadius = "medium"
	BlastHigh   BlastRadius = "high"
)

func (b BlastRadius) valid() bool {
	return b == BlastLow || b == BlastMedium || b == BlastHigh
}

var profileRank = map[Profile]int{
	ProfileDefault:         0,
	ProfileDevFlex:         1,
	ProfileStagingStandard: 2,
	ProfileProdStandard:    3,
	ProfileProdCritical:    4,
}

var blastRank = map[BlastRadius]int{
	BlastLow:    1,
	BlastMedium: 2,
	BlastHigh:   3,
}

// maxBlastByProfile caps what each tier may execute.
var maxBlastByProfile = map[Profile]BlastRadius{
	ProfileDefault:         BlastLow,
	ProfileDevFlex:         BlastLow,
	ProfileStagingStandard: BlastMedium,
	ProfileProdStandard:    BlastMedium,
	ProfileProdCritical:    BlastHigh,
}

// MapSeverity maps an author-declared severity to its sandbox profile
// and default blast radius. Unknown severities land in the dev-flex
// tier.
func MapSeverity(severity string) (Profile, BlastRadius) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical":
		return ProfileProdCritical, BlastHigh
	case "high", "dangerous":
		return ProfileProdStandard, BlastMedium
	case "moderate":
		return ProfileStagingStandard, BlastMedium
	default:
		return ProfileDevFlex, BlastLow
	}
}

// ComputeProfile returns the maximum-rank profile across the plan's
// steps. An empty plan stays in the default tier.
func ComputeProfile(steps []PlannedStep) Profile {
	profile := ProfileDefault
	for _, step := range steps {
		p, _ := MapSeverity(step.Severity)
		if profileRank[p] > profileRank[profile] {
			profile = p
		}
	}
	return profile
}

// ValidateSandbox enforces that no step exceeds the blast radius the
// session profile permits. Violations are construction-time errors.
func ValidateSandbox(profile Profile, steps []PlannedStep) error {
	limit, ok := maxBlastByProfile[profile]
	if !ok {
		return fmt.Errorf("unknown sandbox profile %q", profile)
	}
	for _, step := range steps {
		if blastRank[step.Blast] > blastRank[limit] {
			return fmt.Errorf("step %d: blast radius %s exceeds %s allowed by profile %s",
				step.Number, step.Blast, limit, profile)
		}
	}
	return nil
}
