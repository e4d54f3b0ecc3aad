package workflow

import (
	"fmt"
	"strings"
)

// Step is one stage of the production pipeline.
type Step string

const (
	StepDiscovery    Step = "discovery"
	StepSeedImage    Step = "seed_image"
	StepNarration    Step = "narration"
	StepIllustration Step = "illustration"
	StepExport       Step = "export"
	StepCompleted    Step = "completed"
)

var stepOrder = []Step{
	StepDiscovery,
	StepSeedImage,
	StepNarration,
	StepIllustration,
	StepExport,
	StepCompleted,
}

// Steps returns the fixed total order of the pipeline, ending in StepCompleted.
func Steps() []Step {
	return append([]Step{}, stepOrder...)
}

// ProductionSteps returns the steps that produce output (everything but completed).
func ProductionSteps() []Step {
	return append([]Step{}, stepOrder[:len(stepOrder)-1]...)
}

func ParseStep(s string) (Step, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discovery", "challenge_discovery":
		return StepDiscovery, nil
	case "seed_image", "seed_image_generation":
		return StepSeedImage, nil
	case "narration":
		return StepNarration, nil
	case "illustration":
		return StepIllustration, nil
	case "export", "pdf_generation":
		return StepExport, nil
	case "completed", "complete":
		return StepCompleted, nil
	case "":
		return "", fmt.Errorf("invalid step: empty string")
	default:
		return "", fmt.Errorf("invalid step: %q", s)
	}
}

// Index returns the position of s in the pipeline order, or -1 for unknown steps.
func (s Step) Index() int {
	for i, st := range stepOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Step) Valid() bool { return s.Index() >= 0 }

// Before reports whether s comes strictly before other in the pipeline.
func (s Step) Before(other Step) bool {
	a, b := s.Index(), other.Index()
	return a >= 0 && b >= 0 && a < b
}

// Next returns the step that follows s. Completed has no successor.
func (s Step) Next() (Step, bool) {
	i := s.Index()
	if i < 0 || i >= len(stepOrder)-1 {
		return "", false
	}
	return stepOrder[i+1], true
}

func (s Step) Terminal() bool { return s == StepCompleted }

func (s Step) String() string { return string(s) }
