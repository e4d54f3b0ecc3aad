package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrOutOfOrder  = errors.New("step out of order")
	ErrNotApproved = errors.New("step not approved")
	ErrNoOutput    = errors.New("step has no output")
)

// StepOutput references what a step produced. Content lives in the artifact
// store; only ids are kept here so the state stays small and serializable.
type StepOutput struct {
	ArtifactIDs []string  `json:"artifact_ids"`
	Tool        string    `json:"tool,omitempty"`
	Message     string    `json:"message,omitempty"`
	Revision    int       `json:"revision"`
	ProducedAt  time.Time `json:"produced_at"`
}

func (o StepOutput) clone() StepOutput {
	o.ArtifactIDs = append([]string{}, o.ArtifactIDs...)
	return o
}

// State is the durable progress record of one session.
type State struct {
	CurrentStep Step                `json:"current_step"`
	StepOutputs map[Step]StepOutput `json:"step_outputs"`
	Approvals   map[Step]bool       `json:"approvals"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// New returns the default state of a session that has not started yet.
func New(now time.Time) State {
	now = now.UTC()
	return State{
		CurrentStep: StepDiscovery,
		StepOutputs: map[Step]StepOutput{},
		Approvals:   map[Step]bool{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s State) Clone() State {
	out := s
	out.StepOutputs = make(map[Step]StepOutput, len(s.StepOutputs))
	for k, v := range s.StepOutputs {
		out.StepOutputs[k] = v.clone()
	}
	out.Approvals = make(map[Step]bool, len(s.Approvals))
	for k, v := range s.Approvals {
		out.Approvals[k] = v
	}
	return out
}

// Output returns the active output of step, if one was recorded.
func (s State) Output(step Step) (StepOutput, bool) {
	o, ok := s.StepOutputs[step]
	return o, ok
}

// IsStepCompleted reports whether step has produced output or already lies
// behind the current step.
func (s State) IsStepCompleted(step Step) bool {
	if step == StepCompleted {
		return s.CurrentStep == StepCompleted
	}
	if _, ok := s.StepOutputs[step]; ok {
		return true
	}
	return step.Before(s.CurrentStep)
}

func (s State) IsStepApproved(step Step) bool {
	return s.Approvals[step]
}

// CanAdvance reports whether the current step may move to its successor.
func (s State) CanAdvance(policy ApprovalPolicy) bool {
	if s.CurrentStep.Terminal() {
		return false
	}
	if _, ok := s.StepOutputs[s.CurrentStep]; !ok {
		return false
	}
	return !policy.Requires(s.CurrentStep) || s.IsStepApproved(s.CurrentStep)
}

func (s State) Terminal() bool { return s.CurrentStep.Terminal() }

// Equal compares two states, treating timestamps as instants.
func (s State) Equal(o State) bool {
	if s.CurrentStep != o.CurrentStep || s.Version != o.Version {
		return false
	}
	if !s.CreatedAt.Equal(o.CreatedAt) || !s.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if len(s.Approvals) != len(o.Approvals) || len(s.StepOutputs) != len(o.StepOutputs) {
		return false
	}
	for k, v := range s.Approvals {
		if ov, ok := o.Approvals[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range s.StepOutputs {
		ov, ok := o.StepOutputs[k]
		if !ok {
			return false
		}
		if v.Tool != ov.Tool || v.Message != ov.Message || v.Revision != ov.Revision ||
			!v.ProducedAt.Equal(ov.ProducedAt) || !slices.Equal(v.ArtifactIDs, ov.ArtifactIDs) {
			return false
		}
	}
	return true
}

// ApprovalPolicy lists the steps that wait for explicit human approval.
type ApprovalPolicy map[Step]bool

// DefaultApprovalPolicy requires approval after every production step.
func DefaultApprovalPolicy() ApprovalPolicy {
	p := ApprovalPolicy{}
	for _, st := range ProductionSteps() {
		p[st] = true
	}
	return p
}

func (p ApprovalPolicy) Requires(step Step) bool {
	if p == nil {
		return true
	}
	v, ok := p[step]
	if !ok {
		return true
	}
	return v
}

type OpKind string

const (
	OpRecordOutput OpKind = "record_output"
	OpApprove      OpKind = "approve"
	OpAdvance      OpKind = "advance"
)

// Op is one recorded state transition. Checkpoints carry the ops that produced
// their snapshot so history can be replayed.
type Op struct {
	Kind   OpKind      `json:"kind"`
	Step   Step        `json:"step"`
	Output *StepOutput `json:"output,omitempty"`
	// RequiresApproval is captured for advance ops so replay does not depend on
	// the policy in effect at replay time.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

func RecordOutput(step Step, out StepOutput) Op {
	o := out.clone()
	return Op{Kind: OpRecordOutput, Step: step, Output: &o}
}

func Approve(step Step) Op { return Op{Kind: OpApprove, Step: step} }

func Advance(step Step, policy ApprovalPolicy) Op {
	return Op{Kind: OpAdvance, Step: step, RequiresApproval: policy.Requires(step)}
}

// Apply returns a copy of s with ops applied in order. The receiver is never
// modified. An empty op list returns s unchanged.
func (s State) Apply(at time.Time, ops ...Op) (State, error) {
	if len(ops) == 0 {
		return s, nil
	}
	next := s.Clone()
	for i, op := range ops {
		if err := next.apply(at, op); err != nil {
			return s, fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.Step, err)
		}
	}
	next.Version++
	next.UpdatedAt = at.UTC()
	return next, nil
}

func (s *State) apply(at time.Time, op Op) error {
	if op.Step != s.CurrentStep {
		return fmt.Errorf("%w: current step is %s", ErrOutOfOrder, s.CurrentStep)
	}
	if s.CurrentStep.Terminal() {
		return fmt.Errorf("%w: workflow already completed", ErrOutOfOrder)
	}
	switch op.Kind {
	case OpRecordOutput:
		if op.Output == nil {
			return ErrNoOutput
		}
		out := op.Output.clone()
		out.Revision = s.StepOutputs[op.Step].Revision + 1
		if out.ProducedAt.IsZero() {
			out.ProducedAt = at.UTC()
		}
		s.StepOutputs[op.Step] = out
		// A regenerated output has to be reviewed again.
		s.Approvals[op.Step] = false
	case OpApprove:
		if _, ok := s.StepOutputs[op.Step]; !ok {
			return ErrNoOutput
		}
		s.Approvals[op.Step] = true
	case OpAdvance:
		if _, ok := s.StepOutputs[op.Step]; !ok {
			return ErrNoOutput
		}
		if op.RequiresApproval && !s.Approvals[op.Step] {
			return ErrNotApproved
		}
		nxt, ok := op.Step.Next()
		if !ok {
			return fmt.Errorf("%w: no step after %s", ErrOutOfOrder, op.Step)
		}
		s.CurrentStep = nxt
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}
