// Package engine drives a session through the production pipeline.
//
// Each user turn resumes from the node recorded in the session's latest
// checkpoint: agent_decide asks the planner for the next action,
// approval_gate suspends until the user approves or asks for changes, and
// terminal refuses further work. tool_execute runs a step's tool with bounded
// retries and is only ever passed through, never recorded. Every
// transition is appended to the checkpoint log before the state store is
// updated, so the log is the commit point of a turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/statestore"
	"github.com/danshapiro/storytime/internal/workflow"
)

type Options struct {
	Registry    *session.Registry
	States      statestore.Store
	Checkpoints checkpoint.Log
	Artifacts   ArtifactStore
	Planner     Planner
	Classifier  Classifier
	Tools       *ToolRegistry

	// Policy lists the steps that stop at an approval gate. Nil means all.
	Policy workflow.ApprovalPolicy
	Retry  RetryPolicy
	// ToolTimeout bounds a single tool attempt; PlannerTimeout a single
	// planner or classifier call.
	ToolTimeout    time.Duration
	PlannerTimeout time.Duration
	// MaxCorrections is how many refused proposals the planner may correct
	// before the turn gives up.
	MaxCorrections int
	// MaxHops bounds tool executions within one turn.
	MaxHops int

	Logger       zerolog.Logger
	ProgressSink func(ev map[string]any)
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
}

func (o *Options) applyDefaults() error {
	switch {
	case o.Registry == nil:
		return fmt.Errorf("engine: session registry is required")
	case o.States == nil:
		return fmt.Errorf("engine: state store is required")
	case o.Checkpoints == nil:
		return fmt.Errorf("engine: checkpoint log is required")
	case o.Artifacts == nil:
		return fmt.Errorf("engine: artifact store is required")
	case o.Planner == nil:
		return fmt.Errorf("engine: planner is required")
	case o.Classifier == nil:
		return fmt.Errorf("engine: approval classifier is required")
	case o.Tools == nil:
		return fmt.Errorf("engine: tool registry is required")
	}
	if o.Policy == nil {
		o.Policy = workflow.DefaultApprovalPolicy()
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if o.Retry.Backoff == (BackoffConfig{}) {
		o.Retry.Backoff = DefaultBackoffConfig()
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 2 * time.Minute
	}
	if o.PlannerTimeout <= 0 {
		o.PlannerTimeout = time.Minute
	}
	if o.MaxCorrections == 0 {
		o.MaxCorrections = 2
	} else if o.MaxCorrections < 0 {
		o.MaxCorrections = 0
	}
	if o.MaxHops <= 0 {
		o.MaxHops = 8
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

type Engine struct {
	opts Options
}

func New(opts Options) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// HandleTurn processes one user message for sessionID. Turns of the same
// session run one at a time; a second call waits for the first to finish.
//
// The error return is reserved for caller mistakes: an invalid session id, or
// ctx ending while waiting for the session. Everything that goes wrong inside
// the turn is reported through TurnResult.Status.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, text string, uploads []Upload) (TurnResult, error) {
	return e.runTurn(ctx, sessionID, map[string]any{"uploads": len(uploads)}, func(ctx context.Context, t *turn) (TurnResult, error) {
		return t.run(ctx, text, uploads), nil
	})
}

// ErrNotPending reports an explicit approval for a step that is not waiting
// at the approval gate.
var ErrNotPending = errors.New("step is not awaiting approval")

// Approve approves step without asking the classifier, as if the user had
// said yes at the gate. The approval is committed to the checkpoint log
// before the state store, and the workflow continues with the next step in
// the same call. It returns ErrNotPending unless step is the current step and
// its output is waiting for approval.
func (e *Engine) Approve(ctx context.Context, sessionID string, step workflow.Step) (TurnResult, error) {
	return e.runTurn(ctx, sessionID, map[string]any{"approve": string(step)}, func(ctx context.Context, t *turn) (TurnResult, error) {
		return t.explicitApprove(ctx, step)
	})
}

func (e *Engine) runTurn(ctx context.Context, sessionID string, startFields map[string]any, fn func(context.Context, *turn) (TurnResult, error)) (TurnResult, error) {
	h, err := e.opts.Registry.Acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer h.Release()

	// A turn that owns its session runs to the end even if the caller leaves,
	// so no transition is left half written.
	ctx = context.WithoutCancel(ctx)

	t := e.newTurn(h.Context())
	startFields["event"] = "turn_started"
	e.emit(sessionID, startFields)
	start := time.Now()
	res, err := fn(ctx, t)
	if err != nil {
		return TurnResult{}, err
	}
	if res.Artifacts == nil {
		res.Artifacts = []string{}
	}
	e.emit(sessionID, map[string]any{
		"event":       "turn_finished",
		"status":      string(res.Status),
		"step":        string(res.Step),
		"node":        string(res.Node),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// WorkflowState returns the current state of sessionID without changing it.
func (e *Engine) WorkflowState(ctx context.Context, sessionID string) (workflow.State, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return workflow.State{}, err
	}
	st, err := e.opts.States.Load(ctx, sessionID)
	if err != nil {
		return workflow.State{}, err
	}
	latest, ok, err := e.opts.Checkpoints.Latest(ctx, sessionID)
	if err != nil {
		return workflow.State{}, err
	}
	if ok && latest.State.Version >= st.Version {
		return latest.State, nil
	}
	return st, nil
}

// Checkpoints returns the session's transition history in order.
func (e *Engine) Checkpoints(ctx context.Context, sessionID string) iter.Seq2[checkpoint.Checkpoint, error] {
	return e.opts.Checkpoints.List(ctx, sessionID)
}

func (e *Engine) emit(sessionID string, ev map[string]any) {
	ev["ts"] = e.opts.Now().UTC().Format(time.RFC3339Nano)
	ev["session_id"] = sessionID
	if e.opts.ProgressSink != nil {
		e.opts.ProgressSink(ev)
	}
	e.opts.Logger.Debug().Fields(ev).Msg("progress")
}

var stepLabels = map[workflow.Step]string{
	workflow.StepDiscovery:    "challenge discovery",
	workflow.StepSeedImage:    "seed image",
	workflow.StepNarration:    "story narration",
	workflow.StepIllustration: "illustrations",
	workflow.StepExport:       "book export",
}

func label(step workflow.Step) string {
	if l, ok := stepLabels[step]; ok {
		return l
	}
	return strings.ReplaceAll(string(step), "_", " ")
}

const (
	textCompleted    = "This story is finished and its session is closed. Start a new session to create another one."
	textFinished     = "The book is done. Start a new session whenever you want to make another story."
	textStoreFailure = "Something went wrong while saving your progress, so nothing was changed. Please try again."
	textStateLag     = "Your progress was recorded, but the session record could not be updated. Send your next message and I'll pick up from there."
	textNoProgress   = "Let me know how you would like to continue."
)
