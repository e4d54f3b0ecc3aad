package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

// errStateLag marks a committed checkpoint whose state could not be saved.
var errStateLag = errors.New("state store behind checkpoint log")

// turn carries the working set of one HandleTurn call.
type turn struct {
	e   *Engine
	sc  session.Context
	log zerolog.Logger

	st      workflow.State
	node    checkpoint.Node
	history []checkpoint.Checkpoint

	// conversation holds committed messages; pending and calls are flushed
	// into the next checkpoint.
	conversation []checkpoint.Message
	pending      []checkpoint.Message
	calls        []checkpoint.ToolCallRecord

	// written are artifacts stored this turn and not yet covered by a
	// committed checkpoint. They are deleted if the turn aborts.
	written  []string
	produced []string
	texts    []string
	lastSeq  uint64
}

func (e *Engine) newTurn(sc session.Context) *turn {
	return &turn{
		e:    e,
		sc:   sc,
		log:  e.opts.Logger.With().Str("session_id", sc.SessionID).Logger(),
		node: checkpoint.NodeAgentDecide,
	}
}

func (t *turn) id() string     { return t.sc.SessionID }
func (t *turn) now() time.Time { return t.e.opts.Now().UTC() }

func (t *turn) emit(ev map[string]any) { t.e.emit(t.id(), ev) }

func (t *turn) run(ctx context.Context, text string, uploads []Upload) TurnResult {
	if err := t.load(ctx); err != nil {
		return t.storeFailure(ctx, err)
	}
	if t.st.Terminal() || t.node == checkpoint.NodeTerminal {
		return TurnResult{
			AssistantText: textCompleted,
			Status:        StatusCompleted,
			Step:          t.st.CurrentStep,
			Node:          checkpoint.NodeTerminal,
		}
	}

	ids, skipped, err := t.storeUploads(ctx, uploads)
	if err != nil {
		return t.storeFailure(ctx, err)
	}
	t.pending = append(t.pending, checkpoint.Message{Role: checkpoint.RoleUser, Content: text, ArtifactIDs: ids})
	for _, name := range skipped {
		t.say(fmt.Sprintf("I skipped %q because the file is empty.", name))
	}

	if t.node == checkpoint.NodeApprovalGate {
		return t.gate(ctx, text)
	}
	return t.decide(ctx)
}

// load reads the stored state and the checkpoint history. When the log holds
// a newer snapshot than the state store, the store missed a write after a
// commit and is repaired from the log.
func (t *turn) load(ctx context.Context) error {
	st, err := t.e.opts.States.Load(ctx, t.id())
	if err != nil {
		return err
	}
	history, err := checkpoint.Collect(t.e.opts.Checkpoints.List(ctx, t.id()))
	if err != nil {
		return err
	}
	t.history = history
	if n := len(history); n > 0 {
		last := history[n-1]
		t.node = last.Node
		switch {
		case last.State.Version > st.Version:
			t.log.Warn().Int64("stored_version", st.Version).Int64("checkpoint_version", last.State.Version).
				Msg("state store behind checkpoint log; restoring from checkpoint")
			st = last.State.Clone()
			if err := t.e.opts.States.Save(ctx, t.id(), st); err != nil {
				return err
			}
		case last.State.Version == st.Version:
			// Same version, and for a session that has not changed state yet the
			// logged snapshot carries the creation time replay starts from.
			st = last.State.Clone()
		}
	}
	for _, cp := range history {
		t.conversation = append(t.conversation, cp.Trace.Messages...)
	}
	t.st = st
	return nil
}

func (t *turn) say(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	t.texts = append(t.texts, text)
	t.pending = append(t.pending, checkpoint.Message{Role: checkpoint.RoleAssistant, Content: text})
}

// commit appends a checkpoint for the transition to next and then saves next
// to the state store. A failed append changes nothing. A failed save after a
// successful append is reported, and the next load restores the state from
// the checkpoint.
func (t *turn) commit(ctx context.Context, node checkpoint.Node, next workflow.State, ops []workflow.Op, errNote string) error {
	trace := checkpoint.Trace{Messages: t.pending, ToolCalls: t.calls, Error: errNote}
	seq, err := t.e.opts.Checkpoints.Append(ctx, t.id(), node, next, ops, trace)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	t.conversation = append(t.conversation, t.pending...)
	t.pending, t.calls, t.written = nil, nil, nil
	t.lastSeq = seq
	t.node = node
	t.emit(map[string]any{"event": "checkpoint_saved", "seq": seq, "node": string(node), "step": string(next.CurrentStep), "version": next.Version})

	if next.Version != t.st.Version {
		t.st = next
		if err := t.e.opts.States.Save(ctx, t.id(), next); err != nil {
			return fmt.Errorf("%w: checkpoint #%d: %w", errStateLag, seq, err)
		}
	}
	return nil
}

func (t *turn) result(status Status) TurnResult {
	text := strings.Join(t.texts, "\n\n")
	if text == "" {
		text = textNoProgress
	}
	return TurnResult{
		AssistantText: text,
		Artifacts:     append([]string{}, t.produced...),
		Status:        status,
		Step:          t.st.CurrentStep,
		Node:          t.node,
		Checkpoint:    t.lastSeq,
	}
}

// storeFailure aborts the turn. Artifacts no committed checkpoint refers to
// are removed so an aborted turn leaves nothing behind.
func (t *turn) storeFailure(ctx context.Context, err error) TurnResult {
	t.log.Error().Err(err).Str("step", string(t.st.CurrentStep)).Msg("turn aborted by store failure")
	for _, id := range t.written {
		if derr := t.e.opts.Artifacts.Delete(ctx, id); derr != nil {
			t.log.Warn().Err(derr).Str("artifact_id", id).Msg("could not remove artifact of aborted turn")
		}
		t.produced = slices.DeleteFunc(t.produced, func(p string) bool { return p == id })
	}
	t.written = nil
	t.emit(map[string]any{"event": "store_failure", "error": err.Error()})
	step := t.st.CurrentStep
	if step == "" {
		step = workflow.StepDiscovery
	}
	text := textStoreFailure
	if errors.Is(err, errStateLag) {
		text = textStateLag
	}
	return TurnResult{
		AssistantText: text,
		Artifacts:     append([]string{}, t.produced...),
		Status:        StatusError,
		Step:          step,
		Node:          t.node,
		Checkpoint:    t.lastSeq,
	}
}

// storeUploads stores non-empty uploads and returns their ids along with the
// names of the empty files it skipped.
func (t *turn) storeUploads(ctx context.Context, uploads []Upload) (ids, skipped []string, err error) {
	for _, u := range uploads {
		name := filepath.Base(strings.TrimSpace(u.Filename))
		if name == "." || name == string(filepath.Separator) {
			name = "upload"
		}
		if len(u.Data) == 0 {
			skipped = append(skipped, name)
			continue
		}
		id, err := t.e.opts.Artifacts.Put(ctx, t.id(), artifact.KindFile, artifact.Content{Data: u.Data, Name: name, MIME: u.MIME})
		if err != nil {
			return nil, nil, fmt.Errorf("store upload %s: %w", name, err)
		}
		t.written = append(t.written, id)
		t.produced = append(t.produced, id)
		ids = append(ids, id)
	}
	return ids, skipped, nil
}

func (t *turn) storeProduced(ctx context.Context, items []Produced) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, p := range items {
		kind := p.Kind
		if !kind.Valid() {
			kind = artifact.KindFile
		}
		id, err := t.e.opts.Artifacts.Put(ctx, t.id(), kind, artifact.Content{Data: p.Data, Path: p.Path, Name: p.Name, MIME: p.MIME})
		if err != nil {
			return nil, fmt.Errorf("store tool output: %w", err)
		}
		t.written = append(t.written, id)
		ids = append(ids, id)
	}
	return ids, nil
}

// gate evaluates the user's reply to a pending approval.
func (t *turn) gate(ctx context.Context, reply string) TurnResult {
	step := t.st.CurrentStep
	out, ok := t.st.Output(step)
	if !ok {
		// Nothing to approve; fall back to planning.
		t.node = checkpoint.NodeAgentDecide
		return t.decide(ctx)
	}
	if t.st.IsStepApproved(step) {
		return t.approve(ctx, step)
	}

	cctx, cancel := context.WithTimeout(ctx, t.e.opts.PlannerTimeout)
	v, err := t.e.opts.Classifier.Classify(cctx, ClassifyRequest{Session: t.sc, Step: step, Reply: reply, Output: out})
	cancel()
	errNote := ""
	if err != nil {
		t.log.Warn().Err(err).Msg("approval classifier failed; treating reply as unclear")
		errNote = "classifier: " + err.Error()
		v = Verdict{Kind: VerdictUnclear}
	}
	t.emit(map[string]any{"event": "approval_verdict", "step": string(step), "verdict": string(v.Kind)})

	switch v.Kind {
	case VerdictApproved:
		return t.approve(ctx, step)
	case VerdictRejected:
		feedback := strings.TrimSpace(v.Feedback)
		if feedback == "" {
			feedback = reply
		}
		return t.regenerate(ctx, step, out, feedback)
	default:
		return t.reask(ctx, step, errNote)
	}
}

func (t *turn) approve(ctx context.Context, step workflow.Step) TurnResult {
	ops := []workflow.Op{workflow.Approve(step), workflow.Advance(step, t.e.opts.Policy)}
	next, err := t.st.Apply(t.now(), ops...)
	if err != nil {
		return t.storeFailure(ctx, err)
	}
	node := checkpoint.NodeAgentDecide
	if next.Terminal() {
		node = checkpoint.NodeTerminal
		t.say(textFinished)
	} else {
		t.say(fmt.Sprintf("Great, the %s is approved. Next up: %s.", label(step), label(next.CurrentStep)))
	}
	if err := t.commit(ctx, node, next, ops, ""); err != nil {
		return t.storeFailure(ctx, err)
	}
	if next.Terminal() {
		return t.result(StatusCompleted)
	}
	return t.decide(ctx)
}

func (t *turn) explicitApprove(ctx context.Context, step workflow.Step) (TurnResult, error) {
	if err := t.load(ctx); err != nil {
		return t.storeFailure(ctx, err), nil
	}
	if t.st.Terminal() || t.node != checkpoint.NodeApprovalGate || step != t.st.CurrentStep || !t.st.IsStepCompleted(step) {
		return TurnResult{}, fmt.Errorf("%w: %s (current step %s)", ErrNotPending, step, t.st.CurrentStep)
	}
	t.pending = append(t.pending, checkpoint.Message{Role: checkpoint.RoleUser, Content: "Approved the " + label(step) + "."})
	t.emit(map[string]any{"event": "approval_verdict", "step": string(step), "verdict": string(VerdictApproved), "explicit": true})
	return t.approve(ctx, step), nil
}

func (t *turn) reask(ctx context.Context, step workflow.Step, errNote string) TurnResult {
	t.say(fmt.Sprintf("Are you happy with the %s? Say so and I'll move on, or tell me what you'd like changed.", label(step)))
	if err := t.commit(ctx, checkpoint.NodeApprovalGate, t.st, nil, errNote); err != nil {
		return t.storeFailure(ctx, err)
	}
	return t.result(StatusPendingApproval)
}

// regenerate reruns the current step's tool with arguments that take the
// user's feedback into account. The planner proposes them; when it cannot,
// the previous call is repeated with a feedback field added.
func (t *turn) regenerate(ctx context.Context, step workflow.Step, out workflow.StepOutput, feedback string) TurnResult {
	prevTool, prevArgs := t.lastCall(step, out.Tool)
	rev := &Revision{Step: step, Feedback: feedback, PreviousTool: prevTool, PreviousArgs: prevArgs, PreviousOutput: out}

	var (
		reg  registeredTool
		args json.RawMessage
		err  = errors.New("no revised call proposed")
	)
	arts, lerr := t.e.opts.Artifacts.ListForSession(ctx, t.id())
	if lerr != nil {
		return t.storeFailure(ctx, lerr)
	}
	dec, perr := t.callPlanner(ctx, DecideRequest{
		Session:      t.sc,
		Step:         step,
		AllowedTools: t.e.opts.Tools.ForStep(step),
		Conversation: t.plannerConversation(),
		Artifacts:    arts,
		Revision:     rev,
	})
	if perr == nil && dec.ToolCall != nil {
		reg, args, err = t.e.opts.Tools.resolve(*dec.ToolCall, step)
	}
	planned := err == nil
	if err != nil {
		if perr != nil {
			t.log.Warn().Err(perr).Msg("planner unavailable for revision; reusing previous call")
		}
		name := prevTool
		if name == "" {
			if defs := t.e.opts.Tools.ForStep(step); len(defs) > 0 {
				name = defs[0].Name
			}
		}
		reg, args, err = t.e.opts.Tools.resolve(ToolCall{Name: name, Arguments: withFeedback(prevArgs, feedback)}, step)
	}
	if err != nil {
		t.say(fmt.Sprintf("I couldn't work that into a new version of the %s. Could you describe the change another way?", label(step)))
		if cerr := t.commit(ctx, checkpoint.NodeApprovalGate, t.st, nil, err.Error()); cerr != nil {
			return t.storeFailure(ctx, cerr)
		}
		return t.result(StatusPendingApproval)
	}
	if planned {
		t.say(dec.Text)
	}
	res, _ := t.execute(ctx, reg, args, checkpoint.NodeApprovalGate)
	return res
}

// lastCall finds the arguments of the call that produced the active output.
func (t *turn) lastCall(step workflow.Step, tool string) (string, json.RawMessage) {
	for i := len(t.history) - 1; i >= 0; i-- {
		calls := t.history[i].Trace.ToolCalls
		for j := len(calls) - 1; j >= 0; j-- {
			c := calls[j]
			if c.OK && c.Step == step && (tool == "" || c.Tool == tool) {
				return c.Tool, c.Arguments
			}
		}
	}
	return tool, nil
}

func (t *turn) plannerConversation() []checkpoint.Message {
	out := make([]checkpoint.Message, 0, len(t.conversation)+len(t.pending))
	out = append(out, t.conversation...)
	return append(out, t.pending...)
}

// decide runs agent_decide until the planner replies with text, a step stops
// at an approval gate, or the hop budget is spent.
func (t *turn) decide(ctx context.Context) TurnResult {
	correction := ""
	corrections := 0
	for hops := 0; hops < t.e.opts.MaxHops; {
		step := t.st.CurrentStep
		allowed := t.e.opts.Tools.ForStep(step)
		arts, err := t.e.opts.Artifacts.ListForSession(ctx, t.id())
		if err != nil {
			return t.storeFailure(ctx, err)
		}
		dec, err := t.callPlanner(ctx, DecideRequest{
			Session:      t.sc,
			Step:         step,
			AllowedTools: allowed,
			Conversation: t.plannerConversation(),
			Artifacts:    arts,
			Correction:   correction,
		})
		if err != nil {
			t.log.Error().Err(err).Msg("planner failed")
			t.say("I couldn't reach the planning service just now. Please try again in a moment.")
			if cerr := t.commit(ctx, checkpoint.NodeAgentDecide, t.st, nil, "planner: "+err.Error()); cerr != nil {
				return t.storeFailure(ctx, cerr)
			}
			return t.result(StatusError)
		}

		if dec.ToolCall == nil {
			t.say(dec.Text)
			if err := t.commit(ctx, checkpoint.NodeAgentDecide, t.st, nil, ""); err != nil {
				return t.storeFailure(ctx, err)
			}
			return t.result(StatusInProgress)
		}

		reg, args, err := t.e.opts.Tools.resolve(*dec.ToolCall, step)
		if err != nil {
			corrections++
			t.emit(map[string]any{"event": "proposal_rejected", "step": string(step), "tool": dec.ToolCall.Name, "error": err.Error()})
			t.log.Info().Err(err).Str("tool", dec.ToolCall.Name).Int("corrections", corrections).Msg("planner proposal refused")
			if corrections > t.e.opts.MaxCorrections {
				t.say(fmt.Sprintf("I wasn't able to line up the right next action for the %s. Could you rephrase what you'd like?", label(step)))
				if cerr := t.commit(ctx, checkpoint.NodeAgentDecide, t.st, nil, err.Error()); cerr != nil {
					return t.storeFailure(ctx, cerr)
				}
				return t.result(StatusError)
			}
			correction = correctionFor(err, step, allowed)
			continue
		}
		correction = ""
		t.say(dec.Text)

		res, advanced := t.execute(ctx, reg, args, checkpoint.NodeAgentDecide)
		if !advanced {
			return res
		}
		hops++
	}
	return t.result(StatusInProgress)
}

func correctionFor(err error, step workflow.Step, allowed []ToolDefinition) string {
	names := make([]string, 0, len(allowed))
	for _, d := range allowed {
		names = append(names, d.Name)
	}
	valid := "none"
	if len(names) > 0 {
		valid = strings.Join(names, ", ")
	}
	return fmt.Sprintf("Your last proposal was refused: %v. The current step is %s and the only tools that may run now are: %s. Propose one of them with valid arguments, or reply with text.", err, step, valid)
}

func (t *turn) callPlanner(ctx context.Context, req DecideRequest) (Decision, error) {
	var lastErr error
	retry := t.e.opts.Retry
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, t.e.opts.PlannerTimeout)
		d, err := t.e.opts.Planner.Decide(pctx, req)
		cancel()
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == retry.MaxAttempts {
			break
		}
		seed := fmt.Sprintf("%s:planner:%s:%d", t.id(), req.Step, attempt)
		if err := t.e.opts.Sleep(ctx, DelayForAttempt(attempt, retry.Backoff, seed)); err != nil {
			break
		}
	}
	return Decision{}, lastErr
}

// execute runs a validated tool call for the current step. It reports true
// when the step completed without a gate and the turn may plan the next
// step; otherwise the returned result ends the turn. On failure the turn
// returns to failNode with the state unchanged.
func (t *turn) execute(ctx context.Context, reg registeredTool, args json.RawMessage, failNode checkpoint.Node) (TurnResult, bool) {
	step := t.st.CurrentStep
	arts, err := t.e.opts.Artifacts.ListForSession(ctx, t.id())
	if err != nil {
		return t.storeFailure(ctx, err), false
	}
	req := ToolRequest{
		Session:   t.sc,
		Step:      step,
		Tool:      reg.def.Name,
		Arguments: args,
		Artifacts: arts,
		Outputs:   t.st.Clone().StepOutputs,
	}
	success, failure, rec := t.invoke(ctx, reg, req)

	if failure != nil {
		t.calls = append(t.calls, rec)
		t.pending = append(t.pending, checkpoint.Message{Role: checkpoint.RoleTool, Content: "error: " + failure.Reason})
		t.say(fmt.Sprintf("The %s step failed: %s. You can ask me to try again or to change the request.", label(step), failure.Reason))
		if err := t.commit(ctx, failNode, t.st, nil, failure.Reason); err != nil {
			return t.storeFailure(ctx, err), false
		}
		return t.result(StatusError), false
	}

	ids, err := t.storeProduced(ctx, success.Artifacts)
	if err != nil {
		return t.storeFailure(ctx, err), false
	}
	rec.ArtifactIDs = ids
	t.calls = append(t.calls, rec)
	t.pending = append(t.pending, checkpoint.Message{Role: checkpoint.RoleTool, Content: success.Message, ArtifactIDs: ids})

	out := workflow.StepOutput{ArtifactIDs: ids, Tool: reg.def.Name, Message: success.Message, ProducedAt: t.now()}
	ops := []workflow.Op{workflow.RecordOutput(step, out)}
	gated := t.e.opts.Policy.Requires(step)
	if !gated {
		ops = append(ops, workflow.Advance(step, t.e.opts.Policy))
	}
	next, err := t.st.Apply(t.now(), ops...)
	if err != nil {
		return t.storeFailure(ctx, err), false
	}
	t.produced = append(t.produced, ids...)

	switch {
	case gated:
		t.say(success.Message)
		t.say(fmt.Sprintf("Please review the %s. Tell me if you approve it or what you'd like changed.", label(step)))
		if err := t.commit(ctx, checkpoint.NodeApprovalGate, next, ops, ""); err != nil {
			return t.storeFailure(ctx, err), false
		}
		return t.result(StatusPendingApproval), false
	case next.Terminal():
		t.say(success.Message)
		t.say(textFinished)
		if err := t.commit(ctx, checkpoint.NodeTerminal, next, ops, ""); err != nil {
			return t.storeFailure(ctx, err), false
		}
		return t.result(StatusCompleted), false
	default:
		t.say(success.Message)
		if err := t.commit(ctx, checkpoint.NodeAgentDecide, next, ops, ""); err != nil {
			return t.storeFailure(ctx, err), false
		}
		return TurnResult{}, true
	}
}

// invoke calls the tool, retrying transient failures with backoff. Each
// attempt is bounded by ToolTimeout.
func (t *turn) invoke(ctx context.Context, reg registeredTool, req ToolRequest) (*Success, *Failure, checkpoint.ToolCallRecord) {
	retry := t.e.opts.Retry
	rec := checkpoint.ToolCallRecord{Tool: reg.def.Name, Step: req.Step, Arguments: req.Arguments}
	start := time.Now()
	var last Failure
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		t.emit(map[string]any{"event": "tool_attempt", "tool": reg.def.Name, "step": string(req.Step), "attempt": attempt})

		actx, cancel := context.WithTimeout(ctx, t.e.opts.ToolTimeout)
		res, err := reg.tool.Invoke(actx, req)
		cancel()

		s, f := splitResult(res, err)
		if s != nil {
			rec.OK = true
			rec.Message = s.Message
			rec.Retries = attempt - 1
			rec.LatencyMS = time.Since(start).Milliseconds()
			return s, nil, rec
		}
		last = *f
		t.emit(map[string]any{"event": "tool_failed", "tool": reg.def.Name, "step": string(req.Step), "attempt": attempt, "retryable": f.Retryable, "error": f.Reason})
		t.log.Warn().Str("tool", reg.def.Name).Int("attempt", attempt).Bool("retryable", f.Retryable).Str("reason", f.Reason).Msg("tool attempt failed")
		if !f.Retryable || attempt == retry.MaxAttempts {
			break
		}
		seed := fmt.Sprintf("%s:%s:%s:%d", t.id(), req.Step, reg.def.Name, attempt)
		if err := t.e.opts.Sleep(ctx, DelayForAttempt(attempt, retry.Backoff, seed)); err != nil {
			break
		}
	}
	rec.Error = last.Reason
	rec.Retryable = last.Retryable
	rec.Retries = rec.Attempts - 1
	rec.LatencyMS = time.Since(start).Milliseconds()
	if last.Retryable {
		last.Reason = fmt.Sprintf("%s (gave up after %d attempts)", last.Reason, rec.Attempts)
	}
	return nil, &last, rec
}

func splitResult(res ToolResult, err error) (*Success, *Failure) {
	if err != nil {
		return nil, &Failure{Reason: err.Error(), Retryable: IsTransient(err)}
	}
	switch r := res.(type) {
	case Success:
		return &r, nil
	case *Success:
		if r != nil {
			return r, nil
		}
	case Failure:
		return nil, &r
	case *Failure:
		if r != nil {
			return nil, r
		}
	}
	return nil, &Failure{Reason: "tool returned no result"}
}
