package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/statestore"
	"github.com/danshapiro/storytime/internal/workflow"
)

var toolNames = map[workflow.Step]string{
	workflow.StepDiscovery:    "discover_challenge",
	workflow.StepSeedImage:    "generate_seed_image",
	workflow.StepNarration:    "write_narration",
	workflow.StepIllustration: "illustrate_pages",
	workflow.StepExport:       "export_book",
}

var promptSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt":   map[string]any{"type": "string"},
		"feedback": map[string]any{"type": "string"},
	},
	"required": []any{"prompt"},
}

type fakeTool struct {
	step workflow.Step

	mu    sync.Mutex
	calls []ToolRequest
	// fail, when set, may replace the result of the n-th call (1-indexed).
	fail func(n int) (ToolResult, error)
	// gate, when set, is waited on before returning.
	gate chan struct{}

	inFlight, maxInFlight int32
}

func (f *fakeTool) Invoke(ctx context.Context, req ToolRequest) (ToolResult, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxInFlight, m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	count := len(f.calls)
	fail := f.fail
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if fail != nil {
		if res, err := fail(count); res != nil || err != nil {
			return res, err
		}
	}
	var args map[string]any
	_ = json.Unmarshal(req.Arguments, &args)
	body := fmt.Sprintf("%s:%v", f.step, args["prompt"])
	if fb, ok := args["feedback"]; ok {
		body += " feedback=" + fmt.Sprint(fb)
	}
	return Success{
		Artifacts: []Produced{{Kind: artifact.KindText, Name: string(f.step) + ".txt", Data: []byte(body)}},
		Message:   "Here is the " + label(f.step) + ".",
	}, nil
}

func (f *fakeTool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePlanner struct {
	mu   sync.Mutex
	reqs []DecideRequest
	next func(req DecideRequest) (Decision, error)
}

func (p *fakePlanner) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	next := p.next
	p.mu.Unlock()
	if next != nil {
		return next(req)
	}
	return defaultDecision(req), nil
}

func (p *fakePlanner) requests() []DecideRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DecideRequest(nil), p.reqs...)
}

func lastUserText(msgs []checkpoint.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == checkpoint.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// defaultDecision calls the first allowed tool unless the user is chatting.
func defaultDecision(req DecideRequest) Decision {
	last := lastUserText(req.Conversation)
	if strings.HasPrefix(last, "chat:") || len(req.AllowedTools) == 0 {
		return Decision{Text: "Happy to chat."}
	}
	args := map[string]any{"prompt": last}
	if req.Revision != nil {
		args["feedback"] = req.Revision.Feedback
	}
	b, _ := json.Marshal(args)
	return Decision{ToolCall: &ToolCall{Name: req.AllowedTools[0].Name, Arguments: b}}
}

func keywordVerdict(ctx context.Context, req ClassifyRequest) (Verdict, error) {
	r := strings.ToLower(req.Reply)
	switch {
	case strings.Contains(r, "great") || strings.Contains(r, "approve"):
		return Verdict{Kind: VerdictApproved}, nil
	case strings.Contains(r, "rewrite") || strings.Contains(r, "change"):
		return Verdict{Kind: VerdictRejected, Feedback: req.Reply}, nil
	default:
		return Verdict{Kind: VerdictUnclear}, nil
	}
}

type failingLog struct {
	checkpoint.Log
	failAppend atomic.Bool
}

func (f *failingLog) Append(ctx context.Context, sessionID string, node checkpoint.Node, st workflow.State, ops []workflow.Op, trace checkpoint.Trace) (uint64, error) {
	if f.failAppend.Load() {
		return 0, errors.New("disk full")
	}
	return f.Log.Append(ctx, sessionID, node, st, ops, trace)
}

type failingStates struct {
	statestore.Store
	failSave atomic.Bool
}

func (f *failingStates) Save(ctx context.Context, sessionID string, st workflow.State) error {
	if f.failSave.Load() {
		return fmt.Errorf("%w: connection refused", statestore.ErrUnavailable)
	}
	return f.Store.Save(ctx, sessionID, st)
}

type harness struct {
	t       *testing.T
	eng     *Engine
	states  *failingStates
	log     *failingLog
	arts    *artifact.Store
	planner *fakePlanner
	tools   map[workflow.Step]*fakeTool
	sleeps  []time.Duration

	mu     sync.Mutex
	events []map[string]any
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	fs, err := statestore.NewFileStore(root + "/state")
	if err != nil {
		t.Fatal(err)
	}
	fl, err := checkpoint.NewFileLog(root + "/checkpoints")
	if err != nil {
		t.Fatal(err)
	}
	arts, err := artifact.Open(root + "/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:       t,
		states:  &failingStates{Store: fs},
		log:     &failingLog{Log: fl},
		arts:    arts,
		planner: &fakePlanner{},
		tools:   map[workflow.Step]*fakeTool{},
	}
	reg := NewToolRegistry()
	for _, step := range workflow.ProductionSteps() {
		ft := &fakeTool{step: step}
		h.tools[step] = ft
		if err := reg.Register(step, ToolDefinition{Name: toolNames[step], Description: label(step), Parameters: promptSchema}, ft); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	opts := Options{
		Registry:    session.NewRegistry(zerolog.Nop()),
		States:      h.states,
		Checkpoints: h.log,
		Artifacts:   arts,
		Planner:     h.planner,
		Classifier:  ClassifierFunc(keywordVerdict),
		Tools:       reg,
		Logger:      zerolog.Nop(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
		ProgressSink: func(ev map[string]any) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) turn(sessionID, text string, uploads ...Upload) TurnResult {
	h.t.Helper()
	res, err := h.eng.HandleTurn(context.Background(), sessionID, text, uploads)
	if err != nil {
		h.t.Fatalf("HandleTurn(%q): %v", text, err)
	}
	return res
}

func (h *harness) state(sessionID string) workflow.State {
	h.t.Helper()
	st, err := h.eng.WorkflowState(context.Background(), sessionID)
	if err != nil {
		h.t.Fatalf("WorkflowState: %v", err)
	}
	return st
}

func (h *harness) checkpoints(sessionID string) []checkpoint.Checkpoint {
	h.t.Helper()
	cps, err := checkpoint.Collect(h.eng.Checkpoints(context.Background(), sessionID))
	if err != nil {
		h.t.Fatalf("checkpoints: %v", err)
	}
	return cps
}

func (h *harness) eventCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev["event"] == name {
			n++
		}
	}
	return n
}

// runToCompletion produces and approves every step.
func (h *harness) runToCompletion(sessionID string) {
	h.t.Helper()
	res := h.turn(sessionID, "a dragon who is afraid of the dark")
	for i := 0; res.Status == StatusPendingApproval && i < 10; i++ {
		res = h.turn(sessionID, "looks great, continue")
	}
	if res.Status != StatusCompleted {
		h.t.Fatalf("pipeline did not complete: %+v", res)
	}
}

func TestScenarioA_FreshSessionStopsAtDiscoveryGate(t *testing.T) {
	h := newHarness(t)
	res := h.turn("s1", "A story about a shy robot learning to dance")

	if res.Status != StatusPendingApproval || res.Step != workflow.StepDiscovery || res.Node != checkpoint.NodeApprovalGate {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("artifacts=%v", res.Artifacts)
	}
	st := h.state("s1")
	out, ok := st.Output(workflow.StepDiscovery)
	if !ok || len(out.ArtifactIDs) != 1 || out.ArtifactIDs[0] != res.Artifacts[0] || out.Tool != "discover_challenge" {
		t.Fatalf("discovery output not recorded: %+v", st)
	}
	if st.Approvals[workflow.StepDiscovery] {
		t.Fatalf("discovery must not be approved yet")
	}
	_, data, err := h.arts.Get(context.Background(), out.ArtifactIDs[0])
	if err != nil || !strings.Contains(string(data), "shy robot") {
		t.Fatalf("artifact content=%q err=%v", data, err)
	}
	cps := h.checkpoints("s1")
	if len(cps) != 1 || cps[0].Seq != 1 || cps[0].Node != checkpoint.NodeApprovalGate {
		t.Fatalf("unexpected checkpoints: %+v", cps)
	}
	if len(cps[0].Trace.ToolCalls) != 1 || !cps[0].Trace.ToolCalls[0].OK || cps[0].Trace.ToolCalls[0].Attempts != 1 {
		t.Fatalf("tool call not traced: %+v", cps[0].Trace.ToolCalls)
	}
}

func TestScenarioB_ApprovalAdvancesToSeedImage(t *testing.T) {
	h := newHarness(t)
	h.turn("s1", "A story about a shy robot")
	res := h.turn("s1", "looks great, continue")

	st := h.state("s1")
	if !st.Approvals[workflow.StepDiscovery] || st.CurrentStep != workflow.StepSeedImage {
		t.Fatalf("unexpected state: step=%s approvals=%v", st.CurrentStep, st.Approvals)
	}
	// The engine plans on after approval, so the seed image is produced in the same turn.
	if res.Status != StatusPendingApproval || res.Step != workflow.StepSeedImage {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.tools[workflow.StepSeedImage].count() != 1 {
		t.Fatalf("seed image tool calls=%d", h.tools[workflow.StepSeedImage].count())
	}
}

func TestApprove_CommitsThroughTheLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.eng.Approve(ctx, "s1", workflow.StepDiscovery); !errors.Is(err, ErrNotPending) {
		t.Fatalf("approve before any output: err=%v", err)
	}
	if cps := h.checkpoints("s1"); len(cps) != 0 {
		t.Fatalf("refused approval wrote %d checkpoints", len(cps))
	}

	h.turn("s1", "A story about a shy robot")
	if _, err := h.eng.Approve(ctx, "s1", workflow.StepNarration); !errors.Is(err, ErrNotPending) {
		t.Fatalf("approve of a later step: err=%v", err)
	}
	res, err := h.eng.Approve(ctx, "s1", workflow.StepDiscovery)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Status != StatusPendingApproval || res.Step != workflow.StepSeedImage {
		t.Fatalf("unexpected result: %+v", res)
	}

	cps := h.checkpoints("s1")
	var approvedIn uint64
	for _, cp := range cps {
		for _, op := range cp.Ops {
			if op.Kind == workflow.OpApprove && op.Step == workflow.StepDiscovery {
				approvedIn = cp.Seq
			}
		}
	}
	if approvedIn == 0 {
		t.Fatalf("approval not recorded in the log")
	}
	replayed, err := checkpoint.Replay(h.eng.Checkpoints(ctx, "s1"))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	saved, err := h.states.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.Equal(saved) || !saved.Approvals[workflow.StepDiscovery] {
		t.Fatalf("replayed=%+v saved=%+v", replayed, saved)
	}
}

func TestScenarioC_ExhaustedRetriesLeaveStepUnchanged(t *testing.T) {
	h := newHarness(t)
	h.tools[workflow.StepSeedImage].fail = func(int) (ToolResult, error) {
		return Failure{Reason: "image service rate limited", Retryable: true}, nil
	}
	h.turn("s1", "A story about a shy robot")
	res := h.turn("s1", "looks great, continue")

	if res.Status != StatusError || !strings.Contains(res.AssistantText, "rate limited") {
		t.Fatalf("unexpected result: %+v", res)
	}
	st := h.state("s1")
	if st.CurrentStep != workflow.StepSeedImage {
		t.Fatalf("current step=%s", st.CurrentStep)
	}
	if _, ok := st.Output(workflow.StepSeedImage); ok {
		t.Fatalf("failed step must not record output")
	}
	if got := h.tools[workflow.StepSeedImage].count(); got != 3 {
		t.Fatalf("attempts=%d want 3", got)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 200*time.Millisecond || h.sleeps[1] != 400*time.Millisecond {
		t.Fatalf("backoff sleeps=%v", h.sleeps)
	}
	cps := h.checkpoints("s1")
	last := cps[len(cps)-1]
	if last.Node != checkpoint.NodeAgentDecide || last.Trace.Error == "" || len(last.Ops) != 0 {
		t.Fatalf("failure checkpoint=%+v", last)
	}
	rec := last.Trace.ToolCalls[0]
	if rec.OK || rec.Attempts != 3 || rec.Retries != 2 || !rec.Retryable {
		t.Fatalf("tool call record=%+v", rec)
	}

	// The user can retry the same step on the next turn.
	h.tools[workflow.StepSeedImage].fail = nil
	res = h.turn("s1", "try again please")
	if res.Status != StatusPendingApproval || res.Step != workflow.StepSeedImage {
		t.Fatalf("retry turn: %+v", res)
	}
}

func TestToolFailure_NonRetryableIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.tools[workflow.StepDiscovery].fail = func(int) (ToolResult, error) {
		return Failure{Reason: "prompt rejected by content filter"}, nil
	}
	res := h.turn("s1", "something")
	if res.Status != StatusError || h.tools[workflow.StepDiscovery].count() != 1 || len(h.sleeps) != 0 {
		t.Fatalf("res=%+v calls=%d sleeps=%v", res, h.tools[workflow.StepDiscovery].count(), h.sleeps)
	}
}

type retryableErr struct{}

func (retryableErr) Error() string   { return "upstream 503" }
func (retryableErr) Retryable() bool { return true }

func TestToolFailure_TransientErrorRecovers(t *testing.T) {
	h := newHarness(t)
	h.tools[workflow.StepDiscovery].fail = func(n int) (ToolResult, error) {
		switch n {
		case 1:
			return nil, retryableErr{}
		case 2:
			return nil, context.DeadlineExceeded
		}
		return nil, nil
	}
	res := h.turn("s1", "something")
	if res.Status != StatusPendingApproval {
		t.Fatalf("res=%+v", res)
	}
	rec := h.checkpoints("s1")[0].Trace.ToolCalls[0]
	if !rec.OK || rec.Attempts != 3 || rec.Retries != 2 {
		t.Fatalf("record=%+v", rec)
	}
	if h.eventCount("tool_failed") != 2 {
		t.Fatalf("tool_failed events=%d", h.eventCount("tool_failed"))
	}
}

func TestScenarioD_RejectionRegeneratesAndKeepsHistory(t *testing.T) {
	h := newHarness(t)
	h.turn("s1", "A story about a shy robot")
	h.turn("s1", "looks great, continue") // seed image gate
	h.turn("s1", "great")                 // narration gate
	before := h.state("s1")
	if before.CurrentStep != workflow.StepNarration {
		t.Fatalf("setup: step=%s", before.CurrentStep)
	}
	first := before.StepOutputs[workflow.StepNarration]

	res := h.turn("s1", "rewrite page 3 so the robot is braver")
	if res.Status != StatusPendingApproval || res.Step != workflow.StepNarration {
		t.Fatalf("unexpected result: %+v", res)
	}
	after := h.state("s1")
	second := after.StepOutputs[workflow.StepNarration]
	if second.Revision != first.Revision+1 || second.ArtifactIDs[0] == first.ArtifactIDs[0] {
		t.Fatalf("expected a new revision: first=%+v second=%+v", first, second)
	}
	if after.Approvals[workflow.StepNarration] {
		t.Fatalf("regenerated output must await approval")
	}

	// The previous output is still reachable through history.
	outs, err := checkpoint.Outputs(h.eng.Checkpoints(context.Background(), "s1"), workflow.StepNarration)
	if err != nil || len(outs) != 2 || outs[0].ArtifactIDs[0] != first.ArtifactIDs[0] {
		t.Fatalf("history outputs=%+v err=%v", outs, err)
	}
	if _, _, err := h.arts.Get(context.Background(), first.ArtifactIDs[0]); err != nil {
		t.Fatalf("previous artifact gone: %v", err)
	}
	_, data, _ := h.arts.Get(context.Background(), second.ArtifactIDs[0])
	if !strings.Contains(string(data), "feedback=rewrite page 3") {
		t.Fatalf("feedback not passed to tool: %q", data)
	}
	var revised bool
	for _, r := range h.planner.requests() {
		if r.Revision != nil && r.Revision.Step == workflow.StepNarration && r.Revision.PreviousTool == "write_narration" {
			revised = true
		}
	}
	if !revised {
		t.Fatalf("planner was not asked for a revision")
	}
}

func TestRejection_FallsBackToPreviousArguments(t *testing.T) {
	h := newHarness(t)
	h.turn("s1", "A story about a shy robot")
	h.planner.next = func(req DecideRequest) (Decision, error) {
		if req.Revision != nil {
			return Decision{Text: "I am not sure how to change that."}, nil
		}
		return defaultDecision(req), nil
	}
	res := h.turn("s1", "change the setting to the moon")
	if res.Status != StatusPendingApproval {
		t.Fatalf("res=%+v", res)
	}
	calls := h.tools[workflow.StepDiscovery].calls
	var args map[string]any
	_ = json.Unmarshal(calls[len(calls)-1].Arguments, &args)
	if args["prompt"] != "A story about a shy robot" || args["feedback"] != "change the setting to the moon" {
		t.Fatalf("fallback args=%v", args)
	}
}

func TestScenarioE_TerminalSessionRefusesWork(t *testing.T) {
	h := newHarness(t)
	h.runToCompletion("s1")
	st := h.state("s1")
	if !st.Terminal() {
		t.Fatalf("expected completed, got %s", st.CurrentStep)
	}
	n := len(h.checkpoints("s1"))
	if h.checkpoints("s1")[n-1].Node != checkpoint.NodeTerminal {
		t.Fatalf("last node should be terminal")
	}

	res := h.turn("s1", "make another book", Upload{Filename: "x.png", Data: []byte("png")})
	if res.Status != StatusCompleted || !strings.Contains(res.AssistantText, "new session") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !h.state("s1").Equal(st) || len(h.checkpoints("s1")) != n {
		t.Fatalf("terminal session was modified")
	}
	ids, _ := h.arts.ListForSession(context.Background(), "s1", artifact.KindFile)
	if len(ids) != 0 {
		t.Fatalf("upload stored on a closed session: %v", ids)
	}
}

func TestUnclearReplyReasksAtGate(t *testing.T) {
	h := newHarness(t)
	h.turn("s1", "A story")
	before := h.state("s1")
	res := h.turn("s1", "hmm what about lunch")
	if res.Status != StatusPendingApproval || res.Node != checkpoint.NodeApprovalGate {
		t.Fatalf("res=%+v", res)
	}
	if !h.state("s1").Equal(before) {
		t.Fatalf("unclear reply changed state")
	}
	cps := h.checkpoints("s1")
	if len(cps) != 2 || cps[1].Node != checkpoint.NodeApprovalGate || len(cps[1].Ops) != 0 {
		t.Fatalf("expected a gate checkpoint without ops: %+v", cps)
	}
	// Still at the gate: an approval now goes through.
	h.turn("s1", "great")
	if h.state("s1").CurrentStep != workflow.StepSeedImage {
		t.Fatalf("approval after unclear reply did not advance")
	}
}

func TestClassifierErrorIsTreatedAsUnclear(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Classifier = ClassifierFunc(func(context.Context, ClassifyRequest) (Verdict, error) {
			return Verdict{}, errors.New("classifier down")
		})
	})
	h.turn("s1", "A story")
	res := h.turn("s1", "great")
	if res.Status != StatusPendingApproval || h.state("s1").CurrentStep != workflow.StepDiscovery {
		t.Fatalf("res=%+v", res)
	}
}

func TestPlannerText_ReturnsInProgress(t *testing.T) {
	h := newHarness(t)
	res := h.turn("s1", "chat: what can you do?")
	if res.Status != StatusInProgress || res.AssistantText != "Happy to chat." || res.Node != checkpoint.NodeAgentDecide {
		t.Fatalf("res=%+v", res)
	}
	cps := h.checkpoints("s1")
	if len(cps) != 1 || len(cps[0].Ops) != 0 || len(cps[0].Trace.Messages) != 2 {
		t.Fatalf("cps=%+v", cps)
	}
	// A later production turn replays cleanly from the chat checkpoint.
	h.turn("s1", "A story about owls")
	if _, err := checkpoint.Replay(h.eng.Checkpoints(context.Background(), "s1")); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestOutOfOrderProposalIsCorrected(t *testing.T) {
	h := newHarness(t)
	h.planner.next = func(req DecideRequest) (Decision, error) {
		if req.Correction == "" {
			return Decision{ToolCall: &ToolCall{Name: "illustrate_pages", Arguments: json.RawMessage(`{"prompt":"x"}`)}}, nil
		}
		return defaultDecision(req), nil
	}
	res := h.turn("s1", "skip ahead and illustrate")
	if res.Status != StatusPendingApproval || res.Step != workflow.StepDiscovery {
		t.Fatalf("res=%+v", res)
	}
	if h.tools[workflow.StepIllustration].count() != 0 {
		t.Fatalf("out-of-order tool ran")
	}
	reqs := h.planner.requests()
	if len(reqs) != 2 || !strings.Contains(reqs[1].Correction, "discover_challenge") {
		t.Fatalf("expected a correction naming the valid tool: %+v", reqs)
	}
	if h.eventCount("proposal_rejected") != 1 {
		t.Fatalf("proposal_rejected events=%d", h.eventCount("proposal_rejected"))
	}
}

func TestInvalidProposalsExhaustCorrections(t *testing.T) {
	h := newHarness(t)
	h.planner.next = func(req DecideRequest) (Decision, error) {
		// Missing the required prompt argument every time.
		return Decision{ToolCall: &ToolCall{Name: "discover_challenge", Arguments: json.RawMessage(`{}`)}}, nil
	}
	res := h.turn("s1", "go")
	if res.Status != StatusError {
		t.Fatalf("res=%+v", res)
	}
	if got := len(h.planner.requests()); got != 3 {
		t.Fatalf("planner calls=%d want 3", got)
	}
	if h.tools[workflow.StepDiscovery].count() != 0 {
		t.Fatalf("invalid call executed")
	}
	if st := h.state("s1"); st.Version != 0 {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestPlannerFailure_ReportsError(t *testing.T) {
	h := newHarness(t)
	h.planner.next = func(DecideRequest) (Decision, error) { return Decision{}, retryableErr{} }
	res := h.turn("s1", "go")
	if res.Status != StatusError || len(h.planner.requests()) != 3 {
		t.Fatalf("res=%+v calls=%d", res, len(h.planner.requests()))
	}
}

func TestUploads_StoredAsFilesAndOfferedToPlanner(t *testing.T) {
	h := newHarness(t)
	res := h.turn("s1", "use my drawing",
		Upload{Filename: "../../drawing.png", Data: []byte("png-bytes")},
		Upload{Filename: "empty.txt"},
	)
	files, err := h.arts.ListForSession(context.Background(), "s1", artifact.KindFile)
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	a, _ := h.arts.Stat(context.Background(), files[0])
	if a.Name != "drawing.png" || a.MIME != "image/png" {
		t.Fatalf("upload meta=%+v", a)
	}
	if !strings.Contains(res.AssistantText, "empty.txt") {
		t.Fatalf("skipped upload not reported: %q", res.AssistantText)
	}
	req := h.planner.requests()[0]
	if len(req.Artifacts) != 1 || req.Artifacts[0] != files[0] {
		t.Fatalf("planner artifacts=%v", req.Artifacts)
	}
	msg := h.checkpoints("s1")[0].Trace.Messages[0]
	if msg.Role != checkpoint.RoleUser || len(msg.ArtifactIDs) != 1 {
		t.Fatalf("user message=%+v", msg)
	}
}

func TestCheckpointFailure_AbortsTurnAndRemovesArtifacts(t *testing.T) {
	h := newHarness(t)
	h.log.failAppend.Store(true)
	res := h.turn("s1", "A story", Upload{Filename: "a.png", Data: []byte("x")})
	if res.Status != StatusError || len(res.Artifacts) != 0 {
		t.Fatalf("res=%+v", res)
	}
	ids, _ := h.arts.ListForSession(context.Background(), "s1")
	if len(ids) != 0 {
		t.Fatalf("artifacts of aborted turn remain: %v", ids)
	}
	if st := h.state("s1"); st.Version != 0 || len(st.StepOutputs) != 0 {
		t.Fatalf("state mutated: %+v", st)
	}
	if h.eventCount("store_failure") != 1 {
		t.Fatalf("store_failure events=%d", h.eventCount("store_failure"))
	}
}

func TestStateSaveFailure_RepairedOnNextTurn(t *testing.T) {
	h := newHarness(t)
	h.states.failSave.Store(true)
	res := h.turn("s1", "A story")
	if res.Status != StatusError {
		t.Fatalf("res=%+v", res)
	}
	stored, _ := h.states.Store.Load(context.Background(), "s1")
	if stored.Version != 0 {
		t.Fatalf("state store should have missed the write")
	}
	// The checkpoint is the commit point, so the read surface already reflects it.
	if _, ok := h.state("s1").Output(workflow.StepDiscovery); !ok {
		t.Fatalf("committed output missing from WorkflowState")
	}

	h.states.failSave.Store(false)
	h.turn("s1", "great")
	stored, _ = h.states.Store.Load(context.Background(), "s1")
	if !stored.Approvals[workflow.StepDiscovery] {
		t.Fatalf("state store not repaired: %+v", stored)
	}
	if _, err := checkpoint.Replay(h.eng.Checkpoints(context.Background(), "s1")); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestPolicyWithoutApproval_AdvancesWithinOneTurn(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Policy = workflow.ApprovalPolicy{
			workflow.StepDiscovery: false,
			workflow.StepSeedImage: false,
		}
	})
	res := h.turn("s1", "A story")
	if res.Status != StatusPendingApproval || res.Step != workflow.StepNarration {
		t.Fatalf("res=%+v", res)
	}
	st := h.state("s1")
	if st.Approvals[workflow.StepDiscovery] || !st.IsStepCompleted(workflow.StepSeedImage) {
		t.Fatalf("state=%+v", st)
	}
	if len(res.Artifacts) != 3 {
		t.Fatalf("artifacts=%v", res.Artifacts)
	}
}

func TestMaxHops_BoundsToolRunsPerTurn(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Policy = workflow.ApprovalPolicy{}
		for _, st := range workflow.ProductionSteps() {
			o.Policy[st] = false
		}
		o.MaxHops = 2
	})
	res := h.turn("s1", "A story")
	if res.Status != StatusInProgress || res.Step != workflow.StepNarration {
		t.Fatalf("res=%+v", res)
	}
	h.turn("s1", "keep going")
	res = h.turn("s1", "keep going")
	if res.Status != StatusCompleted {
		t.Fatalf("res=%+v", res)
	}
}

func TestHandleTurn_RejectsInvalidSessionID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.HandleTurn(context.Background(), "../etc", "hi", nil); !errors.Is(err, session.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
