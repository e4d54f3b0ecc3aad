package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/workflow"
)

func TestHandleTurn_SameSessionTurnsAreSerialized(t *testing.T) {
	h := newHarness(t)
	h.planner.next = func(req DecideRequest) (Decision, error) {
		time.Sleep(5 * time.Millisecond)
		return Decision{Text: "still thinking"}, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.eng.HandleTurn(context.Background(), "s1", "chat: hello", nil); err != nil {
				t.Errorf("HandleTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	cps := h.checkpoints("s1")
	if len(cps) != 8 {
		t.Fatalf("checkpoints=%d want 8", len(cps))
	}
	for i, cp := range cps {
		if cp.Seq != uint64(i+1) {
			t.Fatalf("seq[%d]=%d", i, cp.Seq)
		}
		// Each turn saw the full history of the turns before it.
		if len(cp.Trace.Messages) != 2 {
			t.Fatalf("checkpoint %d messages=%d", cp.Seq, len(cp.Trace.Messages))
		}
	}
	convo, err := checkpoint.Conversation(h.eng.Checkpoints(context.Background(), "s1"))
	if err != nil || len(convo) != 16 {
		t.Fatalf("conversation=%d err=%v", len(convo), err)
	}
}

func TestHandleTurn_ToolNeverRunsConcurrentlyForOneSession(t *testing.T) {
	h := newHarness(t)
	tool := h.tools[workflow.StepDiscovery]
	tool.fail = func(int) (ToolResult, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.eng.HandleTurn(context.Background(), "s1", "rewrite it please", nil)
		}()
	}
	wg.Wait()
	if tool.maxInFlight != 1 {
		t.Fatalf("max in-flight tool calls=%d", tool.maxInFlight)
	}
	if _, err := checkpoint.Replay(h.eng.Checkpoints(context.Background(), "s1")); err != nil {
		t.Fatalf("replay after concurrent turns: %v", err)
	}
}

func TestHandleTurn_DifferentSessionsProceedIndependently(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.planner.next = func(req DecideRequest) (Decision, error) {
		if req.Session.SessionID == "slow" {
			close(started)
			<-release
		}
		return defaultDecision(req), nil
	}

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := h.eng.HandleTurn(context.Background(), "slow", "A story", nil)
		done <- res
	}()
	<-started

	fast := make(chan TurnResult, 1)
	go func() {
		res, _ := h.eng.HandleTurn(context.Background(), "fast", "chat: hi", nil)
		fast <- res
	}()
	select {
	case res := <-fast:
		if res.Status != StatusInProgress {
			t.Fatalf("fast session: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fast session blocked behind slow session")
	}
	close(release)
	if res := <-done; res.Status != StatusPendingApproval {
		t.Fatalf("slow session: %+v", res)
	}
}

func TestHandleTurn_WaitingCallerHonoursContext(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.planner.next = func(req DecideRequest) (Decision, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		return Decision{Text: "ok"}, nil
	}
	first := make(chan struct{})
	go func() {
		defer close(first)
		h.eng.HandleTurn(context.Background(), "s1", "first", nil)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.eng.HandleTurn(ctx, "s1", "second", nil); err == nil {
		t.Fatalf("expected context error while waiting for the session")
	}
	close(release)
	<-first
}

// The log is the authoritative history: replaying it from the start
// reproduces the saved state, every record names a resume point, steps
// never move backwards, and no step advances before it was approved.
func TestCheckpointHistory_ReplaysToSavedStateAndRespectsOrder(t *testing.T) {
	h := newHarness(t)
	h.turn("s1", "A story about a shy robot")
	h.turn("s1", "hmm")
	h.turn("s1", "great")
	h.turn("s1", "change the sky to purple")
	h.turn("s1", "chat: how is it going?")
	h.runToCompletion("s1")

	ctx := context.Background()
	replayed, err := checkpoint.Replay(h.eng.Checkpoints(ctx, "s1"))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	saved, err := h.states.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.Equal(saved) {
		t.Fatalf("replayed state differs from saved state\nreplayed=%+v\nsaved=%+v", replayed, saved)
	}

	cps := h.checkpoints("s1")
	prev := workflow.StepDiscovery
	for _, cp := range cps {
		if !cp.Node.Valid() {
			t.Fatalf("#%d recorded %q, which is not a resume point", cp.Seq, cp.Node)
		}
		if cp.State.CurrentStep.Before(prev) {
			t.Fatalf("#%d moved back from %s to %s", cp.Seq, prev, cp.State.CurrentStep)
		}
		for _, op := range cp.Ops {
			if op.Kind == workflow.OpAdvance && op.RequiresApproval {
				var approved bool
				for _, o := range cp.Ops {
					if o.Kind == workflow.OpApprove && o.Step == op.Step {
						approved = true
					}
				}
				if !approved {
					t.Fatalf("#%d advanced %s without an approval", cp.Seq, op.Step)
				}
			}
		}
		prev = cp.State.CurrentStep
	}
}
