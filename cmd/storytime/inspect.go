package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

// openForSession loads config and stores for a command that works on one
// session's durable records.
func openForSession(o cliOptions, stderr io.Writer) (*stores, bool) {
	if err := session.ValidateID(o.sessionID); err != nil {
		fmt.Fprintln(stderr, "--session:", err)
		return nil, false
	}
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, false
	}
	st, err := openStores(context.Background(), cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, false
	}
	return st, true
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// currentState mirrors what the engine serves: the newer of the stored state
// and the latest checkpoint snapshot.
func currentState(ctx context.Context, st *stores, id string) (workflow.State, error) {
	s, err := st.states.Load(ctx, id)
	if err != nil {
		return workflow.State{}, err
	}
	latest, ok, err := st.checkpoints.Latest(ctx, id)
	if err != nil {
		return workflow.State{}, err
	}
	if ok && latest.State.Version >= s.Version {
		return latest.State, nil
	}
	return s, nil
}

func inspectState(o cliOptions, stdout, stderr io.Writer) int {
	st, ok := openForSession(o, stderr)
	if !ok {
		return 1
	}
	defer st.Close()
	s, err := currentState(context.Background(), st, o.sessionID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, s)
	return 0
}

func inspectCheckpoints(o cliOptions, stdout, stderr io.Writer) int {
	st, ok := openForSession(o, stderr)
	if !ok {
		return 1
	}
	defer st.Close()
	ctx := context.Background()
	if o.seq > 0 {
		cp, err := st.checkpoints.Get(ctx, o.sessionID, o.seq)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		printJSON(stdout, cp)
		return 0
	}
	for cp, err := range st.checkpoints.List(ctx, o.sessionID) {
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "#%d\t%s\t%s\t%s\tv%d\tops=%d\n",
			cp.Seq, cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), cp.Node, cp.State.CurrentStep, cp.State.Version, len(cp.Ops))
	}
	return 0
}

// replay rebuilds the state from the log and compares it with the state store.
func replay(o cliOptions, stdout, stderr io.Writer) int {
	st, ok := openForSession(o, stderr)
	if !ok {
		return 1
	}
	defer st.Close()
	ctx := context.Background()
	replayed, err := checkpoint.Replay(st.checkpoints.List(ctx, o.sessionID))
	if err != nil {
		fmt.Fprintln(stderr, "replay:", err)
		return 1
	}
	stored, err := st.states.Load(ctx, o.sessionID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	switch {
	case replayed.Equal(stored):
		fmt.Fprintf(stdout, "ok: replay matches stored state (step=%s version=%d)\n", replayed.CurrentStep, replayed.Version)
		return 0
	case replayed.Version > stored.Version:
		fmt.Fprintf(stdout, "lagging: state store at version %d, log at %d; the next turn restores it\n", stored.Version, replayed.Version)
		return 0
	default:
		fmt.Fprintf(stderr, "mismatch: replayed version %d step %s, stored version %d step %s\n",
			replayed.Version, replayed.CurrentStep, stored.Version, stored.CurrentStep)
		return 2
	}
}

func prune(o cliOptions, stdout, stderr io.Writer) int {
	if !o.keepSet {
		fmt.Fprintln(stderr, "--keep is required")
		return 1
	}
	st, ok := openForSession(o, stderr)
	if !ok {
		return 1
	}
	defer st.Close()
	n, err := st.checkpoints.Prune(context.Background(), o.sessionID, o.keep)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "pruned %d checkpoints\n", n)
	return 0
}

func cleanup(o cliOptions, stdout, stderr io.Writer) int {
	st, ok := openForSession(o, stderr)
	if !ok {
		return 1
	}
	defer st.Close()
	if err := st.artifacts.CleanupSession(context.Background(), o.sessionID); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "removed artifacts of session %s\n", o.sessionID)
	return 0
}
