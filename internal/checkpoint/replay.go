package checkpoint

import (
	"fmt"
	"iter"

	"github.com/danshapiro/storytime/internal/workflow"
)

// Replay rebuilds a session's final state by applying each checkpoint's ops in
// order. Every intermediate result must equal the snapshot recorded with it,
// and sequence numbers must be contiguous.
//
// A full log starts from the default state at the session's creation time. A
// pruned log starts from the snapshot of its oldest retained checkpoint.
func Replay(seq iter.Seq2[Checkpoint, error]) (workflow.State, error) {
	var (
		st      workflow.State
		prevSeq uint64
		started bool
	)
	for cp, err := range seq {
		if err != nil {
			return workflow.State{}, err
		}
		if !started {
			started = true
			prevSeq = cp.Seq
			if cp.Seq != 1 {
				st = cp.State.Clone()
				continue
			}
			st = workflow.New(cp.State.CreatedAt)
		} else {
			if cp.Seq != prevSeq+1 {
				return workflow.State{}, fmt.Errorf("%w: gap after #%d (next is #%d)", ErrCorrupt, prevSeq, cp.Seq)
			}
			prevSeq = cp.Seq
		}
		next, err := st.Apply(cp.State.UpdatedAt, cp.Ops...)
		if err != nil {
			return workflow.State{}, fmt.Errorf("%w: #%d: %v", ErrCorrupt, cp.Seq, err)
		}
		if !next.Equal(cp.State) {
			return workflow.State{}, fmt.Errorf("%w: #%d: replayed state differs from snapshot", ErrCorrupt, cp.Seq)
		}
		st = next
	}
	if !started {
		return workflow.State{}, ErrNotFound
	}
	return st, nil
}

// Conversation concatenates the message traces of all checkpoints in order.
func Conversation(seq iter.Seq2[Checkpoint, error]) ([]Message, error) {
	var out []Message
	for cp, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Trace.Messages...)
	}
	return out, nil
}

// Outputs returns every output ever recorded for step, oldest first, as
// captured in the snapshot of the checkpoint that recorded it. The workflow
// state only points at the latest one; earlier revisions live here.
func Outputs(seq iter.Seq2[Checkpoint, error], step workflow.Step) ([]workflow.StepOutput, error) {
	var out []workflow.StepOutput
	for cp, err := range seq {
		if err != nil {
			return nil, err
		}
		for _, op := range cp.Ops {
			if op.Kind == workflow.OpRecordOutput && op.Step == step {
				out = append(out, cp.State.StepOutputs[step])
				break
			}
		}
	}
	return out, nil
}
