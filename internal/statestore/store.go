// Package statestore persists one workflow.State record per session.
//
// Stores guarantee atomic reads and writes of a single record. Serializing
// read-modify-write sequences across turns is the session registry's job.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danshapiro/storytime/internal/workflow"
)

// ErrUnavailable wraps every failure of the underlying storage so callers can
// tell infrastructure problems apart from workflow rule violations.
var ErrUnavailable = errors.New("state store unavailable")

type Store interface {
	// Load returns the stored state, or a fresh default state when none exists.
	Load(ctx context.Context, sessionID string) (workflow.State, error)
	// Save replaces the stored state. Readers never observe a partial write.
	Save(ctx context.Context, sessionID string, st workflow.State) error
	IsStepCompleted(ctx context.Context, sessionID string, step workflow.Step) (bool, error)
	// MarkApproved sets the approval flag of step. The step must have an output.
	// It writes no checkpoint, so it is only safe for a session that no engine
	// drives; approvals of live sessions go through engine.Approve, which logs
	// the transition first.
	MarkApproved(ctx context.Context, sessionID string, step workflow.Step) error
	CanAdvance(ctx context.Context, sessionID string, policy workflow.ApprovalPolicy) (bool, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// approve applies the approval rules shared by all backends. changed is false
// when step was already approved.
func approve(st workflow.State, step workflow.Step, at time.Time) (workflow.State, bool, error) {
	if st.IsStepApproved(step) {
		return st, false, nil
	}
	next, err := st.Apply(at, workflow.Approve(step))
	if err != nil {
		return st, false, err
	}
	return next, true, nil
}

// Helpers below implement the query half of Store on top of Load.

func isStepCompleted(ctx context.Context, s Store, sessionID string, step workflow.Step) (bool, error) {
	st, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.IsStepCompleted(step), nil
}

func canAdvance(ctx context.Context, s Store, sessionID string, policy workflow.ApprovalPolicy) (bool, error) {
	st, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.CanAdvance(policy), nil
}
