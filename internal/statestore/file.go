package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danshapiro/storytime/internal/fsutil"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

// FileStore keeps one JSON document per session under root.
type FileStore struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, unavailable("create root", err)
	}
	return &FileStore{root: root, now: time.Now, locks: map[string]*sync.Mutex{}}, nil
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.root, sessionID+".json")
}

func (f *FileStore) lock(sessionID string) func() {
	f.mu.Lock()
	l, ok := f.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[sessionID] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (f *FileStore) Load(ctx context.Context, sessionID string) (workflow.State, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return workflow.State{}, err
	}
	if err := ctx.Err(); err != nil {
		return workflow.State{}, err
	}
	return f.load(sessionID)
}

func (f *FileStore) load(sessionID string) (workflow.State, error) {
	b, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workflow.New(f.now()), nil
		}
		return workflow.State{}, unavailable("read state", err)
	}
	var st workflow.State
	if err := json.Unmarshal(b, &st); err != nil {
		return workflow.State{}, unavailable("decode state", err)
	}
	normalize(&st)
	return st, nil
}

func (f *FileStore) Save(ctx context.Context, sessionID string, st workflow.State) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.lock(sessionID)
	defer unlock()
	return f.save(sessionID, st)
}

func (f *FileStore) save(sessionID string, st workflow.State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return unavailable("encode state", err)
	}
	if err := fsutil.WriteFileAtomic(f.path(sessionID), b, 0o644); err != nil {
		return unavailable("write state", err)
	}
	return nil
}

func (f *FileStore) IsStepCompleted(ctx context.Context, sessionID string, step workflow.Step) (bool, error) {
	return isStepCompleted(ctx, f, sessionID, step)
}

func (f *FileStore) CanAdvance(ctx context.Context, sessionID string, policy workflow.ApprovalPolicy) (bool, error) {
	return canAdvance(ctx, f, sessionID, policy)
}

func (f *FileStore) MarkApproved(ctx context.Context, sessionID string, step workflow.Step) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.lock(sessionID)
	defer unlock()

	st, err := f.load(sessionID)
	if err != nil {
		return err
	}
	next, changed, err := approve(st, step, f.now())
	if err != nil || !changed {
		return err
	}
	return f.save(sessionID, next)
}

// normalize restores empty maps dropped by encoders so callers can write to them.
func normalize(st *workflow.State) {
	if st.StepOutputs == nil {
		st.StepOutputs = map[workflow.Step]workflow.StepOutput{}
	}
	if st.Approvals == nil {
		st.Approvals = map[workflow.Step]bool{}
	}
	if st.CurrentStep == "" {
		st.CurrentStep = workflow.StepDiscovery
	}
}
