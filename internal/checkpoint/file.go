package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/storytime/internal/fsutil"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/workflow"
)

const recordExt = ".msgpack"

// FileLog stores each checkpoint as one msgpack file:
//
//	<root>/<session>/<seq, zero padded>.msgpack
//
// A record file is created exclusively, so a sequence number can be claimed
// only once even across processes sharing the directory.
type FileLog struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileLog(root string) (*FileLog, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileLog{root: root, now: time.Now, locks: map[string]*sync.Mutex{}}, nil
}

func (l *FileLog) dir(sessionID string) string { return filepath.Join(l.root, sessionID) }

func (l *FileLog) recordPath(sessionID string, seq uint64) string {
	return filepath.Join(l.dir(sessionID), fmt.Sprintf("%020d%s", seq, recordExt))
}

func (l *FileLog) lock(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *FileLog) Append(ctx context.Context, sessionID string, node Node, st workflow.State, ops []workflow.Op, trace Trace) (uint64, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return 0, err
	}
	if !node.Valid() {
		return 0, fmt.Errorf("append checkpoint: %q is not a resume node", node)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := l.lock(sessionID)
	defer unlock()

	// Another process may claim the same seq between listing and linking; the
	// exclusive create detects that and we move on to the next number.
	for attempt := 0; attempt < 8; attempt++ {
		seqs, err := l.seqs(sessionID)
		if err != nil {
			return 0, err
		}
		var seq uint64 = 1
		if n := len(seqs); n > 0 {
			seq = seqs[n-1] + 1
		}
		cp := Checkpoint{
			ID:        ulid.Make().String(),
			SessionID: sessionID,
			Seq:       seq,
			Node:      node,
			State:     st.Clone(),
			Ops:       append([]workflow.Op(nil), ops...),
			Trace:     trace,
			CreatedAt: l.now().UTC(),
		}
		b, err := encode(cp)
		if err != nil {
			return 0, err
		}
		err = fsutil.CreateExclusive(l.recordPath(sessionID, seq), b, 0o644)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("append checkpoint %d: %w", seq, err)
		}
	}
	return 0, fmt.Errorf("append checkpoint: sequence contended")
}

func (l *FileLog) List(ctx context.Context, sessionID string) iter.Seq2[Checkpoint, error] {
	return func(yield func(Checkpoint, error) bool) {
		if err := session.ValidateID(sessionID); err != nil {
			yield(Checkpoint{}, err)
			return
		}
		seqs, err := l.seqs(sessionID)
		if err != nil {
			yield(Checkpoint{}, err)
			return
		}
		for _, seq := range seqs {
			if err := ctx.Err(); err != nil {
				yield(Checkpoint{}, err)
				return
			}
			cp, err := l.read(sessionID, seq)
			if errors.Is(err, ErrNotFound) {
				// Pruned while we were walking.
				continue
			}
			if !yield(cp, err) || err != nil {
				return
			}
		}
	}
}

func (l *FileLog) Latest(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return Checkpoint{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	seqs, err := l.seqs(sessionID)
	if err != nil || len(seqs) == 0 {
		return Checkpoint{}, false, err
	}
	cp, err := l.read(sessionID, seqs[len(seqs)-1])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (l *FileLog) Get(ctx context.Context, sessionID string, seq uint64) (Checkpoint, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	return l.read(sessionID, seq)
}

// Prune deletes all but the newest keepLast checkpoints of a session and
// returns how many were removed. The newest record always survives so
// sequence numbers are never reissued.
func (l *FileLog) Prune(ctx context.Context, sessionID string, keepLast int) (int, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return 0, err
	}
	if keepLast < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keepLast)
	}
	unlock := l.lock(sessionID)
	defer unlock()

	seqs, err := l.seqs(sessionID)
	if err != nil {
		return 0, err
	}
	if len(seqs) <= keepLast {
		return 0, nil
	}
	removed := 0
	for _, seq := range seqs[:len(seqs)-keepLast] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(l.recordPath(sessionID, seq)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Sessions lists the ids that have at least one checkpoint.
func (l *FileLog) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && session.ValidateID(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *FileLog) seqs(sessionID string) ([]uint64, error) {
	entries, err := os.ReadDir(l.dir(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, recordExt), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (l *FileLog) read(sessionID string, seq uint64) (Checkpoint, error) {
	b, err := os.ReadFile(l.recordPath(sessionID, seq))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%w: %s #%d", ErrNotFound, sessionID, seq)
		}
		return Checkpoint{}, err
	}
	cp, err := decode(b)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %s #%d: %v", ErrCorrupt, sessionID, seq, err)
	}
	if cp.Seq != seq || cp.SessionID != sessionID {
		return Checkpoint{}, fmt.Errorf("%w: %s #%d holds %s #%d", ErrCorrupt, sessionID, seq, cp.SessionID, cp.Seq)
	}
	return cp, nil
}

// Records share field names with the JSON API.
func encode(cp Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(cp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte) (Checkpoint, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	var cp Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return Checkpoint{}, err
	}
	if cp.State.StepOutputs == nil {
		cp.State.StepOutputs = map[workflow.Step]workflow.StepOutput{}
	}
	if cp.State.Approvals == nil {
		cp.State.Approvals = map[workflow.Step]bool{}
	}
	return cp, nil
}
