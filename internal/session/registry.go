// Package session tracks live sessions and serializes turns within each one.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session describes one user's ongoing interaction.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Held         bool      `json:"held"`
}

// Context is the session-scoped value handed explicitly to every collaborator
// call made on behalf of a turn.
type Context struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	sess Session
	// lock has capacity one; holding the token means owning the session.
	lock chan struct{}
	// refs counts holders plus waiters so eviction never drops a busy entry.
	refs int
}

// Registry maps session ids to their lock and bookkeeping. Sessions are
// independent: acquiring one never waits on another.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: map[string]*entry{},
		now:     time.Now,
		logger:  logger,
	}
}

// Handle is exclusive ownership of one session for the duration of a turn.
type Handle struct {
	r    *Registry
	e    *entry
	ctx  Context
	once sync.Once
}

func (h *Handle) ID() string { return h.ctx.SessionID }

// Context returns the explicit session-scoped context of the held session.
func (h *Handle) Context() Context { return h.ctx }

// Release gives the session back. Calling it more than once is a no-op.
func (h *Handle) Release() { h.r.Release(h) }

// Acquire returns an exclusive handle for id, creating the session when it is
// unknown. It blocks while another caller holds the same session and gives up
// when ctx is done.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		now := r.now().UTC()
		e = &entry{
			sess: Session{ID: id, CreatedAt: now, LastActivity: now},
			lock: make(chan struct{}, 1),
		}
		r.entries[id] = e
		r.logger.Debug().Str("session_id", id).Msg("session created")
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		e.refs--
		r.mu.Unlock()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	e.sess.LastActivity = r.now().UTC()
	e.sess.Held = true
	h := &Handle{r: r, e: e, ctx: Context{SessionID: id, CreatedAt: e.sess.CreatedAt}}
	r.mu.Unlock()
	return h, nil
}

// Release returns h to the registry. A nil or already released handle is ignored.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		r.mu.Lock()
		h.e.refs--
		h.e.sess.Held = false
		h.e.sess.LastActivity = r.now().UTC()
		r.mu.Unlock()
		<-h.e.lock
	})
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.sess, true
}

// List returns a snapshot of all live sessions ordered by id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.sess)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle forgets sessions that nobody holds or waits on and whose last
// activity is older than idle. Durable state is not touched; an evicted id is
// recreated on its next Acquire. It returns the evicted ids.
func (r *Registry) EvictIdle(now time.Time, idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, e := range r.entries {
		if e.refs > 0 {
			continue
		}
		if now.Sub(e.sess.LastActivity) > idle {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// RunJanitor calls EvictIdle every interval until ctx is done. onEvict, if
// set, receives each non-empty batch of evicted ids.
func (r *Registry) RunJanitor(ctx context.Context, interval, idle time.Duration, onEvict func(ids []string)) {
	if interval <= 0 || idle <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := r.EvictIdle(r.now(), idle); len(ids) > 0 {
				r.logger.Info().Strs("session_ids", ids).Dur("idle", idle).Msg("evicted idle sessions")
				if onEvict != nil {
					onEvict(ids)
				}
			}
		}
	}
}
