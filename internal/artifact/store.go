// Package artifact stores generated and uploaded content per session.
//
// Every artifact is written exactly once under a globally unique ULID and is
// immutable afterwards. Content is addressed by id; its BLAKE3 digest is kept
// in a metadata sidecar and checked on every read.
package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/storytime/internal/fsutil"
	"github.com/danshapiro/storytime/internal/session"
)

var (
	ErrNotFound  = errors.New("artifact not found")
	ErrIntegrity = errors.New("artifact content does not match its digest")
)

type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
	KindText  Kind = "text"
)

func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindFile, KindText:
		return true
	default:
		return false
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "images":
		return KindImage, nil
	case "file", "files":
		return KindFile, nil
	case "text", "texts":
		return KindText, nil
	default:
		return "", fmt.Errorf("invalid artifact kind %q", s)
	}
}

// Artifact is the metadata record of one stored item.
type Artifact struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name,omitempty"`
	MIME        string    `json:"mime"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
}

// Content is what callers hand to Put: either raw bytes or a path to a file
// on disk. Name and MIME are optional hints.
type Content struct {
	Data []byte
	Path string
	Name string
	MIME string
}

// Store is a filesystem-backed artifact store rooted at a single directory:
//
//	<root>/<session>/<kind>/<id>.bin   content
//	<root>/<session>/<kind>/<id>.json  metadata
type Store struct {
	root string
	now  func() time.Time

	mu       sync.Mutex
	index    map[string]string // artifact id -> metadata path
	sessions map[string]*sync.RWMutex
}

func Open(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root:     root,
		now:      time.Now,
		index:    map[string]string{},
		sessions: map[string]*sync.RWMutex{},
	}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) sessionLock(sessionID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[sessionID]
	if !ok {
		l = &sync.RWMutex{}
		s.sessions[sessionID] = l
	}
	return l
}

// Put stores c for sessionID and returns the new artifact id. The call returns
// only after content and metadata are durable on disk.
func (s *Store) Put(ctx context.Context, sessionID string, kind Kind, c Content) (string, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", fmt.Errorf("invalid artifact kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var src io.Reader
	switch {
	case c.Data != nil:
		src = bytes.NewReader(c.Data)
	case strings.TrimSpace(c.Path) != "":
		f, err := os.Open(c.Path)
		if err != nil {
			return "", fmt.Errorf("open artifact source: %w", err)
		}
		defer func() { _ = f.Close() }()
		src = f
		if c.Name == "" {
			c.Name = filepath.Base(c.Path)
		}
	default:
		return "", fmt.Errorf("artifact content is empty")
	}

	lock := s.sessionLock(sessionID)
	lock.RLock()
	defer lock.RUnlock()

	id := ulid.Make().String()
	dir := filepath.Join(s.root, sessionID, string(kind))
	binPath := filepath.Join(dir, id+".bin")
	metaPath := filepath.Join(dir, id+".json")

	h := blake3.New()
	var size int64
	err := fsutil.WriteAtomic(binPath, 0o644, func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, h), src)
		size = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write artifact content: %w", err)
	}

	a := Artifact{
		ID:          id,
		SessionID:   sessionID,
		Kind:        kind,
		Name:        c.Name,
		MIME:        detectMIME(c.MIME, c.Name),
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		Location:    binPath,
		CreatedAt:   s.now().UTC(),
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		_ = os.Remove(binPath)
		return "", err
	}
	if err := fsutil.WriteFileAtomic(metaPath, b, 0o644); err != nil {
		_ = os.Remove(binPath)
		return "", fmt.Errorf("write artifact metadata: %w", err)
	}

	s.mu.Lock()
	s.index[id] = metaPath
	s.mu.Unlock()
	return id, nil
}

// Stat returns the metadata of an artifact without reading its content.
func (s *Store) Stat(ctx context.Context, id string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	metaPath, err := s.locate(id)
	if err != nil {
		return Artifact{}, err
	}
	return readMeta(metaPath)
}

// Get returns the metadata and content of an artifact. Content is verified
// against the digest recorded at Put time.
func (s *Store) Get(ctx context.Context, id string) (Artifact, []byte, error) {
	a, err := s.Stat(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	lock := s.sessionLock(a.SessionID)
	lock.RLock()
	defer lock.RUnlock()

	data, err := os.ReadFile(a.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifact{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Artifact{}, nil, err
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != a.ContentHash {
		return Artifact{}, nil, fmt.Errorf("%w: %s", ErrIntegrity, id)
	}
	return a, data, nil
}

// ListForSession returns the ids of all artifacts stored for sessionID,
// optionally restricted to kinds, ordered by creation (ULID order).
func (s *Store) ListForSession(ctx context.Context, sessionID string, kinds ...Kind) ([]string, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kindPattern := "*"
	if len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			if !k.Valid() {
				return nil, fmt.Errorf("invalid artifact kind %q", k)
			}
			names = append(names, string(k))
		}
		kindPattern = "{" + strings.Join(names, ",") + "}"
	}

	lock := s.sessionLock(sessionID)
	lock.RLock()
	defer lock.RUnlock()

	matches, err := doublestar.Glob(os.DirFS(s.root), sessionID+"/"+kindPattern+"/*.json")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".json")
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		ids = append(ids, id)
		s.mu.Lock()
		s.index[id] = filepath.Join(s.root, filepath.FromSlash(m))
		s.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

// CleanupSession removes every artifact of sessionID. Other sessions are not
// blocked while it runs.
func (s *Store) CleanupSession(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		return err
	}
	prefix := filepath.Join(s.root, sessionID) + string(filepath.Separator)
	s.mu.Lock()
	for id, p := range s.index {
		if strings.HasPrefix(p, prefix) {
			delete(s.index, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// Delete removes a single artifact.
func (s *Store) Delete(ctx context.Context, id string) error {
	a, err := s.Stat(ctx, id)
	if err != nil {
		return err
	}
	lock := s.sessionLock(a.SessionID)
	lock.Lock()
	defer lock.Unlock()

	metaPath := strings.TrimSuffix(a.Location, ".bin") + ".json"
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(a.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return nil
}

// locate finds the metadata path of id, scanning the root when the id was
// written by an earlier process.
func (s *Store) locate(id string) (string, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	p, ok := s.index[id]
	s.mu.Unlock()
	if ok {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	matches, err := doublestar.Glob(os.DirFS(s.root), "*/*/"+id+".json")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p = filepath.Join(s.root, filepath.FromSlash(matches[0]))
	s.mu.Lock()
	s.index[id] = p
	s.mu.Unlock()
	return p, nil
}

func readMeta(path string) (Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode %s: %w", path, err)
	}
	// Location is derived from where the sidecar lives so a moved root still resolves.
	a.Location = strings.TrimSuffix(path, ".json") + ".bin"
	return a, nil
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".json": "application/json",
	".md":   "text/markdown",
}

func detectMIME(hint, name string) string {
	if h := strings.TrimSpace(hint); h != "" {
		return h
	}
	ext := strings.ToLower(filepath.Ext(name))
	if m, ok := mimeByExt[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}
