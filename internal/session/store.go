package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

const (
	metaFile    = "session.json"
	todosFile   = "todos.json"
	messagesDir = "messages"
)

// Store persists sessions under root/<session-id>/.
type Store struct {
	root     string
	debounce time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce sets the minimum interval between background flushes. Zero
// writes synchronously on every change.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithClock overrides time.Now, used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	s := &Store{
		root:     dir,
		debounce: 250 * time.Millisecond,
		now:      time.Now,
		logger:   logging.New().WithComponent("session"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Dir returns the root directory of one session.
func (s *Store) Dir(id string) string { return filepath.Join(s.root, id) }

// CreateOptions describe a new session.
type CreateOptions struct {
	AgentType  string
	WorkDir    string
	StartPaths []string
	Parent     string // parent session id for subagents
	Depth      int
	ID         string // explicit id; generated when empty
	Title      string
}

// Create makes a new session root, takes its lock and writes session.json.
func (s *Store) Create(opts CreateOptions) (*Handle, error) {
	if opts.AgentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}
	now := s.now().UTC()

	var id, dir string
	if opts.ID != "" {
		if err := ValidateID(opts.ID); err != nil {
			return nil, err
		}
		id, dir = opts.ID, s.Dir(opts.ID)
		if err := os.Mkdir(dir, 0755); err != nil {
			return nil, agenterr.Wrap(agenterr.KindPersistence, "session.create", err)
		}
	} else {
		base := NewID(opts.AgentType, now)
		if err := ValidateID(base); err != nil {
			return nil, err
		}
		for n := 1; ; n++ {
			id = base
			if n > 1 {
				id = fmt.Sprintf("%s_%d", base, n)
			}
			dir = s.Dir(id)
			err := os.Mkdir(dir, 0755)
			if err == nil {
				break
			}
			if !os.IsExist(err) {
				return nil, agenterr.Wrap(agenterr.KindPersistence, "session.create", err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, messagesDir), 0755); err != nil {
		return nil, agenterr.Wrap(agenterr.KindPersistence, "session.create", err)
	}

	lock, err := acquireLock(dir, id)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		store: s,
		dir:   dir,
		lock:  lock,
		meta: Session{
			ID:         id,
			AgentType:  opts.AgentType,
			Parent:     opts.Parent,
			Depth:      opts.Depth,
			Status:     StatusActive,
			WorkDir:    opts.WorkDir,
			StartPaths: opts.StartPaths,
			PID:        os.Getpid(),
			Title:      opts.Title,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		nextSeq:   1,
		dirtyMeta: true,
	}
	if err := h.Flush(); err != nil {
		lock.release()
		return nil, err
	}
	s.logger.Info("session created", map[string]interface{}{
		"session": id,
		"agent":   opts.AgentType,
		"workdir": opts.WorkDir,
	})
	return h, nil
}

// Resume takes the session lock and rebuilds the session from disk: metadata,
// then messages in sequence order, then todos. Completed and errored sessions
// cannot be resumed.
func (s *Store) Resume(id string) (*Handle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := s.Dir(id)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		return nil, fmt.Errorf("session %s not found: %w", id, err)
	}

	lock, err := acquireLock(dir, id)
	if err != nil {
		return nil, err
	}

	snap, err := readSnapshot(dir)
	if err != nil {
		lock.release()
		return nil, err
	}
	if snap.Session.Status.Terminal() {
		lock.release()
		return nil, fmt.Errorf("session %s is %s and cannot be resumed", id, snap.Session.Status)
	}

	h := &Handle{
		store:    s,
		dir:      dir,
		lock:     lock,
		meta:     snap.Session,
		messages: snap.Messages,
		todos:    snap.Todos,
		nextSeq:  len(snap.Messages) + 1,
		flushed:  len(snap.Messages),
	}
	if h.meta.Status == StatusPaused {
		h.meta.Status = StatusActive
	}
	h.meta.PID = os.Getpid()
	h.meta.Reason = ""
	h.meta.Error = ""
	h.meta.LastSeq = len(snap.Messages)
	h.dirtyMeta = true
	if err := h.Flush(); err != nil {
		lock.release()
		return nil, err
	}
	s.logger.Info("session resumed", map[string]interface{}{
		"session":  id,
		"messages": len(snap.Messages),
		"todos":    len(snap.Todos),
	})
	return h, nil
}

// Load reads a session without locking it. The result may be mid-update if a
// live process owns the session.
func (s *Store) Load(id string) (*Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return readSnapshot(s.Dir(id))
}

// List returns the metadata of every session in the store, oldest first.
func (s *Store) List() ([]Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}
	var out []Session
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		var meta Session
		if err := readJSON(filepath.Join(s.root, e.Name(), metaFile), &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func readSnapshot(dir string) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := readJSON(filepath.Join(dir, metaFile), &snap.Session); err != nil {
		return nil, agenterr.Wrap(agenterr.KindPersistence, "session.load", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, messagesDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, agenterr.Wrap(agenterr.KindPersistence, "session.load", err)
	}
	seqs := make([]int, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue // atomic writer temp files
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		if seq != i+1 {
			return nil, agenterr.New(agenterr.KindPersistence, "session.load",
				fmt.Sprintf("message sequence gap: expected %d, found %d", i+1, seq))
		}
		var m Message
		if err := readJSON(filepath.Join(dir, messagesDir, messageName(seq)), &m); err != nil {
			return nil, agenterr.Wrap(agenterr.KindPersistence, "session.load", err)
		}
		if m.Seq != seq {
			return nil, agenterr.New(agenterr.KindPersistence, "session.load",
				fmt.Sprintf("message file %d carries seq %d", seq, m.Seq))
		}
		snap.Messages = append(snap.Messages, m)
	}

	if err := readJSON(filepath.Join(dir, todosFile), &snap.Todos); err != nil && !os.IsNotExist(err) {
		return nil, agenterr.Wrap(agenterr.KindPersistence, "session.load", err)
	}
	return snap, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, data, 0644)
}

func messageName(seq int) string {
	return fmt.Sprintf("%08d.json", seq)
}

// Handle is an open, locked session. Mutations are buffered in memory and
// written by a debounced background flush or an explicit Flush.
type Handle struct {
	store *Store
	dir   string
	lock  *sessionLock

	mu         sync.Mutex
	meta       Session
	messages   []Message
	todos      []Todo
	nextSeq    int
	flushed    int // highest message seq on disk
	dirtyMeta  bool
	dirtyTodos bool
	timer      *time.Timer
	flushErr   error
	closed     bool
}

// ID returns the session id.
func (h *Handle) ID() string { return h.meta.ID }

// Dir returns the session root directory.
func (h *Handle) Dir() string { return h.dir }

// Meta returns a copy of the session metadata.
func (h *Handle) Meta() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.meta
	m.StartPaths = append([]string(nil), h.meta.StartPaths...)
	m.Compactions = append([]CompactionEvent(nil), h.meta.Compactions...)
	return m
}

// Messages returns a copy of the full persisted-order transcript.
func (h *Handle) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

// Todos returns a copy of the task list.
func (h *Handle) Todos() []Todo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Todo(nil), h.todos...)
}

// Append assigns the next sequence number to m and schedules it for writing.
func (h *Handle) Append(m Message) (Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usableLocked(); err != nil {
		return Message{}, err
	}
	m.Seq = h.nextSeq
	h.nextSeq++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = h.store.now().UTC()
	}
	for i := range m.ToolCalls {
		m.ToolCalls[i].MessageSeq = m.Seq
	}
	h.messages = append(h.messages, m)
	h.meta.LastSeq = m.Seq
	h.dirtyMeta = true
	h.scheduleLocked()
	return m, nil
}

// SetTodos replaces the task list.
func (h *Handle) SetTodos(todos []Todo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usableLocked(); err != nil {
		return err
	}
	h.todos = append([]Todo(nil), todos...)
	h.dirtyTodos = true
	h.scheduleLocked()
	return nil
}

// Update mutates metadata fields other than status.
func (h *Handle) Update(fn func(*Session)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usableLocked(); err != nil {
		return err
	}
	status := h.meta.Status
	fn(&h.meta)
	h.meta.Status = status
	h.dirtyMeta = true
	h.scheduleLocked()
	return nil
}

// SetStatus moves the session to a new status, recording the reason.
func (h *Handle) SetStatus(to Status, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.Status == to {
		h.meta.Reason = reason
		h.dirtyMeta = true
		h.scheduleLocked()
		return nil
	}
	if !CanTransition(h.meta.Status, to) {
		return fmt.Errorf("invalid session transition %s -> %s", h.meta.Status, to)
	}
	h.meta.Status = to
	h.meta.Reason = reason
	h.dirtyMeta = true
	h.scheduleLocked()
	return nil
}

// RecordCompaction appends a compaction event to the session history.
func (h *Handle) RecordCompaction(ev CompactionEvent) error {
	return h.Update(func(s *Session) {
		s.Compactions = append(s.Compactions, ev)
	})
}

// Flush writes every pending change now. Messages are written in sequence
// order before metadata, so a crash mid-flush leaves a gap-free prefix.
func (h *Handle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.flushErr != nil {
		return h.flushErr
	}
	if err := h.flushLocked(); err != nil {
		h.flushErr = err
		return err
	}
	return nil
}

// Close flushes pending writes and releases the session lock. It is safe to
// call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	flushErr := h.Flush()

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if err := h.lock.release(); err != nil && flushErr == nil {
		return agenterr.Wrap(agenterr.KindPersistence, "session.unlock", err)
	}
	return flushErr
}

func (h *Handle) usableLocked() error {
	if h.closed {
		return agenterr.New(agenterr.KindPersistence, "session", "session handle is closed")
	}
	return h.flushErr
}

func (h *Handle) scheduleLocked() {
	if h.store.debounce <= 0 {
		if err := h.flushLocked(); err != nil {
			h.flushErr = err
		}
		return
	}
	if h.timer == nil {
		h.timer = time.AfterFunc(h.store.debounce, h.timedFlush)
	}
}

func (h *Handle) timedFlush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = nil
	if h.flushErr != nil || h.closed {
		return
	}
	if err := h.flushLocked(); err != nil {
		h.flushErr = err
		h.store.logger.Error("background flush failed", map[string]interface{}{
			"session": h.meta.ID,
			"error":   err.Error(),
		})
	}
}

func (h *Handle) flushLocked() error {
	for _, m := range h.messages[h.flushed:] {
		if err := writeJSON(filepath.Join(h.dir, messagesDir, messageName(m.Seq)), m); err != nil {
			return agenterr.Wrap(agenterr.KindPersistence, "session.flush", err)
		}
		h.flushed = m.Seq
	}
	if h.dirtyTodos {
		if err := writeJSON(filepath.Join(h.dir, todosFile), h.todos); err != nil {
			return agenterr.Wrap(agenterr.KindPersistence, "session.flush", err)
		}
		h.dirtyTodos = false
	}
	if h.dirtyMeta {
		h.meta.UpdatedAt = h.store.now().UTC()
		if err := writeJSON(filepath.Join(h.dir, metaFile), h.meta); err != nil {
			return agenterr.Wrap(agenterr.KindPersistence, "session.flush", err)
		}
		h.dirtyMeta = false
	}
	return nil
}
