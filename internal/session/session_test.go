// Package session provides session management and persistence.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("create store error: %v", err)
	}
	return store
}

func TestSession_CreateLayout(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))

	h, err := store.Create(CreateOptions{AgentType: "build", WorkDir: "/ws"})
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	defer h.Close()

	if ok, _ := regexp.MatchString(`^build_\d{8}_\d{6}$`, h.ID()); !ok {
		t.Errorf("unexpected id format: %s", h.ID())
	}
	if _, err := os.Stat(filepath.Join(h.Dir(), "session.json")); err != nil {
		t.Errorf("session.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.Dir(), "messages")); err != nil {
		t.Errorf("messages dir missing: %v", err)
	}
	meta := h.Meta()
	if meta.Status != StatusActive {
		t.Errorf("expected active, got %s", meta.Status)
	}
	if meta.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), meta.PID)
	}
}

func TestSession_UniqueIDsWithinSecond(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 10, 11, 12, 0, time.UTC)
	store := newTestStore(t, WithDebounce(0), WithClock(func() time.Time { return fixed }))

	a, err := store.Create(CreateOptions{AgentType: "build"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := store.Create(CreateOptions{AgentType: "build"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.ID() != "build_20260304_101112" {
		t.Errorf("unexpected first id: %s", a.ID())
	}
	if a.ID() == b.ID() {
		t.Error("ids collided")
	}
	if err := ValidateID(b.ID()); err != nil {
		t.Errorf("second id invalid: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	bad := []string{"", "a/b", `a\b`, "a..b", ".hidden", "..", "x\x00"}
	for _, id := range bad {
		if err := ValidateID(id); err == nil {
			t.Errorf("expected %q to be rejected", id)
		}
	}
	good := []string{"build_20260101_120000", "build_20260101_120000-explore1", "plan_20260101_120000_2"}
	for _, id := range good {
		if err := ValidateID(id); err != nil {
			t.Errorf("expected %q to be valid: %v", id, err)
		}
	}
}

func TestSession_AppendAssignsContiguousSeq(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, err := store.Create(CreateOptions{AgentType: "build"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	for i := 0; i < 3; i++ {
		m, err := h.Append(Message{Role: RoleUser, Content: "hi", Seq: 99})
		if err != nil {
			t.Fatalf("append error: %v", err)
		}
		if m.Seq != i+1 {
			t.Errorf("expected seq %d, got %d", i+1, m.Seq)
		}
	}
	for seq := 1; seq <= 3; seq++ {
		if _, err := os.Stat(filepath.Join(h.Dir(), "messages", messageName(seq))); err != nil {
			t.Errorf("message %d not written: %v", seq, err)
		}
	}
}

func TestSession_ToolCallsCarryMessageSeq(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	defer h.Close()

	h.Append(Message{Role: RoleUser, Content: "go"})
	m, _ := h.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "read"}}})
	if m.ToolCalls[0].MessageSeq != 2 {
		t.Errorf("expected message seq 2, got %d", m.ToolCalls[0].MessageSeq)
	}
}

func TestSession_DebounceDefersWrites(t *testing.T) {
	store := newTestStore(t, WithDebounce(time.Hour))
	h, err := store.Create(CreateOptions{AgentType: "build"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	h.Append(Message{Role: RoleUser, Content: "one"})
	path := filepath.Join(h.Dir(), "messages", messageName(1))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected message to be buffered, stat err=%v", err)
	}

	if err := h.Flush(); err != nil {
		t.Fatalf("flush error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected message on disk after flush: %v", err)
	}
}

func TestSession_DebounceFlushesInBackground(t *testing.T) {
	store := newTestStore(t, WithDebounce(10*time.Millisecond))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	defer h.Close()

	h.Append(Message{Role: RoleUser, Content: "one"})
	h.Append(Message{Role: RoleAssistant, Content: "two"})

	path := filepath.Join(h.Dir(), "messages", messageName(2))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_CloseForcesFinalFlush(t *testing.T) {
	store := newTestStore(t, WithDebounce(time.Hour))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()

	h.Append(Message{Role: RoleUser, Content: "keep me"})
	h.SetTodos([]Todo{{ID: "1", Content: "write tests", Status: TodoPending}})
	if err := h.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	snap, err := store.Load(id)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "keep me" {
		t.Errorf("unexpected messages: %+v", snap.Messages)
	}
	if len(snap.Todos) != 1 {
		t.Errorf("expected 1 todo, got %d", len(snap.Todos))
	}
	if err := h.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
	if _, err := h.Append(Message{Role: RoleUser}); err == nil {
		t.Error("append after close should fail")
	}
}

func TestSession_ResumeReplaysInOrder(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build", WorkDir: "/ws"})
	id := h.ID()
	for i := 0; i < 12; i++ {
		h.Append(Message{Role: RoleUser, Content: strings.Repeat("x", i)})
	}
	h.SetTodos([]Todo{{ID: "a", Content: "task", Status: TodoInProgress}})
	h.SetStatus(StatusPaused, "user-interrupted")
	h.Close()

	r, err := store.Resume(id)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	defer r.Close()

	msgs := r.Messages()
	if len(msgs) != 12 {
		t.Fatalf("expected 12 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 || len(m.Content) != i {
			t.Errorf("message %d out of order: seq=%d len=%d", i, m.Seq, len(m.Content))
		}
	}
	if got := r.Meta().Status; got != StatusActive {
		t.Errorf("expected resumed session to be active, got %s", got)
	}
	if len(r.Todos()) != 1 {
		t.Errorf("todos not restored")
	}

	next, _ := r.Append(Message{Role: RoleUser, Content: "after"})
	if next.Seq != 13 {
		t.Errorf("expected seq 13 after resume, got %d", next.Seq)
	}
}

func TestSession_ResumeAfterCrash(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	h.Append(Message{Role: RoleUser, Content: "one"})
	h.Append(Message{Role: RoleAssistant, Content: "two"})

	// Simulate a crash: the handle is abandoned with its lock file in place,
	// owned by a process that no longer exists.
	lockPath := filepath.Join(h.Dir(), lockFile)
	held.Delete(lockPath)
	data, _ := json.Marshal(lockInfo{PID: 999999, CreatedAt: time.Now()})
	os.WriteFile(lockPath, data, 0644)

	orig := processAlive
	processAlive = func(pid int) bool { return false }
	defer func() { processAlive = orig }()

	r, err := store.Resume(id)
	if err != nil {
		t.Fatalf("resume after crash error: %v", err)
	}
	defer r.Close()

	if len(r.Messages()) != 2 {
		t.Errorf("expected 2 messages, got %d", len(r.Messages()))
	}
	if LockHolder(r.Dir()) != os.Getpid() {
		t.Errorf("lock not re-acquired by this process")
	}
}

func TestSession_LockContentionSameProcess(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	defer h.Close()

	_, err := store.Resume(h.ID())
	if err == nil {
		t.Fatal("expected lock contention")
	}
	if !errors.Is(err, agenterr.ErrLockContention) {
		t.Errorf("expected SessionLockContention, got %v", err)
	}
}

func TestSession_LockContentionLiveProcess(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	h.SetStatus(StatusPaused, "")
	h.Close()

	// Another live process holds the lock.
	data, _ := json.Marshal(lockInfo{PID: 4242, CreatedAt: time.Now()})
	os.WriteFile(filepath.Join(store.Dir(id), lockFile), data, 0644)

	orig := processAlive
	processAlive = func(pid int) bool { return pid == 4242 }
	defer func() { processAlive = orig }()

	_, err := store.Resume(id)
	var lc *agenterr.LockContentionError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LockContentionError, got %v", err)
	}
	if lc.HolderPID != 4242 {
		t.Errorf("expected holder 4242, got %d", lc.HolderPID)
	}
}

func TestSession_StaleLockRecoveredByAnotherProcess(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	h.SetStatus(StatusPaused, "")
	h.Close()

	lockPath := filepath.Join(store.Dir(id), lockFile)
	data, _ := json.Marshal(lockInfo{PID: 999999, CreatedAt: time.Now()})
	os.WriteFile(lockPath, data, 0644)

	// Process 4242 takes over the stale lock right after we judge it stale.
	orig := processAlive
	processAlive = func(pid int) bool {
		if pid == 999999 {
			fresh, _ := json.Marshal(lockInfo{PID: 4242, CreatedAt: time.Now()})
			os.WriteFile(lockPath, fresh, 0644)
			return false
		}
		return pid == 4242
	}
	defer func() { processAlive = orig }()

	_, err := store.Resume(id)
	var lc *agenterr.LockContentionError
	if !errors.As(err, &lc) {
		t.Fatalf("expected LockContentionError, got %v", err)
	}
	if lc.HolderPID != 4242 {
		t.Errorf("expected holder 4242, got %d", lc.HolderPID)
	}
	if LockHolder(store.Dir(id)) != 4242 {
		t.Errorf("lock of the live holder was replaced")
	}
	if _, err := os.Stat(lockPath + recoverSuffix); !os.IsNotExist(err) {
		t.Errorf("recovery guard left behind: %v", err)
	}
}

func TestSession_ConcurrentStaleRecovery(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	h.SetStatus(StatusPaused, "")
	h.Close()

	lockPath := filepath.Join(store.Dir(id), lockFile)
	data, _ := json.Marshal(lockInfo{PID: 999999, CreatedAt: time.Now()})
	os.WriteFile(lockPath, data, 0644)
	// another process is mid-recovery
	os.WriteFile(lockPath+recoverSuffix, []byte(`{"pid":4242}`), 0644)

	orig := processAlive
	processAlive = func(pid int) bool { return pid == 4242 }
	defer func() { processAlive = orig }()

	_, err := store.Resume(id)
	if !errors.Is(err, agenterr.ErrLockContention) {
		t.Fatalf("expected lock contention, got %v", err)
	}
	if LockHolder(store.Dir(id)) != 999999 {
		t.Errorf("lock touched while another recovery was running")
	}
}

func TestSession_StatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusErrored, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusActive, false},
		{StatusErrored, StatusActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestSession_CompletedCannotResume(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	if err := h.SetStatus(StatusCompleted, "completed"); err != nil {
		t.Fatal(err)
	}
	if err := h.SetStatus(StatusActive, ""); err == nil {
		t.Error("completed -> active must be rejected")
	}
	h.Close()

	if _, err := store.Resume(id); err == nil {
		t.Error("expected completed session resume to fail")
	}
}

func TestSession_LoadDetectsGap(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	for i := 0; i < 3; i++ {
		h.Append(Message{Role: RoleUser})
	}
	h.Close()
	os.Remove(filepath.Join(h.Dir(), "messages", messageName(2)))

	_, err := store.Load(h.ID())
	if !errors.Is(err, agenterr.ErrPersistence) {
		t.Errorf("expected persistence error for gap, got %v", err)
	}
}

func TestSession_List(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	a, _ := store.Create(CreateOptions{AgentType: "build"})
	a.Close()
	b, _ := store.Create(CreateOptions{AgentType: "plan"})
	b.Close()
	os.MkdirAll(filepath.Join(store.Root(), ".trash"), 0755)

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
}

func TestSession_RecordCompaction(t *testing.T) {
	store := newTestStore(t, WithDebounce(0))
	h, _ := store.Create(CreateOptions{AgentType: "build"})
	id := h.ID()
	h.RecordCompaction(CompactionEvent{FromSeq: 1, ToSeq: 4, Policy: "prune", TokensBefore: 900, TokensAfter: 300})
	h.Close()

	snap, _ := store.Load(id)
	if len(snap.Session.Compactions) != 1 || snap.Session.Compactions[0].ToSeq != 4 {
		t.Errorf("compaction event not persisted: %+v", snap.Session.Compactions)
	}
}
