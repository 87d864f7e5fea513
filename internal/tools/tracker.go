package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

// fileStamp is what the session last saw of a file.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     string
}

// FileTracker remembers files this session has read so a write can detect that
// someone else changed the file in between. One tracker per session.
type FileTracker struct {
	mu    sync.Mutex
	files map[string]fileStamp
}

// NewFileTracker creates an empty tracker.
func NewFileTracker() *FileTracker {
	return &FileTracker{files: make(map[string]fileStamp)}
}

// MarkRead records the current state of path. Directories and missing files
// are ignored.
func (t *FileTracker) MarkRead(path string) error {
	path = filepath.Clean(path)
	st, ok, err := stamp(path)
	if err != nil || !ok {
		return err
	}
	t.mu.Lock()
	t.files[path] = st
	t.mu.Unlock()
	return nil
}

// Forget drops path from the tracker.
func (t *FileTracker) Forget(path string) {
	t.mu.Lock()
	delete(t.files, filepath.Clean(path))
	t.mu.Unlock()
}

// Tracked reports whether path has been read this session.
func (t *FileTracker) Tracked(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[filepath.Clean(path)]
	return ok
}

// Verify fails with FileExternallyModified when a tracked file changed on disk
// since it was last read. Untracked files pass.
func (t *FileTracker) Verify(path string) error {
	path = filepath.Clean(path)
	t.mu.Lock()
	prev, ok := t.files[path]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	cur, exists, err := stamp(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return agenterr.New(agenterr.KindFileExternallyModified, "tools.verify",
			fmt.Sprintf("%s was deleted since it was last read", path))
	}
	if cur.size == prev.size && cur.modTime.Equal(prev.modTime) {
		return nil
	}
	if cur.sum == prev.sum {
		// touched but identical content
		t.mu.Lock()
		t.files[path] = cur
		t.mu.Unlock()
		return nil
	}
	return agenterr.New(agenterr.KindFileExternallyModified, "tools.verify",
		fmt.Sprintf("%s was modified since it was last read; read it again before editing", path))
}

func stamp(path string) (fileStamp, bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fileStamp{}, false, nil
	}
	if err != nil {
		return fileStamp{}, false, err
	}
	if !info.Mode().IsRegular() {
		return fileStamp{}, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fileStamp{}, false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fileStamp{}, false, err
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size(), sum: hex.EncodeToString(h.Sum(nil))}, true, nil
}
