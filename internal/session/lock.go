package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

const (
	lockFile      = "lock"
	recoverSuffix = ".recover"
)

// unreadable lock files younger than this are assumed to be mid-write.
const lockSettle = 5 * time.Second

// held tracks locks owned by this process, so a second handle on the same
// session inside one process is also contention.
var held sync.Map // lock path -> struct{}

type lockInfo struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionLock is an exclusive, pid-keyed lock on a session root.
type sessionLock struct {
	path string
	once sync.Once
}

// processAlive is replaceable in tests.
var processAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}

func acquireLock(dir, sessionID string) (*sessionLock, error) {
	path := filepath.Join(dir, lockFile)
	if _, loaded := held.LoadOrStore(path, struct{}{}); loaded {
		return nil, &agenterr.LockContentionError{SessionID: sessionID, HolderPID: os.Getpid(), Path: path}
	}
	fail := func(err error) (*sessionLock, error) {
		held.Delete(path)
		return nil, err
	}

	err := createLockFile(path)
	if err == nil {
		return &sessionLock{path: path}, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fail(agenterr.Wrap(agenterr.KindPersistence, "session.lock", err))
	}
	info, stale := inspectLock(path)
	if !stale {
		return fail(&agenterr.LockContentionError{SessionID: sessionID, HolderPID: info.PID, Path: path})
	}
	if err := recoverStale(path, sessionID); err != nil {
		return fail(err)
	}
	return &sessionLock{path: path}, nil
}

// recoverStale replaces a stale lock. Recoverers are serialized by an
// exclusive guard file, and the lock is judged again under the guard because
// another process may have recovered it after our first look.
func recoverStale(path, sessionID string) error {
	guard := path + recoverSuffix
	if err := createLockFile(guard); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return agenterr.Wrap(agenterr.KindPersistence, "session.lock", err)
		}
		// a guard left by a crashed recoverer is cleared for the next attempt
		if st, statErr := os.Stat(guard); statErr == nil && time.Since(st.ModTime()) > lockSettle {
			os.Remove(guard)
		}
		return &agenterr.LockContentionError{SessionID: sessionID, HolderPID: LockHolder(filepath.Dir(path)), Path: path}
	}
	defer os.Remove(guard)

	info, stale := inspectLock(path)
	if !stale {
		return &agenterr.LockContentionError{SessionID: sessionID, HolderPID: info.PID, Path: path}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return agenterr.Wrap(agenterr.KindPersistence, "session.lock", fmt.Errorf("remove stale lock: %w", err))
	}
	if err := createLockFile(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &agenterr.LockContentionError{SessionID: sessionID, HolderPID: LockHolder(filepath.Dir(path)), Path: path}
		}
		return agenterr.Wrap(agenterr.KindPersistence, "session.lock", err)
	}
	if pid := LockHolder(filepath.Dir(path)); pid != os.Getpid() {
		return &agenterr.LockContentionError{SessionID: sessionID, HolderPID: pid, Path: path}
	}
	return nil
}

func createLockFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	data, _ := json.Marshal(lockInfo{PID: os.Getpid(), Host: host, CreatedAt: time.Now().UTC()})
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// inspectLock reads a lock held by someone else and decides whether it is stale.
func inspectLock(path string) (lockInfo, bool) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		// vanished between create and read: let the caller retry
		return info, os.IsNotExist(err)
	}
	if err := json.Unmarshal(data, &info); err != nil || info.PID == 0 {
		st, statErr := os.Stat(path)
		return info, statErr == nil && time.Since(st.ModTime()) > lockSettle
	}
	if info.PID == os.Getpid() {
		// not in the held map, so it was left by an earlier process with our pid
		return info, true
	}
	return info, !processAlive(info.PID)
}

func (l *sessionLock) release() error {
	var err error
	l.once.Do(func() {
		held.Delete(l.path)
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

// LockHolder returns the pid recorded in a session's lock file, or 0.
func LockHolder(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, lockFile))
	if err != nil {
		return 0
	}
	var info lockInfo
	if json.Unmarshal(data, &info) != nil {
		return 0
	}
	return info.PID
}
