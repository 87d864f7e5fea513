// Package agenterr defines the runtime's error taxonomy.
//
// Every error that crosses a component boundary carries a Kind. Callers match on
// kinds with errors.Is against the sentinel values, or read the kind directly
// with KindOf.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindPermissionDenied       Kind = "permission-denied"
	KindPathNotAllowed         Kind = "path-not-allowed"
	KindFileExternallyModified Kind = "file-externally-modified"
	KindDoomLoop               Kind = "doom-loop-detected"
	KindLockContention         Kind = "session-lock-contention"
	KindToolExecution          Kind = "tool-execution-error"
	KindLLMStream              Kind = "llm-stream-error"
	KindCompaction             Kind = "compaction-failure"
	KindPersistence            Kind = "persistence-error"
	KindInterrupted            Kind = "user-interrupted"
)

// Sentinels for errors.Is matching.
var (
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrPathNotAllowed         = &Error{Kind: KindPathNotAllowed}
	ErrFileExternallyModified = &Error{Kind: KindFileExternallyModified}
	ErrDoomLoop               = &Error{Kind: KindDoomLoop}
	ErrLockContention         = &Error{Kind: KindLockContention}
	ErrToolExecution          = &Error{Kind: KindToolExecution}
	ErrLLMStream              = &Error{Kind: KindLLMStream}
	ErrCompaction             = &Error{Kind: KindCompaction}
	ErrPersistence            = &Error{Kind: KindPersistence}
	ErrInterrupted            = &Error{Kind: KindInterrupted}
)

// Error is a classified runtime error.
type Error struct {
	Kind Kind
	Op   string // operation or component that failed
	Msg  string
	Err  error
}

// New creates a classified error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var lc *LockContentionError
	if errors.As(err, &lc) {
		return KindLockContention
	}
	return ""
}

// Fatal reports whether an error of this kind terminates the session.
func Fatal(kind Kind) bool {
	switch kind {
	case KindDoomLoop, KindLockContention, KindLLMStream, KindPersistence:
		return true
	}
	return false
}

// LockContentionError is returned when another live process holds a session lock.
type LockContentionError struct {
	SessionID string
	HolderPID int
	Path      string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("session %s is locked by pid %d (%s)", e.SessionID, e.HolderPID, e.Path)
}

// Is lets errors.Is(err, ErrLockContention) match.
func (e *LockContentionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindLockContention
}
