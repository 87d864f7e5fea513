package agenterr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_MatchesSentinel(t *testing.T) {
	err := Wrap(KindPersistence, "session.flush", io.ErrShortWrite)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.False(t, errors.Is(err, ErrDoomLoop))
	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.Equal(t, KindPersistence, KindOf(err))
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(KindPersistence, "op", nil))
}

func TestKindOf_ThroughFmtWrap(t *testing.T) {
	inner := New(KindPathNotAllowed, "pathguard", "/etc/hosts outside allowed paths")
	err := fmt.Errorf("dispatch write: %w", inner)

	assert.Equal(t, KindPathNotAllowed, KindOf(err))
	assert.True(t, errors.Is(err, ErrPathNotAllowed))
	assert.Contains(t, err.Error(), "/etc/hosts")
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestLockContentionError(t *testing.T) {
	err := fmt.Errorf("resume: %w", &LockContentionError{SessionID: "build_20260101_120000", HolderPID: 42})

	assert.True(t, errors.Is(err, ErrLockContention))
	assert.Equal(t, KindLockContention, KindOf(err))

	var lc *LockContentionError
	require.True(t, errors.As(err, &lc))
	assert.Equal(t, 42, lc.HolderPID)
}

func TestFatal(t *testing.T) {
	for _, k := range []Kind{KindDoomLoop, KindLockContention, KindLLMStream, KindPersistence} {
		assert.True(t, Fatal(k), k)
	}
	for _, k := range []Kind{KindPermissionDenied, KindPathNotAllowed, KindFileExternallyModified, KindToolExecution, KindCompaction} {
		assert.False(t, Fatal(k), k)
	}
}
