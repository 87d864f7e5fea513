package doomloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/agenterr"
)

func TestFingerprint_CanonicalArgs(t *testing.T) {
	a := Fingerprint("read", map[string]interface{}{"path": "a.go", "offset": 1})
	b := Fingerprint("read", map[string]interface{}{"offset": 1, "path": "a.go"})
	c := Fingerprint("read", map[string]interface{}{"path": "b.go", "offset": 1})
	d := Fingerprint("write", map[string]interface{}{"path": "a.go", "offset": 1})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestDetector_FiveIdenticalTrips(t *testing.T) {
	d := New(5, 0)
	fp := Fingerprint("bash", map[string]interface{}{"command": "make"})

	for i := 1; i <= 4; i++ {
		require.NoError(t, d.Check(fp))
		require.NoError(t, d.Record(fp, i), "call %d", i)
	}
	require.NoError(t, d.Check(fp))
	err := d.Record(fp, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrDoomLoop))

	// a sixth attempt is refused before dispatch
	assert.True(t, errors.Is(d.Check(fp), agenterr.ErrDoomLoop))
}

func TestDetector_FourThenDifferentDoesNotTrip(t *testing.T) {
	d := New(5, 0)
	same := Fingerprint("bash", map[string]interface{}{"command": "make"})
	other := Fingerprint("bash", map[string]interface{}{"command": "make test"})

	for i := 1; i <= 4; i++ {
		require.NoError(t, d.Record(same, i))
	}
	require.NoError(t, d.Check(other))
	require.NoError(t, d.Record(other, 5))
	assert.Equal(t, 1, d.Count())

	// the streak restarted, four more of the original are fine
	for i := 6; i <= 9; i++ {
		require.NoError(t, d.Record(same, i))
	}
}

func TestDetector_WindowResets(t *testing.T) {
	d := New(3, 2)
	fp := Fingerprint("read", nil)

	require.NoError(t, d.Record(fp, 1))
	require.NoError(t, d.Record(fp, 2))
	d.Advance(10)
	assert.Equal(t, 0, d.Count())
	require.NoError(t, d.Record(fp, 10))
}

func TestDetector_DefaultThreshold(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New(0, 0).Threshold())
	assert.Equal(t, 7, New(7, 0).Threshold())
}
