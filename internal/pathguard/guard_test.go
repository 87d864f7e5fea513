package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/agentcore/internal/agenterr"
	"github.com/vinayprograms/agentcore/internal/permission"
)

func newGuard(t *testing.T, mutate func(*Config)) (*Guard, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := Config{WorkDir: ws, MaxConfirmations: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g, g.WorkDir()
}

func TestCheck_WorkDirAllowed(t *testing.T) {
	g, ws := newGuard(t, nil)

	res, err := g.Check(filepath.Join(ws, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
	assert.Equal(t, SourceWorkDir, res.Source)

	res, err = g.Check("nested/dir/file.go")
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
	assert.Equal(t, filepath.Join(ws, "nested/dir/file.go"), res.Path)
}

func TestCheck_OutsideAsks(t *testing.T) {
	g, _ := newGuard(t, nil)

	res, err := g.Check("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, permission.Ask, res.Decision)
}

func TestCheck_DotDotEscapeAsks(t *testing.T) {
	g, ws := newGuard(t, nil)

	res, err := g.Check(filepath.Join(ws, "..", "sibling", "x"))
	require.NoError(t, err)
	assert.Equal(t, permission.Ask, res.Decision)
}

func TestCheck_SymlinkEscapeAsks(t *testing.T) {
	outside := t.TempDir()
	g, ws := newGuard(t, nil)
	require.NoError(t, os.Symlink(outside, filepath.Join(ws, "link")))

	res, err := g.Check(filepath.Join(ws, "link", "file"))
	require.NoError(t, err)
	assert.Equal(t, permission.Ask, res.Decision)
}

func TestCheck_PriorityOrder(t *testing.T) {
	scratch := t.TempDir()
	sessionDir := t.TempDir()
	configDir := t.TempDir()
	g, _ := newGuard(t, func(c *Config) {
		c.ScratchDir = scratch
		c.SessionPaths = []string{sessionDir}
		c.ConfigPaths = []string{configDir}
	})

	cases := []struct {
		path string
		want Source
	}{
		{filepath.Join(scratch, "tmp.txt"), SourceScratch},
		{filepath.Join(sessionDir, "a"), SourceSession},
		{filepath.Join(configDir, "b"), SourceConfig},
	}
	for _, tc := range cases {
		res, err := g.Check(tc.path)
		require.NoError(t, err)
		assert.Equal(t, permission.Allow, res.Decision, tc.path)
		assert.Equal(t, tc.want, res.Source, tc.path)
	}
}

func TestConfirm_AddsContainingDir(t *testing.T) {
	outside := t.TempDir()
	g, _ := newGuard(t, nil)

	target := filepath.Join(outside, "notes.md")
	res, err := g.Check(target)
	require.NoError(t, err)
	require.Equal(t, permission.Ask, res.Decision)

	require.NoError(t, g.Confirm(target))
	assert.Len(t, g.Confirmed(), 1)

	res, err = g.Check(filepath.Join(outside, "other.md"))
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
	assert.Equal(t, SourceConfirmed, res.Source)
}

func TestConfirm_CapAutoDenies(t *testing.T) {
	g, _ := newGuard(t, nil) // cap 2
	a, b, c := t.TempDir(), t.TempDir(), t.TempDir()

	require.NoError(t, g.Confirm(filepath.Join(a, "x")))
	require.NoError(t, g.Confirm(filepath.Join(b, "x")))

	res, err := g.Check(filepath.Join(c, "x"))
	require.NoError(t, err)
	assert.Equal(t, permission.Deny, res.Decision)
	assert.Equal(t, SourceCapExceeded, res.Source)

	err = g.Confirm(filepath.Join(c, "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrPathNotAllowed))
	assert.Len(t, g.Confirmed(), 2)

	// already-confirmed dirs keep working
	res, err = g.Check(filepath.Join(a, "y"))
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
}

func TestWild_AllowsWithoutRecording(t *testing.T) {
	g, _ := newGuard(t, func(c *Config) { c.Wild = true })

	res, err := g.Check("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
	assert.Equal(t, SourceWild, res.Source)

	require.NoError(t, g.Confirm("/etc/hosts"))
	assert.Empty(t, g.Confirmed())
}

func TestDerive_FreshConfirmations(t *testing.T) {
	outside := t.TempDir()
	g, _ := newGuard(t, nil)
	require.NoError(t, g.Confirm(filepath.Join(outside, "f")))

	child := g.Derive()
	assert.Empty(t, child.Confirmed())
	res, err := child.Check(filepath.Join(outside, "f"))
	require.NoError(t, err)
	assert.Equal(t, permission.Ask, res.Decision)

	res, err = child.Check(filepath.Join(g.WorkDir(), "f"))
	require.NoError(t, err)
	assert.Equal(t, permission.Allow, res.Decision)
}

func TestNew_RequiresWorkDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
