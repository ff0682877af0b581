package lockfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_NewEntryWithAutoApprove(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)

	res, err := l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.IsNew)
	assert.Equal(t, 1, l.Count())

	l2, err := Open(ws, true)
	require.NoError(t, err)
	assert.Equal(t, 1, l2.Count())
	_, ok := l2.Get("acme.default.fs.read")
	assert.True(t, ok)
}

func TestValidate_NewEntryWithoutAutoApproveDoesNotPersist(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, false)
	require.NoError(t, err)

	res, err := l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.IsNew)
	assert.Equal(t, 0, l.Count())
}

func TestValidate_MatchingHashUpdatesLastValidated(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)
	_, err = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)

	res, err := l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.IsNew)
}

func TestValidate_MismatchProducesApprovalRequired(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)
	_, err = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)

	res, err := l.Validate("acme.default.fs.read", "sha256-bbbb2222", TypeSubprocess, "")
	require.NoError(t, err)
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, "integrity", res.ApprovalKind)
	assert.Equal(t, "aaaa", res.OldHash4)
	assert.Equal(t, "bbbb", res.NewHash4)
	assert.NotEmpty(t, res.WorkflowID)

	// Entry is unchanged until approved.
	entry, ok := l.Get("acme.default.fs.read")
	require.True(t, ok)
	assert.Equal(t, "sha256-aaaa1111", entry.Integrity)
}

func TestValidate_ReusesExistingWorkflowID(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)
	_, err = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)

	res, err := l.Validate("acme.default.fs.read", "sha256-bbbb2222", TypeSubprocess, "enclosing-wf")
	require.NoError(t, err)
	assert.Equal(t, "enclosing-wf", res.WorkflowID)
}

func TestApproveIntegrityChange(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)
	_, err = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	require.NoError(t, err)

	require.NoError(t, l.ApproveIntegrityChange("acme.default.fs.read", "sha256-bbbb2222", TypeSubprocess))

	entry, ok := l.Get("acme.default.fs.read")
	require.True(t, ok)
	assert.Equal(t, "sha256-bbbb2222", entry.Integrity)
	assert.True(t, entry.Approved)
}

func TestLockfileSingleton_SameBaseNeverDuplicates(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)

	_, _ = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	_, _ = l.Validate("acme.default.fs.read.ff99", "sha256-aaaa1111", TypeSubprocess, "")
	assert.Equal(t, 1, l.Count())
}

func TestRemoveNotInAndRemoveOlderThan(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)

	_, _ = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")
	_, _ = l.Validate("acme.default.net.fetch", "sha256-cccc3333", TypeSubprocess, "")
	require.Equal(t, 2, l.Count())

	require.NoError(t, l.RemoveNotIn([]string{"acme.default.fs.read"}))
	assert.Equal(t, 1, l.Count())

	require.NoError(t, l.RemoveOlderThan(-time.Hour)) // everything is "older" than a negative cutoff in the future
	assert.Equal(t, 0, l.Count())
}

func TestOpen_LoadsExistingFilePath(t *testing.T) {
	ws := t.TempDir()
	l, err := Open(ws, true)
	require.NoError(t, err)
	_, _ = l.Validate("acme.default.fs.read", "sha256-aaaa1111", TypeSubprocess, "")

	assert.Equal(t, filepath.Join(ws, ".pml", "mcp.lock"), filepath.FromSlash(l.path))
}
