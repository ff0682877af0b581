package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMcpCall_MonotoneTaskIDs(t *testing.T) {
	c := New()
	require.NoError(t, c.RecordMcpCall("fs:read", nil, "ok", 5, true))
	require.NoError(t, c.RecordMcpCall("fs:write", nil, "ok", 7, true))
	require.NoError(t, c.RecordMcpCall("fs:list", nil, "ok", 2, true))

	trace, err := c.Finalize("cap1", true, nil, 20, "user1")
	require.NoError(t, err)
	require.Len(t, trace.TaskResults, 3)
	assert.Equal(t, "t1", trace.TaskResults[0].TaskID)
	assert.Equal(t, "t2", trace.TaskResults[1].TaskID)
	assert.Equal(t, "t3", trace.TaskResults[2].TaskID)
}

func TestFinalize_SanitizesSecretShapedKeys(t *testing.T) {
	c := New()
	args := map[string]any{
		"path":          "/tmp/x",
		"apiKey":        "sk-super-secret",
		"Authorization": "Bearer abc",
		"nested":        map[string]any{"password": "hunter2", "ok": "fine"},
	}
	require.NoError(t, c.RecordMcpCall("net:fetch", args, "result", 1, true))

	trace, err := c.Finalize("cap1", true, nil, 1, "")
	require.NoError(t, err)

	got := trace.TaskResults[0].Args
	assert.Equal(t, "[REDACTED]", got["apiKey"])
	assert.Equal(t, "[REDACTED]", got["Authorization"])
	assert.Equal(t, "/tmp/x", got["path"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["password"])
	assert.Equal(t, "fine", nested["ok"])
}

func TestFinalize_OnlyOnce(t *testing.T) {
	c := New()
	_, err := c.Finalize("cap1", true, nil, 1, "")
	require.NoError(t, err)

	_, err = c.Finalize("cap1", true, nil, 1, "")
	assert.Error(t, err)
}

func TestFinalize_CapturesError(t *testing.T) {
	c := New()
	trace, err := c.Finalize("cap1", false, errors.New("boom"), 1, "")
	require.NoError(t, err)
	assert.False(t, trace.Success)
	assert.Equal(t, "boom", trace.Error)
}

func TestRecordAfterFinalize_Fails(t *testing.T) {
	c := New()
	_, err := c.Finalize("cap1", true, nil, 1, "")
	require.NoError(t, err)

	assert.Error(t, c.RecordMcpCall("fs:read", nil, nil, 1, true))
	assert.Error(t, c.RecordBranchDecision("n1", "taken", ""))
}

func TestValueTruncation(t *testing.T) {
	c := New()
	big := make([]byte, maxValueLen+100)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, c.RecordMcpCall("fs:read", nil, string(big), 1, true))
	trace, err := c.Finalize("cap1", true, nil, 1, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(trace.TaskResults[0].Result.(string)), maxValueLen+len("...[truncated]"))
}
