package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

func newEffector(t *testing.T) (*Effector, effector.ExecContext, string) {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	root := t.TempDir()
	resolved, err := effector.ResolveAbsolute(root)
	require.NoError(t, err)
	return e, effector.ExecContext{AllowedRoots: []string{resolved}, AgentID: 1, RequestID: 1}, resolved
}

func TestValidateRequest(t *testing.T) {
	e, _, _ := newEffector(t)

	_, err := e.ValidateRequest("read", map[string]any{"path": "/tmp/a.txt"})
	assert.NoError(t, err)

	_, err = e.ValidateRequest("read", map[string]any{})
	assert.Error(t, err)

	_, err = e.ValidateRequest("write", map[string]any{"path": "/tmp/a.txt"})
	assert.Error(t, err, "write requires content")

	_, err = e.ValidateRequest("chmod", map[string]any{"path": "/tmp/a.txt"})
	assert.Error(t, err, "unknown operation")
}

func TestDryRun_ReadInsideRoot(t *testing.T) {
	e, ec, root := newEffector(t)
	target := filepath.Join(root, "a.txt")

	steps, err := e.DryRun(context.Background(), ec, "read", map[string]any{"path": target})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, contracts.StepFSRead, steps[0].Type)
	assert.Empty(t, steps[0].RiskFlags)
	assert.NotEmpty(t, steps[0].StepID)
	assert.Equal(t, target, steps[0].Inputs["path"])
}

func TestDryRun_PathOutsideRootsIsFlagged(t *testing.T) {
	// Invariant: a denied path never errors the dry run; it produces a
	// flagged step so the risk scorer and admin can see the attempt.
	e, ec, _ := newEffector(t)

	steps, err := e.DryRun(context.Background(), ec, "read", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].HasFlag(contracts.FlagPathDenied))
	assert.Contains(t, steps[0].Description, "outside allowed roots")
}

func TestDryRun_WriteBuildsDiffAndPreview(t *testing.T) {
	e, ec, root := newEffector(t)
	target := filepath.Join(root, "config.txt")
	require.NoError(t, os.WriteFile(target, []byte("old line\n"), 0o644))

	steps, err := e.DryRun(context.Background(), ec, "write", map[string]any{
		"path": target, "content": "new line\n",
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "new line\n", steps[0].Preview)
	assert.Contains(t, steps[0].Diff, "-old line")
	assert.Contains(t, steps[0].Diff, "+new line")
}

func TestDryRun_WritePreviewTruncated(t *testing.T) {
	e, ec, root := newEffector(t)
	content := strings.Repeat("x", 2000)

	steps, err := e.DryRun(context.Background(), ec, "write", map[string]any{
		"path": filepath.Join(root, "big.txt"), "content": content,
	})
	require.NoError(t, err)
	assert.Len(t, steps[0].Preview, 500)
	assert.Equal(t, content, steps[0].Inputs["content"], "full content kept for execution")
}

func TestDryRun_DeleteCountsEntries(t *testing.T) {
	e, ec, root := newEffector(t)
	dir := filepath.Join(root, "bulk")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < 12; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".txt"), []byte("x"), 0o644))
	}

	steps, err := e.DryRun(context.Background(), ec, "delete", map[string]any{"path": dir})
	require.NoError(t, err)
	assert.Equal(t, 12, steps[0].Inputs["fileCount"])
}

func TestDryRun_SafeModeFlagsDestructiveOnly(t *testing.T) {
	e, ec, root := newEffector(t)
	ec.SafeMode = true

	steps, err := e.DryRun(context.Background(), ec, "read", map[string]any{"path": filepath.Join(root, "a")})
	require.NoError(t, err)
	assert.False(t, steps[0].HasFlag(contracts.FlagBlockedBySafeMode), "read is not destructive")

	steps, err = e.DryRun(context.Background(), ec, "delete", map[string]any{"path": filepath.Join(root, "a")})
	require.NoError(t, err)
	assert.True(t, steps[0].HasFlag(contracts.FlagBlockedBySafeMode))
}

func TestExecute_ReadWriteDeleteRoundTrip(t *testing.T) {
	e, ec, root := newEffector(t)
	ctx := context.Background()
	target := filepath.Join(root, "notes.txt")

	writeSteps, err := e.DryRun(ctx, ec, "write", map[string]any{"path": target, "content": "hello"})
	require.NoError(t, err)
	results := e.Execute(ctx, ec, writeSteps)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.ResultSuccess, results[0].Status)

	readSteps, err := e.DryRun(ctx, ec, "read", map[string]any{"path": target})
	require.NoError(t, err)
	results = e.Execute(ctx, ec, readSteps)
	assert.Equal(t, "hello", results[0].Output)

	deleteSteps, err := e.DryRun(ctx, ec, "delete", map[string]any{"path": target})
	require.NoError(t, err)
	results = e.Execute(ctx, ec, deleteSteps)
	assert.Equal(t, contracts.ResultSuccess, results[0].Status)
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_BlocksDeniedPathWithoutIO(t *testing.T) {
	// Invariant: a path_denied step reports blocked and touches nothing.
	e, ec, _ := newEffector(t)
	ctx := context.Background()

	steps, err := e.DryRun(ctx, ec, "read", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	results := e.Execute(ctx, ec, steps)
	assert.Equal(t, contracts.ResultBlocked, results[0].Status)
	assert.Empty(t, results[0].Output)
}

func TestExecute_SafeModeBlocksDestructive(t *testing.T) {
	e, ec, root := newEffector(t)
	ctx := context.Background()
	target := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep"), 0o644))

	steps, err := e.DryRun(ctx, ec, "delete", map[string]any{"path": target})
	require.NoError(t, err)

	// Safe mode enabled after planning still blocks at execution.
	ec.SafeMode = true
	results := e.Execute(ctx, ec, steps)
	assert.Equal(t, contracts.ResultBlocked, results[0].Status)
	_, statErr := os.Stat(target)
	assert.NoError(t, statErr, "file must survive")
}

func TestExecute_ReCheckRootsAtRunTime(t *testing.T) {
	// Invariant: shrinking allowed roots between approval and execution
	// blocks the step even though planning passed.
	e, ec, root := newEffector(t)
	ctx := context.Background()
	target := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	steps, err := e.DryRun(ctx, ec, "read", map[string]any{"path": target})
	require.NoError(t, err)

	ec.AllowedRoots = []string{"/nonexistent/other"}
	results := e.Execute(ctx, ec, steps)
	assert.Equal(t, contracts.ResultBlocked, results[0].Status)
}

func TestExecute_Move(t *testing.T) {
	e, ec, root := newEffector(t)
	ctx := context.Background()
	from := filepath.Join(root, "from.txt")
	to := filepath.Join(root, "to.txt")
	require.NoError(t, os.WriteFile(from, []byte("payload"), 0o644))

	steps, err := e.DryRun(ctx, ec, "move", map[string]any{"from": from, "to": to})
	require.NoError(t, err)
	results := e.Execute(ctx, ec, steps)
	require.Equal(t, contracts.ResultSuccess, results[0].Status)

	data, err := os.ReadFile(to)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestExecute_ReadOutputTruncated(t *testing.T) {
	e, ec, root := newEffector(t)
	ctx := context.Background()
	target := filepath.Join(root, "big.txt")
	require.NoError(t, os.WriteFile(target, []byte(strings.Repeat("y", 5000)), 0o644))

	steps, err := e.DryRun(ctx, ec, "read", map[string]any{"path": target})
	require.NoError(t, err)
	results := e.Execute(ctx, ec, steps)
	assert.Len(t, results[0].Output, 1000)
}

func TestIsPathAllowed_SegmentBoundary(t *testing.T) {
	// /tmp/sandbox-evil must not pass for root /tmp/sandbox.
	assert.True(t, effector.IsPathAllowed("/tmp/sandbox/a.txt", []string{"/tmp/sandbox"}))
	assert.True(t, effector.IsPathAllowed("/tmp/sandbox", []string{"/tmp/sandbox"}))
	assert.False(t, effector.IsPathAllowed("/tmp/sandbox-evil/a.txt", []string{"/tmp/sandbox"}))
	assert.False(t, effector.IsPathAllowed("/etc/passwd", []string{"/tmp/sandbox"}))
	assert.False(t, effector.IsPathAllowed("/tmp/sandbox/a.txt", nil))
}
