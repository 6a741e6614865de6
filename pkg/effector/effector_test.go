package effector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/contracts"
)

type stubEffector struct {
	capType contracts.CapabilityType
}

func (s *stubEffector) Type() contracts.CapabilityType { return s.capType }
func (s *stubEffector) ValidateRequest(_ string, params map[string]any) (map[string]any, error) {
	return params, nil
}
func (s *stubEffector) DryRun(_ context.Context, _ ExecContext, _ string, _ map[string]any) ([]contracts.PlanStep, error) {
	return nil, nil
}
func (s *stubEffector) Execute(_ context.Context, _ ExecContext, _ []contracts.PlanStep) []contracts.StepResult {
	return nil
}
func (s *stubEffector) DefaultConfig() map[string]any { return map[string]any{} }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	first := &stubEffector{capType: contracts.CapEcho}
	r.Register(first)

	got, ok := r.Lookup(contracts.CapEcho)
	require.True(t, ok)
	assert.Same(t, first, got.(*stubEffector))

	_, ok = r.Lookup(contracts.CapShell)
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegistrationIgnored(t *testing.T) {
	// Invariant: the first registration wins; a duplicate is a no-op.
	r := NewRegistry()
	first := &stubEffector{capType: contracts.CapEcho}
	second := &stubEffector{capType: contracts.CapEcho}
	r.Register(first)
	r.Register(second)

	got, _ := r.Lookup(contracts.CapEcho)
	assert.Same(t, first, got.(*stubEffector))
	assert.Len(t, r.Types(), 1)
}

func TestRegistry_TypesInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubEffector{capType: contracts.CapShell})
	r.Register(&stubEffector{capType: contracts.CapFilesystem})

	assert.Equal(t, []contracts.CapabilityType{contracts.CapShell, contracts.CapFilesystem}, r.Types())
}

func TestResolveAbsolute_SymlinkEscape(t *testing.T) {
	// Invariant: a symlink inside the sandbox pointing outside resolves to
	// its real target, so IsPathAllowed sees the escape.
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("secret"), 0o644))

	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(outsideFile, link))

	resolvedRoot, err := ResolveAbsolute(root)
	require.NoError(t, err)
	assert.False(t, IsPathAllowed(link, []string{resolvedRoot}))
}

func TestResolveAbsolute_NonexistentPathIsCleaned(t *testing.T) {
	abs, err := ResolveAbsolute("/no/such/dir/../file.txt")
	require.NoError(t, err)
	assert.Equal(t, "/no/such/file.txt", abs)
}

func TestSchemaSet_Validate(t *testing.T) {
	set, err := CompileSchemas("test", map[string]string{
		"op": `{
			"type": "object",
			"properties": {"name": {"type": "string", "minLength": 1}},
			"required": ["name"]
		}`,
	})
	require.NoError(t, err)

	assert.NoError(t, set.Validate("op", map[string]any{"name": "x"}))

	err = set.Validate("op", map[string]any{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	err = set.Validate("nope", map[string]any{"name": "x"})
	require.ErrorAs(t, err, &verr)
}

func TestSchemaSet_IntParamsAccepted(t *testing.T) {
	// Callers hand us decoded JSON, but in-process callers pass Go ints;
	// both must validate against a number schema.
	set, err := CompileSchemas("test", map[string]string{
		"op": `{
			"type": "object",
			"properties": {"count": {"type": "number"}},
			"required": ["count"]
		}`,
	})
	require.NoError(t, err)
	assert.NoError(t, set.Validate("op", map[string]any{"count": 3}))
	assert.NoError(t, set.Validate("op", map[string]any{"count": 3.5}))
}
