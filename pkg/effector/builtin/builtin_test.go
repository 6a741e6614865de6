package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/contracts"
)

func TestRegistry_AllBuiltinsRegistered(t *testing.T) {
	r, err := Registry()
	require.NoError(t, err)

	assert.Equal(t, contracts.KnownCapabilities, r.Types())
	for _, c := range contracts.KnownCapabilities {
		e, ok := r.Lookup(c)
		require.True(t, ok, "missing effector for %s", c)
		assert.Equal(t, c, e.Type())
	}
}
