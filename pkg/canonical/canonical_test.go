package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/canonical"
)

// TestMarshal_KeyOrder verifies object keys are sorted bytewise regardless of
// producer order.
// Invariant: canonical form is a stable byte sequence for hashing.
func TestMarshal_KeyOrder(t *testing.T) {
	a, err := canonical.MarshalString(map[string]any{"b": 1, "a": 2, "C": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"C":3,"a":2,"b":1}`, a)
}

func TestMarshal_Scalars(t *testing.T) {
	cases := map[any]string{
		nil:     "null",
		true:    "true",
		false:   "false",
		42:      "42",
		"hi":    `"hi"`,
		"<x&y>": `"<x&y>"`, // no HTML escaping
	}
	for in, want := range cases {
		got, err := canonical.MarshalString(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMarshal_NestedAndArrays(t *testing.T) {
	v := map[string]any{
		"steps": []any{
			map[string]any{"type": "FS_READ", "inputs": map[string]any{"path": "/tmp/x"}},
		},
		"n": json.Number("3.5"),
	}
	got, err := canonical.MarshalString(v)
	require.NoError(t, err)
	assert.Equal(t, `{"n":3.5,"steps":[{"inputs":{"path":"/tmp/x"},"type":"FS_READ"}]}`, got)
}

// TestMarshal_RespectsStructTags verifies structs canonicalize through their
// json tags, since plan steps are hashed as structs.
func TestMarshal_RespectsStructTags(t *testing.T) {
	type step struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	got, err := canonical.MarshalString(step{Type: "FS_LIST", Description: "list"})
	require.NoError(t, err)
	assert.Equal(t, `{"description":"list","type":"FS_LIST"}`, got)
}

// TestMarshal_AgreesWithJCS cross-checks against the RFC 8785 reference
// transformer for payloads without floats (where the two schemes coincide).
func TestMarshal_AgreesWithJCS(t *testing.T) {
	raw := []byte(`{"z":{"b":[1,2,"x"],"a":null},"m":"<tag>","k":true}`)
	want, err := jcs.Transform(raw)
	require.NoError(t, err)

	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	got, err := canonical.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestHashString(t *testing.T) {
	// sha256("hello")
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		canonical.HashString("hello"))
}

// TestMarshal_Deterministic is the §-style property: canonicalization is
// invariant under deep copy and key permutation.
func TestMarshal_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form survives a marshal round trip", prop.ForAll(
		func(keys []string, vals []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(vals); i++ {
				obj[keys[i]] = vals[i]
			}

			first, err := canonical.Marshal(obj)
			if err != nil {
				return false
			}

			// Deep copy through JSON; map iteration order is already random
			// in Go, so a second pass also exercises key permutation.
			var copied any
			if err := json.Unmarshal(first, &copied); err != nil {
				return false
			}
			second, err := canonical.Marshal(copied)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
