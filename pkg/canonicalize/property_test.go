//go:build property
// +build property

package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/settld/kernel/pkg/canonicalize"
)

// TestHashDeterminism verifies the property every hash/signature binding in
// the kernel depends on: canonicalizing the same value twice always yields
// the same bytes and the same hash, regardless of map key insertion order.
// Property: Hash(obj) == Hash(obj) for any obj, and independent of the
// order keys are inserted into the source map.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is stable under key reordering", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					forward[keys[i]] = values[i]
				}
			}
			if len(forward) == 0 {
				return true
			}

			reversed := make(map[string]any)
			for i := len(keys) - 1; i >= 0; i-- {
				if i < len(values) && keys[i] != "" {
					reversed[keys[i]] = values[i]
				}
			}

			h1, err1 := canonicalize.Hash(forward)
			h2, err2 := canonicalize.Hash(reversed)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("canonical bytes are byte-identical across repeated calls", prop.ForAll(
		func(key, value string) bool {
			if key == "" {
				return true
			}
			obj := map[string]any{key: value}
			b1, err1 := canonicalize.Bytes(obj)
			b2, err2 := canonicalize.Bytes(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
