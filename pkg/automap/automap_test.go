package automap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty_RoundtripMatchesReferenceMap is Testable Property 4: for any
// sequence of insert/remove operations, a Map's final contents equal those
// of a reference Go map driven by the same sequence, across the ListForm <->
// MapForm promotion/demotion boundary.
func TestProperty_RoundtripMatchesReferenceMap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New[int, int]()
		reference := map[int]int{}

		keyGen := rapid.IntRange(0, 40)
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := keyGen.Draw(t, "key")
			if rapid.Bool().Draw(t, "insert") {
				value := rapid.Int().Draw(t, "value")
				m.Insert(key, value)
				reference[key] = value
			} else {
				m.Remove(key)
				delete(reference, key)
			}

			if len(reference) != m.Len() {
				t.Fatalf("Len() = %d, want %d", m.Len(), len(reference))
			}
		}

		for k, want := range reference {
			got, ok := m.Get(k)
			if !ok || got != want {
				t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", k, got, ok, want)
			}
		}
		for _, k := range m.Keys() {
			if _, ok := reference[k]; !ok {
				t.Fatalf("Keys() contains %d which is not in the reference map", k)
			}
		}
	})
}

// TestAutoMapCrossover is Scenario S3: with MaxListSize=16, insert keys
// 0..31 (promoting to MapForm) and check each value, then remove, re-add and
// drain keys until the Map demotes back to ListForm and empties, comparing
// its length against a reference map along the way.
func TestAutoMapCrossover(t *testing.T) {
	m := New[int, int]()
	reference := map[int]int{}

	for i := 0; i < 32; i++ {
		m.Insert(i, i)
		reference[i] = i
	}
	for i := 0; i < 32; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	// Drop half (32 -> 16 entries, still above MinHashSize, so the Map stays
	// in MapForm), re-add a few (20 entries), then drain the rest, which
	// crosses MinHashSize and demotes back to ListForm on the way to empty.
	for i := 0; i < 16; i++ {
		m.Remove(i)
		delete(reference, i)
	}
	assert.Equal(t, len(reference), m.Len())

	for i := 0; i < 4; i++ {
		m.Insert(i, i)
		reference[i] = i
	}
	assert.Equal(t, len(reference), m.Len())

	for i := 0; i < 32; i++ {
		m.Remove(i)
		delete(reference, i)
		assert.Equal(t, len(reference), m.Len())
	}
	assert.Equal(t, 0, m.Len())
}

func TestSetAddRemove(t *testing.T) {
	s := NewSet[string]()
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.False(t, s.Contains("a"))
}

func TestCountHashSetAddRemove(t *testing.T) {
	c := NewCountHashSet[string]()

	assert.True(t, c.AddClonableCount("x", 1), "first reference is fresh")
	assert.False(t, c.AddClonableCount("x", 2), "second reference is not fresh")
	assert.Equal(t, 3, c.Count("x"))

	assert.False(t, c.RemoveClonableCount("x", 1), "count still positive")
	assert.Equal(t, 2, c.Count("x"))

	assert.True(t, c.RemoveClonableCount("x", 2), "count reached zero")
	assert.Equal(t, 0, c.Count("x"))
	assert.False(t, c.Contains("x"))
}

func TestCountHashSetRemovePositiveReportsNegative(t *testing.T) {
	c := NewCountHashSet[string]()
	c.AddClonableCount("x", 1)

	res := c.RemovePositiveClonableCount("x", 3)
	assert.True(t, res.Removed)
	assert.Equal(t, 3, res.RemovedCount)
	assert.Equal(t, -2, res.Count, "removing more than was added must surface a negative remainder")
}
