package settings

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetSet(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("color")
	assert.False(t, ok)

	s.Set("color", "blue")
	v, ok := s.Get("color")
	require.True(t, ok)
	assert.Equal(t, "blue", v)
	assert.Equal(t, 1, s.Len())

	s.Delete("color")
	assert.Equal(t, 0, s.Len())
}

func TestStoreGetReturnsDeepCopy(t *testing.T) {
	s := NewStore()
	s.Set("prefs", map[string]any{"tags": []any{"a", "b"}})

	v, ok := s.Get("prefs")
	require.True(t, ok)
	prefs := v.(map[string]any)
	prefs["tags"].([]any)[0] = "mutated"
	prefs["extra"] = true

	again, _ := s.Get("prefs")
	assert.Equal(t, map[string]any{"tags": []any{"a", "b"}}, again)
}

func TestStoreMergeKeepsOtherKeys(t *testing.T) {
	s := NewStore()
	s.Set("a", 1.0)
	s.Merge(map[string]any{"b": 2.0, "a": 3.0})

	assert.Equal(t, map[string]any{"a": 3.0, "b": 2.0}, s.Snapshot())
}

func TestStoreReplaceDropsMissingKeys(t *testing.T) {
	s := NewStore()
	s.Set("stale", "x")

	input := map[string]any{"fresh": "y"}
	s.Replace(input)
	input["late"] = "z"

	assert.Equal(t, map[string]any{"fresh": "y"}, s.Snapshot())
	assert.Equal(t, []string{"fresh"}, s.Keys())
}

func TestStoreCloneOfStructValue(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}
	s := NewStore()
	s.Set("p", point{X: 4})

	v, ok := s.Get("p")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 4.0}, v)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Set("k", i)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	_, ok := s.Get("k")
	assert.True(t, ok)
}
