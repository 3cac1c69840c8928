package props

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNew_DetachedFromInput(t *testing.T) {
	letters := map[string]any{"a": 1}
	in := map[string]any{"letters": letters, "numbers": []int{1, 2, 3}}
	b := New(in)

	letters["z"] = 26
	in["numbers"].([]int)[0] = 100
	in["extra"] = true

	want := map[string]any{"letters": map[string]any{"a": 1}, "numbers": []int{1, 2, 3}}
	if diff := cmp.Diff(want, b.All()); diff != "" {
		t.Fatalf("bag mutated through input (-want +got):\n%s", diff)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	b := New(map[string]any{"nested": map[string]any{"list": []any{"x"}}})

	v, ok := b.Get("nested")
	require.True(t, ok)
	v.(map[string]any)["list"].([]any)[0] = "changed"
	v.(map[string]any)["added"] = 1

	again := b.Value("nested")
	require.Equal(t, map[string]any{"list": []any{"x"}}, again)

	_, ok = b.Get("missing")
	require.False(t, ok)
}

func TestZeroBag(t *testing.T) {
	var b Bag
	require.Equal(t, 0, b.Len())
	require.Equal(t, map[string]any{}, b.All())
	require.Empty(t, b.Keys())
}

func TestExtend_MergesListedKeys(t *testing.T) {
	inherited := New(map[string]any{
		"letters": map[string]any{"a": 1},
		"numbers": []int{1, 2, 3},
		"title":   "A",
	})
	own := New(map[string]any{
		"letters": map[string]any{"b": 2},
		"numbers": []int{4, 5, 6},
	})

	got := Extend(inherited, own, []string{"letters", "numbers"})

	want := map[string]any{
		"letters": map[string]any{"a": 1, "b": 2},
		"numbers": []int{1, 2, 3, 4, 5, 6},
	}
	if diff := cmp.Diff(want, got.All()); diff != "" {
		t.Fatalf("extended props mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]any{"a": 1}, inherited.Value("letters"))
}

func TestExtend_UnlistedKeysOverride(t *testing.T) {
	inherited := New(map[string]any{"letters": map[string]any{"a": 1}})
	own := New(map[string]any{"letters": map[string]any{"b": 2}})

	got := Extend(inherited, own, nil)
	require.Equal(t, map[string]any{"b": 2}, got.Value("letters"))
}

func TestExtend_KeyOnlyInherited(t *testing.T) {
	inherited := New(map[string]any{"numbers": []int{1}})
	got := Extend(inherited, Bag{}, []string{"numbers"})
	require.Equal(t, []int{1}, got.Value("numbers"))
}

func TestMerge_Nested(t *testing.T) {
	inherited := map[string]any{
		"deep":  map[string]any{"list": []any{1}, "keep": "x", "swap": 1},
		"typed": map[string]int{"a": 1},
	}
	own := map[string]any{
		"deep":  map[string]any{"list": []any{2}, "swap": "two"},
		"typed": map[string]int{"b": 2},
	}
	got := Merge(inherited, own)

	want := map[string]any{
		"deep":  map[string]any{"list": []any{1, 2}, "keep": "x", "swap": "two"},
		"typed": map[string]int{"a": 1, "b": 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []any{1}, inherited["deep"].(map[string]any)["list"])
}

func TestMerge_ScalarsAndMixedTypes(t *testing.T) {
	require.Equal(t, "own", Merge("inherited", "own"))
	require.Equal(t, 3, Merge(map[string]any{"a": 1}, 3))
	require.Equal(t, []any{1, "b"}, Merge([]int{1}, []string{"b"}))
	require.Equal(t, []int{1}, Merge(nil, []int{1}))
	require.Equal(t, []int{1}, Merge([]int{1}, nil))
}
