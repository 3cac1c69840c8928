// Package keyed implements an ordered table that maps keys to sequences of
// items. Tables are the storage behind conductor stage blocks (int keys) and
// data groups (string keys).
//
// Two tables merge by key: a key present in both yields base items followed by
// override items, a key present in one passes through unchanged. Keys are never
// renumbered and iteration is always in ascending key order.
package keyed

import (
	"cmp"
	"iter"
	"slices"
)

// Table is an immutable mapping from key to an ordered sequence of items.
// The zero value is an empty table ready to use.
type Table[K cmp.Ordered, V any] struct {
	entries map[K][]V
	keys    []K // sorted ascending
}

// New builds a table from a key to items mapping. Input slices are copied.
// A key mapped to an empty sequence is kept: it still occupies its position.
func New[K cmp.Ordered, V any](m map[K][]V) Table[K, V] {
	t := Table[K, V]{entries: make(map[K][]V, len(m))}
	for k, items := range m {
		t.entries[k] = slices.Clone(items)
		if t.entries[k] == nil {
			t.entries[k] = []V{}
		}
	}
	t.keys = sortedKeys(t.entries)
	return t
}

// Single builds a table with one key.
func Single[K cmp.Ordered, V any](key K, items ...V) Table[K, V] {
	return New(map[K][]V{key: items})
}

// FromBlocks builds an int keyed table where each positional slot becomes the
// key equal to its index.
func FromBlocks[V any](blocks [][]V) Table[int, V] {
	m := make(map[int][]V, len(blocks))
	for i, b := range blocks {
		m[i] = b
	}
	return New(m)
}

// Merge returns a new table holding base and override. Neither input is
// modified.
func Merge[K cmp.Ordered, V any](base, override Table[K, V]) Table[K, V] {
	out := Table[K, V]{entries: make(map[K][]V, len(base.entries)+len(override.entries))}
	for k, items := range base.entries {
		out.entries[k] = slices.Clone(items)
	}
	for k, items := range override.entries {
		if prev, ok := out.entries[k]; ok {
			out.entries[k] = append(prev, items...)
			continue
		}
		out.entries[k] = slices.Clone(items)
	}
	out.keys = sortedKeys(out.entries)
	return out
}

// Fold merges tables left to right.
func Fold[K cmp.Ordered, V any](tables ...Table[K, V]) Table[K, V] {
	var acc Table[K, V]
	for _, t := range tables {
		acc = Merge(acc, t)
	}
	return acc
}

// Keys returns the distinct keys in ascending order.
func (t Table[K, V]) Keys() []K { return slices.Clone(t.keys) }

// Len returns the number of keys.
func (t Table[K, V]) Len() int { return len(t.keys) }

// Has reports whether key is present.
func (t Table[K, V]) Has(key K) bool {
	_, ok := t.entries[key]
	return ok
}

// Get returns a copy of the items stored at key.
func (t Table[K, V]) Get(key K) ([]V, bool) {
	items, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(items), true
}

// Last returns the highest key.
func (t Table[K, V]) Last() (key K, ok bool) {
	if len(t.keys) == 0 {
		return key, false
	}
	return t.keys[len(t.keys)-1], true
}

// After returns the keys strictly greater than key, ascending.
func (t Table[K, V]) After(key K) []K {
	i, found := slices.BinarySearch(t.keys, key)
	if found {
		i++
	}
	return slices.Clone(t.keys[i:])
}

// All iterates over keys in ascending order together with their items.
func (t Table[K, V]) All() iter.Seq2[K, []V] {
	return func(yield func(K, []V) bool) {
		for _, k := range t.keys {
			if !yield(k, slices.Clone(t.entries[k])) {
				return
			}
		}
	}
}

// Flatten returns all items in ascending key order.
func (t Table[K, V]) Flatten() []V {
	var out []V
	for _, k := range t.keys {
		out = append(out, t.entries[k]...)
	}
	return out
}

// Equal reports whether both tables hold the same keys and items.
func Equal[K cmp.Ordered, V comparable](a, b Table[K, V]) bool {
	if !slices.Equal(a.keys, b.keys) {
		return false
	}
	for _, k := range a.keys {
		if !slices.Equal(a.entries[k], b.entries[k]) {
			return false
		}
	}
	return true
}

func sortedKeys[K cmp.Ordered, V any](m map[K][]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
