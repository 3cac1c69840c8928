// Package props holds the frozen property bag attached to a conductor.
//
// A Bag is deep-copied when it is built and every read returns a deep copy, so
// nothing reachable from a Bag can be mutated after construction. Maps and
// slices are copied recursively; pointers, channels and funcs are shared.
package props

import (
	"maps"
	"reflect"
	"slices"
)

// Bag is an immutable property set. The zero value is an empty bag.
type Bag struct {
	m map[string]any
}

// New freezes m into a Bag. m is not retained.
func New(m map[string]any) Bag {
	if len(m) == 0 {
		return Bag{}
	}
	return Bag{m: Clone(m).(map[string]any)}
}

// Get returns a copy of the value stored under key.
func (b Bag) Get(key string) (any, bool) {
	v, ok := b.m[key]
	if !ok {
		return nil, false
	}
	return Clone(v), true
}

// Value is Get without the presence flag.
func (b Bag) Value(key string) any {
	v, _ := b.Get(key)
	return v
}

// All returns a copy of every property. Never nil.
func (b Bag) All() map[string]any {
	if b.m == nil {
		return map[string]any{}
	}
	return Clone(b.m).(map[string]any)
}

// Keys returns property names sorted ascending.
func (b Bag) Keys() []string {
	return slices.Sorted(maps.Keys(b.m))
}

// With returns a new bag with key set to v. b is unchanged.
func (b Bag) With(key string, v any) Bag {
	m := b.All()
	m[key] = v
	return New(m)
}

// Len returns the number of properties.
func (b Bag) Len() int { return len(b.m) }

// Extend builds the bag of a derived conductor. own replaces inherited except
// for the keys listed in extend, where the inherited and own values are deep
// merged with Merge. An extend key missing on one side takes the other side.
func Extend(inherited, own Bag, extend []string) Bag {
	out := own.All()
	for _, key := range extend {
		iv, iok := inherited.m[key]
		ov, ook := own.m[key]
		switch {
		case iok && ook:
			out[key] = Merge(iv, ov)
		case iok:
			out[key] = Clone(iv)
		}
	}
	return New(out)
}

// Merge deep merges own onto inherited without modifying either:
// maps merge key by key, slices concatenate inherited then own, anything else
// takes the own value.
func Merge(inherited, own any) any {
	iv, ov := reflect.ValueOf(inherited), reflect.ValueOf(own)
	if !iv.IsValid() {
		return Clone(own)
	}
	if !ov.IsValid() {
		return Clone(inherited)
	}
	switch {
	case iv.Kind() == reflect.Map && ov.Kind() == reflect.Map:
		return mergeMaps(iv, ov)
	case iv.Kind() == reflect.Slice && ov.Kind() == reflect.Slice:
		return concatSlices(iv, ov)
	}
	return Clone(own)
}

func mergeMaps(iv, ov reflect.Value) any {
	if iv.Type() != ov.Type() {
		if iv.Type().Key().Kind() != reflect.String || ov.Type().Key().Kind() != reflect.String {
			return Clone(ov.Interface())
		}
		// Differently typed string maps degrade to map[string]any.
		out := map[string]any{}
		for _, k := range iv.MapKeys() {
			out[k.String()] = Clone(iv.MapIndex(k).Interface())
		}
		for _, k := range ov.MapKeys() {
			if prev, ok := out[k.String()]; ok {
				out[k.String()] = Merge(prev, ov.MapIndex(k).Interface())
				continue
			}
			out[k.String()] = Clone(ov.MapIndex(k).Interface())
		}
		return out
	}
	out := reflect.ValueOf(Clone(iv.Interface()))
	if out.IsNil() {
		out = reflect.MakeMap(iv.Type())
	}
	for _, k := range ov.MapKeys() {
		own := ov.MapIndex(k)
		if prev := out.MapIndex(k); prev.IsValid() {
			out.SetMapIndex(k, valueOf(Merge(prev.Interface(), own.Interface()), iv.Type().Elem()))
			continue
		}
		out.SetMapIndex(k, valueOf(Clone(own.Interface()), iv.Type().Elem()))
	}
	return out.Interface()
}

func concatSlices(iv, ov reflect.Value) any {
	if iv.Type() != ov.Type() {
		out := make([]any, 0, iv.Len()+ov.Len())
		for i := range iv.Len() {
			out = append(out, Clone(iv.Index(i).Interface()))
		}
		for i := range ov.Len() {
			out = append(out, Clone(ov.Index(i).Interface()))
		}
		return out
	}
	out := reflect.MakeSlice(iv.Type(), 0, iv.Len()+ov.Len())
	out = reflect.AppendSlice(out, reflect.ValueOf(Clone(iv.Interface())))
	out = reflect.AppendSlice(out, reflect.ValueOf(Clone(ov.Interface())))
	return out.Interface()
}

// Clone returns a deep copy of v.
func Clone(v any) any {
	if v == nil {
		return nil
	}
	return cloneValue(reflect.ValueOf(v)).Interface()
}

func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	}
	return v
}

// cloneElem clones a container element, unwrapping interface values so the
// dynamic value is copied and rewrapped into the element type.
func cloneElem(v reflect.Value, elem reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elem)
		}
		return valueOf(cloneValue(v.Elem()).Interface(), elem)
	}
	return cloneValue(v)
}

func valueOf(x any, t reflect.Type) reflect.Value {
	if x == nil {
		return reflect.Zero(t)
	}
	v := reflect.ValueOf(x)
	if t.Kind() == reflect.Interface {
		out := reflect.New(t).Elem()
		out.Set(v)
		return out
	}
	return v.Convert(t)
}
