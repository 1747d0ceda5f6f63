package service

import (
	"reflect"
)

// Extensions is a typed per-message bag. Values are stored under their
// concrete type; inserting a value of a type that is already present
// replaces the previous value. Lookup is by type identity.
//
// An Extensions value is owned by a single goroutine at a time. Handing a
// message (and its bag) to another goroutine transfers ownership; there is
// no internal locking.
type Extensions struct {
	m map[reflect.Type]any
}

// NewExtensions creates an empty extension bag.
func NewExtensions() *Extensions {
	return &Extensions{}
}

// Set stores value under its concrete type, replacing any previous value of
// the same type.
func (e *Extensions) Set(value any) {
	if e.m == nil {
		e.m = make(map[reflect.Type]any)
	}
	e.m[reflect.TypeOf(value)] = value
}

// Len returns the number of stored values.
func (e *Extensions) Len() int {
	return len(e.m)
}

// Clone returns a shallow copy: the index is copied, the values are shared.
func (e *Extensions) Clone() *Extensions {
	if e == nil || e.m == nil {
		return NewExtensions()
	}
	m := make(map[reflect.Type]any, len(e.m))
	for k, v := range e.m {
		m[k] = v
	}
	return &Extensions{m: m}
}

// Get fetches the value of type T from the bag.
func Get[T any](e *Extensions) (T, bool) {
	var zero T
	if e == nil || e.m == nil {
		return zero, false
	}
	v, ok := e.m[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// GetOrInsertWith returns the value of type T, constructing and storing it
// with f on first use. f runs at most once per bag for a given T; its error
// is propagated and nothing is stored on failure.
func GetOrInsertWith[T any](e *Extensions, f func() (T, error)) (T, error) {
	if v, ok := Get[T](e); ok {
		return v, nil
	}
	v, err := f()
	if err != nil {
		var zero T
		return zero, err
	}
	e.Set(v)
	return v, nil
}
