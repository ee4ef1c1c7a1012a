package storage

import "errors"

// ErrIndexOutOfRange is returned by Array.Get/Set for an out-of-bounds index.
var ErrIndexOutOfRange = errors.New("storage: index out of range")

// ErrArrayTooLarge is returned when an Array operation would push the
// length above the StateValue Array bound (16 elements, spec.md §3).
var ErrArrayTooLarge = errors.New("storage: array exceeds bound")

// MaxArrayLen is the StateValue Array length bound (spec.md §3/§4.E).
const MaxArrayLen = 16

// Array is an immutable, arena-friendly sequence without structural sharing:
// Set and Append copy the whole backing slice, since arrays are already
// bounded small (≤16) and a full-copy-on-write is cheaper than a tree for
// that size, matching the spec's small fixed bound.
type Array struct {
	items []interface{}
}

// NewArray returns an empty Array.
func NewArray() *Array { return &Array{} }

// NewArrayOfLen returns an Array of length n (n ≤ MaxArrayLen) with every
// slot holding the zero value nil, mirroring the VM's `New` instruction
// (spec.md §4.E) which pushes an empty Array of a given length.
func NewArrayOfLen(n int) (*Array, error) {
	if n < 0 || n > MaxArrayLen {
		return nil, ErrArrayTooLarge
	}
	return &Array{items: make([]interface{}, n)}, nil
}

// Len reports the array's length.
func (a *Array) Len() int { return len(a.items) }

// Get returns the element at index i.
func (a *Array) Get(i int) (interface{}, error) {
	if i < 0 || i >= len(a.items) {
		return nil, ErrIndexOutOfRange
	}
	return a.items[i], nil
}

// Set returns a new Array with index i bound to val, sharing nothing (arrays
// are small enough that a full copy is always cheap) but leaving the
// receiver unmodified.
func (a *Array) Set(i int, val interface{}) (*Array, error) {
	if i < 0 || i >= len(a.items) {
		return nil, ErrIndexOutOfRange
	}
	next := make([]interface{}, len(a.items))
	copy(next, a.items)
	next[i] = val
	return &Array{items: next}, nil
}

// Append returns a new Array with val appended, failing if that would
// exceed MaxArrayLen.
func (a *Array) Append(val interface{}) (*Array, error) {
	if len(a.items) >= MaxArrayLen {
		return nil, ErrArrayTooLarge
	}
	next := make([]interface{}, len(a.items)+1)
	copy(next, a.items)
	next[len(a.items)] = val
	return &Array{items: next}, nil
}

// ForEach walks elements in index order.
func (a *Array) ForEach(f func(i int, val interface{})) {
	for i, v := range a.items {
		f(i, v)
	}
}
