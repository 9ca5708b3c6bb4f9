package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNotFound        = errors.New("item not found")
)

// Identified is implemented by every queued work item.
type Identified interface {
	ID() string
}

// Deque is an ordered double-ended queue of work items, safe for concurrent
// use. Items are plain values; serialisation happens only at snapshot time.
type Deque[T Identified] struct {
	mu    sync.Mutex
	items []T
}

// NewDeque returns an empty deque.
func NewDeque[T Identified]() *Deque[T] {
	return &Deque[T]{}
}

// Append adds items at the back, in order.
func (d *Deque[T]) Append(items ...T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, items...)
}

// AppendLeft adds items at the front, keeping their relative order.
func (d *Deque[T]) AppendLeft(items ...T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(slices.Clone(items), d.items...)
}

// PopLeft removes and returns the front item.
func (d *Deque[T]) PopLeft() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	item := d.items[0]
	d.items[0] = zero
	d.items = d.items[1:]
	return item, true
}

// PeekLeft returns the front item without removing it.
func (d *Deque[T]) PeekLeft() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	return d.items[0], true
}

// Insert places item before index i. i == Len() appends.
func (d *Deque[T]) Insert(i int, item T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i > len(d.items) {
		return fmt.Errorf("insert at %d (len %d): %w", i, len(d.items), ErrIndexOutOfRange)
	}
	d.items = slices.Insert(d.items, i, item)
	return nil
}

// Replace swaps the item at index i.
func (d *Deque[T]) Replace(i int, item T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.items) {
		return fmt.Errorf("replace at %d (len %d): %w", i, len(d.items), ErrIndexOutOfRange)
	}
	d.items[i] = item
	return nil
}

// RemoveByID removes the first item with the given id.
func (d *Deque[T]) RemoveByID(id string) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	for i, it := range d.items {
		if it.ID() == id {
			d.items = slices.Delete(d.items, i, i+1)
			return it, nil
		}
	}
	return zero, fmt.Errorf("remove %s: %w", id, ErrNotFound)
}

// RemoveIndexes removes the items at the given positions and returns them.
// Out-of-range and duplicate indexes are ignored.
func (d *Deque[T]) RemoveIndexes(indexes []int) []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	drop := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		if i >= 0 && i < len(d.items) {
			drop[i] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := make([]T, 0, len(d.items)-len(drop))
	removed := make([]T, 0, len(drop))
	for i, it := range d.items {
		if _, ok := drop[i]; ok {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	d.items = kept
	return removed
}

// Clear empties the deque and returns what was removed.
func (d *Deque[T]) Clear() []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.items
	d.items = nil
	return out
}

// Peek returns up to n items from the front. n <= 0 returns everything.
func (d *Deque[T]) Peek(n int) []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.items) {
		n = len(d.items)
	}
	return slices.Clone(d.items[:n])
}

// Items returns a copy of every item.
func (d *Deque[T]) Items() []T {
	return d.Peek(0)
}

// Reset replaces the contents with items.
func (d *Deque[T]) Reset(items []T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = slices.Clone(items)
}

// Len returns the number of queued items.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// IndexOf returns the position of id, or -1.
func (d *Deque[T]) IndexOf(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, it := range d.items {
		if it.ID() == id {
			return i
		}
	}
	return -1
}

func (d *Deque[T]) MarshalJSON() ([]byte, error) {
	items := d.Items()
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

func (d *Deque[T]) UnmarshalJSON(b []byte) error {
	var items []T
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	d.Reset(items)
	return nil
}
