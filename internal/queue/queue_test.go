package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mattjoyce/laborch/internal/model"
)

type item struct {
	Key string `json:"key"`
}

func (i item) ID() string { return i.Key }

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDequeAppendPopLeftFIFO(t *testing.T) {
	d := NewDeque[item]()
	d.Append(item{"a"}, item{"b"})
	d.AppendLeft(item{"x"}, item{"y"})

	if got := ids(d.Items()); !equal(got, []string{"x", "y", "a", "b"}) {
		t.Fatalf("unexpected order: %v", got)
	}

	first, ok := d.PopLeft()
	if !ok || first.Key != "x" {
		t.Fatalf("PopLeft = %v, %v", first, ok)
	}
	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}

	d.Clear()
	if _, ok := d.PopLeft(); ok {
		t.Fatalf("PopLeft on empty deque returned ok")
	}
}

func TestDequeInsertAndReplace(t *testing.T) {
	d := NewDeque[item]()
	d.Append(item{"a"}, item{"c"})

	if err := d.Insert(1, item{"b"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(3, item{"d"}); err != nil {
		t.Fatalf("Insert at end: %v", err)
	}
	if err := d.Insert(9, item{"z"}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if err := d.Replace(0, item{"A"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := ids(d.Items()); !equal(got, []string{"A", "b", "c", "d"}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestDequeRemoveByIDAndIndexes(t *testing.T) {
	d := NewDeque[item]()
	d.Append(item{"a"}, item{"b"}, item{"c"}, item{"d"}, item{"e"})

	if _, err := d.RemoveByID("c"); err != nil {
		t.Fatalf("RemoveByID: %v", err)
	}
	if _, err := d.RemoveByID("c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	removed := d.RemoveIndexes([]int{0, 2, 2, 42, -1})
	if got := ids(removed); !equal(got, []string{"a", "d"}) {
		t.Fatalf("removed = %v", got)
	}
	if got := ids(d.Items()); !equal(got, []string{"b", "e"}) {
		t.Fatalf("remaining = %v", got)
	}
	if d.IndexOf("e") != 1 || d.IndexOf("a") != -1 {
		t.Fatalf("IndexOf mismatch")
	}
}

func TestDequePeekIsBounded(t *testing.T) {
	d := NewDeque[item]()
	d.Append(item{"a"}, item{"b"}, item{"c"})

	if got := ids(d.Peek(2)); !equal(got, []string{"a", "b"}) {
		t.Fatalf("Peek(2) = %v", got)
	}
	if got := d.Peek(10); len(got) != 3 {
		t.Fatalf("Peek(10) len = %d", len(got))
	}
	peeked := d.Peek(1)
	peeked[0] = item{"mutated"}
	if front, _ := d.PeekLeft(); front.Key != "a" {
		t.Fatalf("Peek must return a copy")
	}
}

func TestDequeJSONRoundTripKeepsActionIdentity(t *testing.T) {
	d := NewDeque[*model.Action]()
	a := model.NewAction(nil, model.Server{Name: "PSTAT"}, "run_CA", map[string]any{"v": 0.5}, model.WaitForPrevious)
	d.Append(a)

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	restored := NewDeque[*model.Action]()
	if err := json.Unmarshal(raw, restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := restored.PopLeft()
	if !ok || got.ActionUUID != a.ActionUUID || got.StartCondition != model.WaitForPrevious {
		t.Fatalf("unexpected restored action: %#v", got)
	}
}

func TestNonBlockingRegistry(t *testing.T) {
	r := NewNonBlockingRegistry()
	r.Add(NonBlockingEntry{ActionUUID: "a1", Server: "CAM", ExecID: "e1", Host: "127.0.0.1", Port: 8010})
	r.Add(NonBlockingEntry{ActionUUID: "a2", Server: "CAM", ExecID: "e2", Host: "127.0.0.1", Port: 8010})

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if !r.Remove("a1") {
		t.Fatalf("Remove(a1) = false")
	}
	if r.Remove("a1") {
		t.Fatalf("second Remove(a1) = true")
	}
	items := r.Items()
	if len(items) != 1 || items[0].ExecID != "e2" || items[0].StartedAt.IsZero() {
		t.Fatalf("unexpected items: %#v", items)
	}
}
