package crdt

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDocument(t *testing.T) {
	doc := New()

	// A new document must have at least 2 characters (start and end).
	got := doc.Length()
	want := 2

	if got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}

	if doc.SiteID == 0 {
		t.Errorf("site ID 0 is reserved for the document bounds")
	}
}

// TestInsert verifies Insert's functionality.
func TestInsert(t *testing.T) {
	doc := NewWithSite(1)

	if _, err := doc.Insert(0, "ac"); err != nil {
		t.Errorf("error: %v\n", err)
	}
	if _, err := doc.Insert(1, "b"); err != nil {
		t.Errorf("error: %v\n", err)
	}

	wantDoc := []Character{
		{ID: StartID, IDNext: EndID},
		{ID: ID{1, 1}, Visible: true, Value: "a", IDPrevious: StartID, IDNext: EndID},
		{ID: ID{1, 3}, Visible: true, Value: "b", IDPrevious: ID{1, 1}, IDNext: ID{1, 2}},
		{ID: ID{1, 2}, Visible: true, Value: "c", IDPrevious: ID{1, 1}, IDNext: EndID},
		{ID: EndID, IDPrevious: StartID},
	}

	// Do equality check using go-cmp, and display human-readable diff.
	if !cmp.Equal(doc.Characters, wantDoc) {
		t.Errorf("got != want; diff = %v\n", cmp.Diff(doc.Characters, wantDoc))
	}

	if got := doc.Content(); got != "abc" {
		t.Errorf("got != want; got = %v, expected = %v\n", got, "abc")
	}
}

func TestInsertOutOfBounds(t *testing.T) {
	doc := NewWithSite(1)

	if _, err := doc.Insert(1, "a"); !errors.Is(err, ErrPositionOutOfBounds) {
		t.Errorf("expected %v, got %v", ErrPositionOutOfBounds, err)
	}
	if _, err := doc.Insert(0, ""); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("expected %v, got %v", ErrEmptyValue, err)
	}
	if _, err := doc.Delete(0, 1); !errors.Is(err, ErrPositionOutOfBounds) {
		t.Errorf("expected %v, got %v", ErrPositionOutOfBounds, err)
	}
	if _, err := doc.Insert(0, "a\xffb"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected %v, got %v", ErrInvalidValue, err)
	}
	if doc.Content() != "" {
		t.Errorf("invalid insert changed the document: %q", doc.Content())
	}
}

func TestDelete(t *testing.T) {
	doc := NewWithSite(1)
	if _, err := doc.Insert(0, "hello"); err != nil {
		t.Fatal(err)
	}

	if _, err := doc.Delete(1, 3); err != nil {
		t.Fatal(err)
	}

	if got := doc.Content(); got != "ho" {
		t.Errorf("got != want; got = %v, expected = %v\n", got, "ho")
	}

	// Deleted characters stay in the sequence as tombstones.
	if got := doc.Length(); got != 7 {
		t.Errorf("got != want; got = %v, expected = %v\n", got, 7)
	}
}

// TestIntegrateInsert_SamePosition checks what happens if two sites insert at the same position.
func TestIntegrateInsert_SamePosition(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	ua, _ := a.Insert(0, "x")
	ub, _ := b.Insert(0, "y")

	if err := a.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	// The lower site ID sorts first.
	want := "xy"
	if a.Content() != want || b.Content() != want {
		t.Errorf("got a = %q, b = %q, expected %q", a.Content(), b.Content(), want)
	}
}

// TestIntegrateInsert_BetweenTwoPositions checks an insert between characters of another site.
func TestIntegrateInsert_BetweenTwoPositions(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	ua, _ := a.Insert(0, "ct")
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	ub, _ := b.Insert(1, "a")
	if err := a.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}

	if got := a.Content(); got != "cat" {
		t.Errorf("got != want; got = %v, expected = %v\n", got, "cat")
	}
}

func TestApplyUpdateIdempotent(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	u1, _ := a.Insert(0, "hello")
	u2, _ := a.Delete(0, 1)

	for i := 0; i < 2; i++ {
		if err := b.ApplyUpdate(u1); err != nil {
			t.Fatal(err)
		}
		if err := b.ApplyUpdate(u2); err != nil {
			t.Fatal(err)
		}
	}

	once := NewWithSite(3)
	_ = once.ApplyUpdate(u1)
	_ = once.ApplyUpdate(u2)

	if !cmp.Equal(b.Characters, once.Characters) {
		t.Errorf("applying twice differs from applying once, diff = %v\n", cmp.Diff(b.Characters, once.Characters))
	}
	if !cmp.Equal(b.StateVector(), a.StateVector()) {
		t.Errorf("state vectors differ: %v != %v", b.StateVector(), a.StateVector())
	}
}

func TestApplyUpdateOutOfOrder(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	u1, _ := a.Insert(0, "ab")
	u2, _ := a.Insert(1, "-")
	u3, _ := a.Delete(0, 1)

	// Dependencies arrive last; earlier operations wait for them.
	for _, u := range [][]byte{u3, u2} {
		if err := b.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
	}
	if b.Content() != "" || b.Pending() != 2 {
		t.Fatalf("expected 2 pending operations and empty content, got %d and %q", b.Pending(), b.Content())
	}

	if err := b.ApplyUpdate(u1); err != nil {
		t.Fatal(err)
	}
	if b.Pending() != 0 {
		t.Errorf("expected no pending operations, got %d", b.Pending())
	}
	if b.Content() != a.Content() {
		t.Errorf("got != want; got = %v, expected = %v\n", b.Content(), a.Content())
	}
}

// waitingDeletes returns count deletes of site that all wait for its first operation.
func waitingDeletes(site, first uint64, count int) []operation {
	ops := make([]operation, 0, count)
	for i := 0; i < count; i++ {
		id := ID{Site: site, Clock: first + uint64(i)}
		ops = append(ops, operation{kind: opDelete, id: id, target: ID{Site: site, Clock: 1}})
	}
	return ops
}

func TestApplyUpdateClockTooFarAhead(t *testing.T) {
	doc := NewWithSite(1)

	err := doc.ApplyUpdate(encodeUpdate(waitingDeletes(9, 1_000_000, 100)))
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Errorf("expected %v, got %v", ErrMalformedUpdate, err)
	}
	if doc.Pending() != 0 {
		t.Errorf("expected no pending operations, got %d", doc.Pending())
	}
}

func TestApplyUpdatePendingLimit(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	// Two sites fill the buffer exactly; clock 1 of each never arrives.
	half := MaxPending / 2
	for _, site := range []uint64{7, 8} {
		if err := b.ApplyUpdate(encodeUpdate(waitingDeletes(site, 2, half))); err != nil {
			t.Fatal(err)
		}
	}
	if b.Pending() != 2*half {
		t.Fatalf("expected %d pending operations, got %d", 2*half, b.Pending())
	}

	err := b.ApplyUpdate(encodeUpdate(waitingDeletes(9, 2, 1)))
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Errorf("expected %v, got %v", ErrMalformedUpdate, err)
	}
	if b.Pending() != 0 {
		t.Errorf("expected the buffer to be dropped, got %d", b.Pending())
	}

	// The document still accepts well-formed updates.
	u, _ := a.Insert(0, "ok")
	if err := b.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if b.Content() != "ok" {
		t.Errorf("got != want; got = %v, expected = %v\n", b.Content(), "ok")
	}
}

func TestEncodeStateAsUpdate(t *testing.T) {
	a, b := NewWithSite(1), NewWithSite(2)

	u, _ := a.Insert(0, "abc")
	_ = b.ApplyUpdate(u)
	_, _ = a.Insert(3, "def")

	// b only needs what it has not seen.
	diff, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatal(err)
	}
	ops, err := decodeUpdate(diff)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Errorf("expected 3 operations, got %d", len(ops))
	}

	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	if b.Content() != "abcdef" {
		t.Errorf("got != want; got = %v, expected = %v\n", b.Content(), "abcdef")
	}

	// An empty vector yields the full state.
	full, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewWithSite(3)
	if err := c.ApplyUpdate(full); err != nil {
		t.Fatal(err)
	}
	if c.Content() != "abcdef" {
		t.Errorf("got != want; got = %v, expected = %v\n", c.Content(), "abcdef")
	}
}

func TestMalformedInput(t *testing.T) {
	doc := NewWithSite(1)

	tests := []struct {
		description string
		update      []byte
	}{
		{description: "empty", update: []byte{}},
		{description: "count larger than payload", update: []byte{0x05}},
		{description: "unknown kind", update: []byte{0x01, 0x09, 0x01, 0x01}},
		{description: "reserved site", update: []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 'a'}},
		{description: "trailing bytes", update: append(encodeUpdate(nil), 0x00)},
	}

	for _, tc := range tests {
		if err := doc.ApplyUpdate(tc.update); !errors.Is(err, ErrMalformedUpdate) {
			t.Errorf("(%s) expected %v, got %v", tc.description, ErrMalformedUpdate, err)
		}
	}

	if _, err := doc.EncodeStateAsUpdate([]byte{0x02, 0x01}); !errors.Is(err, ErrMalformedStateVector) {
		t.Errorf("expected %v, got %v", ErrMalformedStateVector, err)
	}
}

// TestConvergence runs random concurrent edits on three replicas and delivers
// the resulting updates in different orders.
func TestConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	replicas := []*Document{NewWithSite(1), NewWithSite(2), NewWithSite(3)}

	for round := 0; round < 20; round++ {
		var updates [][]byte
		for _, doc := range replicas {
			for i := 0; i < 3; i++ {
				var u []byte
				if doc.VisibleLength() > 0 && rng.Intn(3) == 0 {
					u, _ = doc.Delete(rng.Intn(doc.VisibleLength()), 1)
				} else {
					u, _ = doc.Insert(rng.Intn(doc.VisibleLength()+1), string(rune('a'+rng.Intn(26))))
				}
				updates = append(updates, u)
			}
		}

		for _, doc := range replicas {
			for _, i := range rng.Perm(len(updates)) {
				if err := doc.ApplyUpdate(updates[i]); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	for _, doc := range replicas[1:] {
		if doc.Content() != replicas[0].Content() {
			t.Fatalf("replicas diverged: %q != %q", doc.Content(), replicas[0].Content())
		}
		if !cmp.Equal(doc.StateVector(), replicas[0].StateVector()) {
			t.Fatalf("state vectors diverged")
		}
		if doc.Pending() != 0 {
			t.Fatalf("unexpected pending operations: %d", doc.Pending())
		}
	}
}
