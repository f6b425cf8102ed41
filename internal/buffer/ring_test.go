package buffer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRing(t *testing.T) {
	r := NewRing[int](100)
	if r.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", r.Cap())
	}
	if r.Len() != 0 {
		t.Errorf("expected length 0, got %d", r.Len())
	}

	// Zero and negative capacities default to 1
	if NewRing[int](0).Cap() != 1 {
		t.Error("expected capacity 1 for zero input")
	}
	if NewRing[int](-5).Cap() != 1 {
		t.Error("expected capacity 1 for negative input")
	}
}

func TestRing_PushOverflow(t *testing.T) {
	r := NewRing[string](3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	got := r.Items()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Clear()

	if r.Len() != 0 || r.Items() != nil {
		t.Errorf("expected empty ring after clear, got %v", r.Items())
	}

	r.Push(3)
	if items := r.Items(); len(items) != 1 || items[0] != 3 {
		t.Errorf("expected [3], got %v", items)
	}
}

// The ring always holds the most recent min(n, capacity) items in order.
func TestRingKeepsSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("items are the suffix of everything pushed", prop.ForAll(
		func(capacity int, values []int) bool {
			r := NewRing[int](capacity)
			for _, v := range values {
				r.Push(v)
			}

			items := r.Items()
			expected := values
			if len(values) > capacity {
				expected = values[len(values)-capacity:]
			}
			if len(items) != len(expected) {
				return false
			}
			for i := range items {
				if items[i] != expected[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
