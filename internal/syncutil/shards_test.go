package syncutil

import (
	"fmt"
	"sync"
	"testing"
)

type counterSlot struct {
	n int
}

func TestShards_WithAllocatesSlot(t *testing.T) {
	s := NewShards[counterSlot](8)

	s.With("alice", func(c *counterSlot) { c.n++ })
	s.With("alice", func(c *counterSlot) { c.n++ })

	var got int
	ok := s.Peek("alice", func(c *counterSlot) { got = c.n })
	if !ok {
		t.Fatal("expected slot for alice")
	}
	if got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestShards_PeekUnknownKey(t *testing.T) {
	s := NewShards[counterSlot](8)

	called := false
	if s.Peek("nobody", func(*counterSlot) { called = true }) {
		t.Fatal("expected Peek to report missing slot")
	}
	if called {
		t.Fatal("fn must not run for a missing slot")
	}
	if s.Len() != 0 {
		t.Fatalf("Peek must not allocate, len=%d", s.Len())
	}
}

func TestShards_MutualExclusionSameKey(t *testing.T) {
	s := NewShards[counterSlot](0)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.With("hot", func(c *counterSlot) {
				v := c.n
				c.n = v + 1
			})
		}()
	}
	wg.Wait()

	var got int
	s.Peek("hot", func(c *counterSlot) { got = c.n })
	if got != n {
		t.Fatalf("expected %d, got %d (lost updates)", n, got)
	}
}

func TestShards_ManyKeys(t *testing.T) {
	s := NewShards[counterSlot](4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.With(fmt.Sprintf("user-%d", i), func(c *counterSlot) { c.n = i })
		}(i)
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Fatalf("expected 50 slots, got %d", s.Len())
	}
	s.Delete("user-7")
	if s.Len() != 49 {
		t.Fatalf("expected 49 slots after delete, got %d", s.Len())
	}
}
