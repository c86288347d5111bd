package history

import (
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/agentic-squad/internal/domain"
)

func TestAppendPreservesOrder(t *testing.T) {
	t.Parallel()

	h := New()
	h.Append("user", "A")
	h.Append("Planner", "B")

	got := h.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Content != "A" || got[1].Content != "B" {
		t.Errorf("expected [A, B], got [%s, %s]", got[0].Content, got[1].Content)
	}
}

func TestAppendTagsKind(t *testing.T) {
	t.Parallel()

	h := New()
	user := h.Append(domain.RoleUser, "hi")
	agent := h.Append("assistant", "hello")

	if user.Kind != domain.KindUserMessage {
		t.Errorf("expected user_message, got %q", user.Kind)
	}
	if agent.Kind != domain.KindAIMessage {
		t.Errorf("expected ai_message, got %q", agent.Kind)
	}
}

func TestRecentBounds(t *testing.T) {
	t.Parallel()

	h := New()
	for i := 0; i < 5; i++ {
		h.Append("user", strconv.Itoa(i))
	}

	if got := h.Recent(10); len(got) != 5 {
		t.Errorf("Recent(10): expected all 5 entries, got %d", len(got))
	}
	last := h.Recent(2)
	if len(last) != 2 || last[0].Content != "3" || last[1].Content != "4" {
		t.Errorf("Recent(2): unexpected entries %+v", last)
	}
	if got := h.Recent(0); len(got) != 0 {
		t.Errorf("Recent(0): expected empty, got %d", len(got))
	}
	if h.Len() != 5 {
		t.Errorf("Recent must not mutate, len = %d", h.Len())
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	t.Parallel()

	h := New()
	h.Append("user", "original")
	got := h.Recent(1)
	got[0].Content = "mutated"

	if h.Recent(1)[0].Content != "original" {
		t.Error("Recent leaked internal storage")
	}
}

func TestClearThenRecent(t *testing.T) {
	t.Parallel()

	h := New()
	h.Append("user", "A")
	h.Append("assistant", "B")
	h.Clear()

	for _, n := range []int{0, 1, 2, 100} {
		if got := h.Recent(n); len(got) != 0 {
			t.Errorf("Recent(%d) after Clear: expected empty, got %d", n, len(got))
		}
	}
}

func TestConcurrentAppendAndRecent(t *testing.T) {
	t.Parallel()

	h := New()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.Append("user", strconv.Itoa(i))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for _, e := range h.Recent(3) {
				if e.Kind == "" {
					t.Error("observed a partial entry")
					return
				}
			}
		}
	}()

	wg.Wait()
	if h.Len() != 500 {
		t.Errorf("expected 500 entries, got %d", h.Len())
	}
}
