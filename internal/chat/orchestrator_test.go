package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/ashureev/agentic-squad/internal/history"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
)

// stubRunner yields the given events, then fails with err if set.
func stubRunner(err error, events ...runner.Event) runner.Func {
	return func(ctx context.Context, _, _ string) iter.Seq2[*runner.Event, error] {
		return func(yield func(*runner.Event, error) bool) {
			for i := range events {
				if !yield(&events[i], nil) {
					return
				}
			}
			if err != nil {
				yield(nil, err)
			}
		}
	}
}

// recordingLogger captures conversation log events.
type recordingLogger struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (r *recordingLogger) Log(e ConversationLogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func testHandle(t *testing.T) *teamconfig.Handle {
	t.Helper()
	store, err := teamconfig.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	h, err := store.Submit([]byte(`{"config":{"participants":[{"provider":"X","config":{"name":"A"}}]}}`))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return h
}

func collect(seq iter.Seq[domain.ChatMessage]) []domain.ChatMessage {
	var out []domain.ChatMessage
	for msg := range seq {
		out = append(out, msg)
	}
	return out
}

func TestStreamScenario(t *testing.T) {
	t.Parallel()

	handle := testHandle(t)
	if handle.ParticipantCount != 1 {
		t.Fatalf("expected participant count 1, got %d", handle.ParticipantCount)
	}

	hist := history.New()
	o := NewOrchestrator(stubRunner(nil, runner.Event{Content: "hi back", Sender: "A"}), time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "hi", History: hist, Config: handle}))

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(got), got)
	}
	if got[0].Kind != domain.KindUserMessage || got[0].Content != "hi" {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Kind != domain.KindAIMessage || got[1].Content != "hi back" || got[1].Sender != "A" {
		t.Errorf("unexpected second message: %+v", got[1])
	}
	if hist.Len() != 2 {
		t.Errorf("expected 2 history entries, got %d", hist.Len())
	}
}

func TestStreamEchoesUserFirst(t *testing.T) {
	t.Parallel()

	runners := map[string]runner.TeamRunner{
		"events":  stubRunner(nil, runner.Event{Content: "a"}, runner.Event{Content: "b"}),
		"failure": stubRunner(errors.New("boom")),
		"empty":   stubRunner(nil),
	}
	for name, r := range runners {
		o := NewOrchestrator(r, time.Second, nil, nil)
		got := collect(o.Stream(context.Background(), Turn{Message: "hello", History: history.New(), Config: testHandle(t)}))
		if len(got) == 0 || got[0].Kind != domain.KindUserMessage || got[0].Content != "hello" {
			t.Errorf("%s: expected user echo first, got %+v", name, got)
		}
	}
}

func TestStreamNoConfig(t *testing.T) {
	t.Parallel()

	hist := history.New()
	called := false
	r := runner.Func(func(context.Context, string, string) iter.Seq2[*runner.Event, error] {
		called = true
		return stubRunner(nil).RunStream(context.Background(), "", "")
	})
	o := NewOrchestrator(r, time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "hi", History: hist}))

	if len(got) != 1 || got[0].Kind != domain.KindError {
		t.Fatalf("expected a single error message, got %+v", got)
	}
	if !strings.Contains(got[0].Content, ErrNoConfig.Error()) {
		t.Errorf("expected no-config description, got %q", got[0].Content)
	}
	if called {
		t.Error("runner must not be invoked without a config")
	}
	if hist.Len() != 0 {
		t.Errorf("history must stay empty, got %d entries", hist.Len())
	}
}

func TestStreamRunnerFailureTerminates(t *testing.T) {
	t.Parallel()

	hist := history.New()
	r := stubRunner(errors.New("rate limited"),
		runner.Event{Content: "first", Sender: "A"},
	)
	o := NewOrchestrator(r, time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "go", History: hist, Config: testHandle(t)}))

	if len(got) != 3 {
		t.Fatalf("expected user, ai, error; got %+v", got)
	}
	last := got[len(got)-1]
	if last.Kind != domain.KindError {
		t.Fatalf("expected terminal error message, got %+v", last)
	}
	if last.Content != "team chat error: rate limited" {
		t.Errorf("unexpected error text %q", last.Content)
	}
	errorCount := 0
	for _, m := range got {
		if m.Kind == domain.KindError {
			errorCount++
		}
	}
	if errorCount != 1 {
		t.Errorf("expected exactly one error message, got %d", errorCount)
	}
}

func TestStreamStopsAtFirstRunnerError(t *testing.T) {
	t.Parallel()

	hist := history.New()
	r := runner.Func(func(ctx context.Context, _, _ string) iter.Seq2[*runner.Event, error] {
		return func(yield func(*runner.Event, error) bool) {
			if !yield(&runner.Event{Content: "before", Sender: "A"}, nil) {
				return
			}
			if !yield(nil, errors.New("transient")) {
				return
			}
			yield(&runner.Event{Content: "after", Sender: "A"}, nil)
			yield(&runner.Event{Content: "later", Sender: "B"}, nil)
		}
	})
	o := NewOrchestrator(r, time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "go", History: hist, Config: testHandle(t)}))

	kinds := make([]domain.MessageKind, len(got))
	for i, m := range got {
		kinds[i] = m.Kind
	}
	want := []domain.MessageKind{domain.KindUserMessage, domain.KindAIMessage, domain.KindError}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if hist.Len() != 2 {
		t.Errorf("history holds %d entries, want 2", hist.Len())
	}
}

func TestStreamRunnerPanicBecomesError(t *testing.T) {
	t.Parallel()

	r := runner.Func(func(ctx context.Context, _, _ string) iter.Seq2[*runner.Event, error] {
		return func(yield func(*runner.Event, error) bool) {
			if !yield(&runner.Event{Content: "partial"}, nil) {
				return
			}
			panic("runner blew up")
		}
	})
	o := NewOrchestrator(r, time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "go", History: history.New(), Config: testHandle(t)}))

	if len(got) != 3 {
		t.Fatalf("expected user, ai, error; got %+v", got)
	}
	last := got[2]
	if last.Kind != domain.KindError {
		t.Fatalf("expected terminal error message, got %+v", last)
	}
	if !strings.Contains(last.Content, "runner blew up") {
		t.Errorf("error text %q does not describe the panic", last.Content)
	}

	msgs, err := o.Process(context.Background(), testHandle(t), "go")
	if err == nil || !strings.Contains(err.Error(), "runner blew up") {
		t.Fatalf("Process error = %v, want runner panic", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "partial" {
		t.Errorf("Process messages = %+v", msgs)
	}
}

func TestStreamSkipsEmptyContentAndDefaultsSender(t *testing.T) {
	t.Parallel()

	hist := history.New()
	r := stubRunner(nil,
		runner.Event{Content: "", Sender: "A"},
		runner.Event{Content: "unlabelled"},
	)
	o := NewOrchestrator(r, time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "x", History: hist, Config: testHandle(t)}))

	if len(got) != 2 {
		t.Fatalf("expected empty event to be skipped, got %+v", got)
	}
	if got[1].Sender != domain.DefaultSender {
		t.Errorf("expected default sender, got %q", got[1].Sender)
	}
	entries := hist.Recent(2)
	if entries[1].Role != domain.DefaultSender || entries[1].Kind != domain.KindAIMessage {
		t.Errorf("unexpected history entry %+v", entries[1])
	}
}

func TestStreamPreservesRunnerOrder(t *testing.T) {
	t.Parallel()

	var events []runner.Event
	for _, c := range []string{"one", "two", "three", "four"} {
		events = append(events, runner.Event{Content: c, Sender: "A"})
	}
	o := NewOrchestrator(stubRunner(nil, events...), time.Second, nil, nil)

	got := collect(o.Stream(context.Background(), Turn{Message: "count", Config: testHandle(t)}))

	for i, want := range []string{"count", "one", "two", "three", "four"} {
		if got[i].Content != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
}

func TestStreamTimeout(t *testing.T) {
	t.Parallel()

	// Ignores its context on purpose.
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	r := runner.Func(func(context.Context, string, string) iter.Seq2[*runner.Event, error] {
		return func(yield func(*runner.Event, error) bool) {
			<-hang
		}
	})
	o := NewOrchestrator(r, 50*time.Millisecond, nil, nil)

	done := make(chan []domain.ChatMessage)
	go func() {
		done <- collect(o.Stream(context.Background(), Turn{Message: "wait", Config: testHandle(t)}))
	}()

	select {
	case got := <-done:
		if len(got) != 2 || got[1].Kind != domain.KindError {
			t.Fatalf("expected user echo then timeout error, got %+v", got)
		}
		if !strings.Contains(got[1].Content, ErrRunnerTimeout.Error()) {
			t.Errorf("expected timeout description, got %q", got[1].Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not honor the runner deadline")
	}
}

func TestStreamConsumerStopsEarly(t *testing.T) {
	t.Parallel()

	var yielded int
	var mu sync.Mutex
	r := runner.Func(func(ctx context.Context, _, _ string) iter.Seq2[*runner.Event, error] {
		return func(yield func(*runner.Event, error) bool) {
			for i := 0; i < 100; i++ {
				mu.Lock()
				yielded++
				mu.Unlock()
				if !yield(&runner.Event{Content: "tick"}, nil) {
					return
				}
			}
		}
	})
	o := NewOrchestrator(r, time.Second, nil, nil)

	seen := 0
	for range o.Stream(context.Background(), Turn{Message: "x", Config: testHandle(t)}) {
		seen++
		if seen == 2 {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if yielded > 3 {
		t.Errorf("runner kept producing after consumer stopped: %d events", yielded)
	}
}

func TestStreamWritesConversationLog(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}
	o := NewOrchestrator(stubRunner(errors.New("down"), runner.Event{Content: "ok"}), time.Second, rec, nil)

	collect(o.Stream(context.Background(), Turn{UserID: "u", SessionID: "s", Message: "m", Config: testHandle(t)}))

	want := []string{"chat_user_message", "chat_assistant_message", "chat_error"}
	got := rec.types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected log events %v, got %v", want, got)
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()

	hist := history.New()
	o := NewOrchestrator(stubRunner(nil,
		runner.Event{Content: "draft", Sender: "Writer"},
		runner.Event{Content: ""},
		runner.Event{Content: "review"},
	), time.Second, nil, nil)

	msgs, err := o.Process(context.Background(), testHandle(t), "write")
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if msgs[0].Sender != "Writer" || msgs[1].Sender != domain.DefaultSender {
		t.Errorf("unexpected senders: %q, %q", msgs[0].Sender, msgs[1].Sender)
	}
	if hist.Len() != 0 {
		t.Error("Process must not touch history")
	}

	if _, err := o.Process(context.Background(), nil, "write"); !errors.Is(err, ErrNoConfig) {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}

	failing := NewOrchestrator(stubRunner(errors.New("nope")), time.Second, nil, nil)
	_, err = failing.Process(context.Background(), testHandle(t), "write")
	var runnerErr *RunnerError
	if !errors.As(err, &runnerErr) {
		t.Errorf("expected RunnerError, got %v", err)
	}
}
