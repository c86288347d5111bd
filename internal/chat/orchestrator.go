// Package chat drives one chat turn against the team runner and relays its
// output as chat messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/ashureev/agentic-squad/internal/history"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
)

const defaultRunnerTimeout = 5 * time.Minute

// Turn is the per-session context of one user message.
type Turn struct {
	UserID    string
	SessionID string
	Message   string
	History   *history.History
	Config    *teamconfig.Handle
	RequestID string
	Channel   string // Log channel, e.g. "chat_http" or "chat_ws".
}

// Orchestrator relays team runner output for chat turns.
type Orchestrator struct {
	runner  runner.TeamRunner
	timeout time.Duration
	log     ConversationLogger
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator. A zero timeout selects the default;
// a nil conversation logger disables conversation logging.
func NewOrchestrator(r runner.TeamRunner, timeout time.Duration, conversationLogger ConversationLogger, logger *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = defaultRunnerTimeout
	}
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner:  r,
		timeout: timeout,
		log:     conversationLogger,
		logger:  logger,
		now:     time.Now,
	}
}

// Stream runs one turn. The user's message is echoed first, then each
// non-empty runner event follows in runner order. Failures never escape: they
// become a single error message that ends the sequence.
func (o *Orchestrator) Stream(ctx context.Context, turn Turn) iter.Seq[domain.ChatMessage] {
	return func(yield func(domain.ChatMessage) bool) {
		if turn.Config == nil {
			o.logger.Warn("Chat turn without team config", "user_id", turn.UserID, "session_id", turn.SessionID)
			yield(o.errorMessage(ErrNoConfig))
			return
		}

		if turn.History != nil {
			turn.History.Append(domain.RoleUser, turn.Message)
		}
		o.logTurnEvent(turn, "outbound", "chat_user_message", domain.RoleUser, turn.Message, nil)
		if !yield(o.message(domain.KindUserMessage, turn.Message, domain.RoleUser)) {
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		o.logger.Info("Team run started",
			"user_id", turn.UserID,
			"session_id", turn.SessionID,
			"config", turn.Config.FileName(),
			"message_length", len(turn.Message),
		)

		relayed := 0
		for event, err := range bounded(runCtx, o.runner.RunStream(runCtx, turn.Message, turn.Config.Path)) {
			if err != nil {
				failure := o.classify(runCtx, err)
				o.logger.Error("Team run failed",
					"user_id", turn.UserID,
					"session_id", turn.SessionID,
					"relayed", relayed,
					"error", err,
				)
				o.logTurnEvent(turn, "inbound", "chat_error", "", failure.Error(), map[string]any{"relayed": relayed})
				yield(o.errorMessage(failure))
				return
			}
			if event == nil || event.Content == "" {
				continue
			}

			sender := event.Sender
			if sender == "" {
				sender = domain.DefaultSender
			}
			if turn.History != nil {
				turn.History.Append(sender, event.Content)
			}
			relayed++
			o.logTurnEvent(turn, "inbound", "chat_assistant_message", sender, event.Content, nil)
			if !yield(o.message(domain.KindAIMessage, event.Content, sender)) {
				o.logger.Info("Team run abandoned by consumer", "user_id", turn.UserID, "session_id", turn.SessionID)
				return
			}
		}

		o.logger.Info("Team run completed", "user_id", turn.UserID, "session_id", turn.SessionID, "relayed", relayed)
	}
}

// Process runs a task without touching any history and returns the collected
// assistant messages.
func (o *Orchestrator) Process(ctx context.Context, cfg *teamconfig.Handle, message string) ([]domain.ChatMessage, error) {
	if cfg == nil {
		return nil, ErrNoConfig
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := []domain.ChatMessage{}
	for event, err := range bounded(runCtx, o.runner.RunStream(runCtx, message, cfg.Path)) {
		if err != nil {
			return messages, o.classify(runCtx, err)
		}
		if event == nil || event.Content == "" {
			continue
		}
		sender := event.Sender
		if sender == "" {
			sender = domain.DefaultSender
		}
		messages = append(messages, o.message(domain.KindAIMessage, event.Content, sender))
	}
	return messages, nil
}

// bounded pumps seq through a goroutine one event at a time so a runner that
// ignores its context still cannot hold the turn past the deadline.
func bounded(ctx context.Context, seq iter.Seq2[*runner.Event, error]) iter.Seq2[*runner.Event, error] {
	type item struct {
		event *runner.Event
		err   error
	}
	return func(yield func(*runner.Event, error) bool) {
		items := make(chan item)
		done := make(chan struct{})
		defer close(done)

		go func() {
			defer close(items)
			defer func() {
				if p := recover(); p != nil {
					select {
					case items <- item{err: fmt.Errorf("team runner panic: %v", p)}:
					case <-done:
					}
				}
			}()
			for event, err := range seq {
				select {
				case items <- item{event: event, err: err}:
				case <-done:
					return
				}
				if err != nil {
					return
				}
			}
		}()

		for {
			select {
			case it, ok := <-items:
				if !ok {
					return
				}
				if !yield(it.event, it.err) || it.err != nil {
					return
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

func (o *Orchestrator) classify(runCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrRunnerTimeout, o.timeout)
	}
	return &RunnerError{Err: err}
}

func (o *Orchestrator) message(kind domain.MessageKind, content, sender string) domain.ChatMessage {
	return domain.ChatMessage{
		Kind:      kind,
		Content:   content,
		Sender:    sender,
		Timestamp: o.now(),
	}
}

// errorMessage renders a failure without internal detail beyond its chain.
func (o *Orchestrator) errorMessage(err error) domain.ChatMessage {
	text := err.Error()
	if !strings.HasPrefix(text, "team chat error") {
		text = "team chat error: " + text
	}
	return o.message(domain.KindError, text, "")
}

func (o *Orchestrator) logTurnEvent(turn Turn, direction, eventType, sender, content string, extra map[string]any) {
	meta := map[string]any{
		"request_id": turn.RequestID,
		"sender":     sender,
	}
	for k, v := range extra {
		meta[k] = v
	}
	channel := turn.Channel
	if channel == "" {
		channel = "chat"
	}
	o.log.Log(ConversationLogEvent{
		Timestamp:  o.now().UTC().Format(time.RFC3339Nano),
		UserID:     turn.UserID,
		SessionID:  turn.SessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(domain.ExtractText(content)),
		Meta:       meta,
	})
}
