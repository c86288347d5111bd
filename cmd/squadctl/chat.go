package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/ashureev/agentic-squad/internal/history"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
	"github.com/ashureev/agentic-squad/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	cliUserID    = "cli"
	cliChannel   = "chat_cli"
	quitCommand  = "/quit"
	clearCommand = "/clear"
)

var (
	chatTeam       string
	chatRunnerAddr string
	chatTimeout    time.Duration
	chatTranscript string
)

var errTurnFailed = errors.New("chat turn failed")

// chatCmd runs chat turns against the team runner.
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with a team from the terminal",
	Long: `Load a team configuration and send messages to the team runner.

With a message argument a single turn runs and the command exits. Without one,
lines read from stdin are sent one turn at a time until EOF or /quit.
/clear empties the conversation history.

When --runner is empty the built-in echo runner answers every message.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatTeam, "team", "t", "", "Team configuration file (required)")
	chatCmd.Flags().StringVar(&chatRunnerAddr, "runner", os.Getenv("TEAM_RUNNER_ADDR"), "Team runner gRPC address")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 5*time.Minute, "Maximum duration of one turn")
	chatCmd.Flags().StringVar(&chatTranscript, "transcript", "", "Write the conversation history to this YAML file on exit")
	_ = chatCmd.MarkFlagRequired("team")
	rootCmd.AddCommand(chatCmd)
}

// transcript is the YAML document written by --transcript.
type transcript struct {
	Team         string                   `yaml:"team"`
	Participants []teamconfig.Participant `yaml:"participants"`
	Messages     []domain.HistoryEntry    `yaml:"messages"`
}

// chatSession holds the state of one squadctl chat invocation.
type chatSession struct {
	orchestrator *chat.Orchestrator
	history      *history.History
	config       *teamconfig.Handle
	shim         *transport.Shim
	sessionID    string
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger(cmd)

	data, err := os.ReadFile(chatTeam)
	if err != nil {
		return fmt.Errorf("read team configuration: %w", err)
	}

	dir, err := os.MkdirTemp("", "squadctl-*")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("Failed to remove working directory", "dir", dir, "error", rmErr)
		}
	}()

	configs, err := teamconfig.NewStore(dir, logger)
	if err != nil {
		return err
	}
	handle, err := configs.Submit(data)
	if err != nil {
		if field := teamconfig.FieldOf(err); field != "" {
			return fmt.Errorf("invalid team configuration (field %s): %w", field, err)
		}
		return fmt.Errorf("invalid team configuration: %w", err)
	}
	defer func() {
		if relErr := configs.Release(handle); relErr != nil {
			logger.Warn("Failed to release team configuration", "error", relErr)
		}
	}()

	teamRunner, closeRunner, err := selectRunner(chatRunnerAddr, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	out := cmd.OutOrStdout()
	shim := transport.NewShim(transport.SinkFunc(func(_ context.Context, e transport.Event) error {
		_, err := fmt.Fprintln(out, renderEvent(e))
		return err
	}), 1)
	defer shim.Close()
	if err := shim.Open(); err != nil {
		return err
	}

	s := &chatSession{
		orchestrator: chat.NewOrchestrator(teamRunner, chatTimeout, nil, logger),
		history:      history.New(),
		config:       handle,
		shim:         shim,
		sessionID:    "cli-" + handle.ID[:8],
	}

	fmt.Fprintln(out, infoStyle.Render(fmt.Sprintf("Team loaded: %d participant(s)", handle.ParticipantCount)))

	if len(args) > 0 {
		err = s.turn(ctx, strings.Join(args, " "))
	} else {
		err = s.repl(ctx, cmd.InOrStdin(), out)
	}

	if chatTranscript != "" {
		if writeErr := writeTranscript(chatTranscript, handle, s.history.All()); writeErr != nil {
			return errors.Join(err, writeErr)
		}
	}
	return err
}

// selectRunner returns the gRPC runner when addr is set, otherwise the echo
// runner.
func selectRunner(addr string, logger *slog.Logger) (runner.TeamRunner, func(), error) {
	if addr == "" {
		return runner.EchoRunner{}, func() {}, nil
	}
	client, err := runner.NewGrpcClient(addr, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to team runner: %w", err)
	}
	return client, client.Close, nil
}

// turn runs one message and reports errTurnFailed when the turn ended in an
// error message.
func (s *chatSession) turn(ctx context.Context, message string) error {
	dedup := chat.NewDeduplicator()
	failed := false
	for msg := range s.orchestrator.Stream(ctx, chat.Turn{
		UserID:    cliUserID,
		SessionID: s.sessionID,
		Message:   message,
		History:   s.history,
		Config:    s.config,
		Channel:   cliChannel,
	}) {
		if !dedup.Admit(msg) {
			continue
		}
		if msg.Kind == domain.KindError {
			failed = true
		}
		if err := s.shim.Send(ctx, transport.Event{
			Type:   string(msg.Kind),
			Text:   msg.Text(),
			Sender: msg.Sender,
		}); err != nil {
			return err
		}
	}
	if failed {
		return errTurnFailed
	}
	return nil
}

// repl reads one message per line. A failed turn is already shown to the
// user and does not end the session.
func (s *chatSession) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	interactive := isTerminal(in)
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, promptStyle.Render("you> "))
		}
		if !scanner.Scan() {
			if interactive {
				fmt.Fprintln(out)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case quitCommand:
			return nil
		case clearCommand:
			s.history.Clear()
			fmt.Fprintln(out, infoStyle.Render("History cleared."))
			continue
		}

		if err := s.turn(ctx, line); err != nil && !errors.Is(err, errTurnFailed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// isTerminal reports whether r is an interactive terminal. Piped input gets
// no prompt.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeTranscript(path string, handle *teamconfig.Handle, messages []domain.HistoryEntry) error {
	doc, err := yaml.Marshal(transcript{
		Team:         handle.FileName(),
		Participants: handle.Participants,
		Messages:     messages,
	})
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
