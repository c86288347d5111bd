package runner

import (
	"context"
	"iter"
)

// EchoRunner is the stand-in used when no external runner is configured.
// It answers every task with a single mock reply.
type EchoRunner struct{}

// RunStream yields one "Mock response to: <task>" event.
func (EchoRunner) RunStream(ctx context.Context, task, _ string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		yield(&Event{Content: "Mock response to: " + task}, nil)
	}
}

// Health always succeeds.
func (EchoRunner) Health(context.Context) error {
	return nil
}
