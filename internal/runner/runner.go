// Package runner defines the external team runner capability and its clients.
package runner

import (
	"context"
	"iter"
)

// Event is one raw item emitted by a team run.
type Event struct {
	Content string
	Sender  string
}

// TeamRunner executes a multi-agent conversation for a task against a team
// configuration file and streams the resulting events in order.
type TeamRunner interface {
	RunStream(ctx context.Context, task, configPath string) iter.Seq2[*Event, error]
}

// HealthChecker is implemented by runners that can report availability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Func adapts a plain function to TeamRunner.
type Func func(ctx context.Context, task, configPath string) iter.Seq2[*Event, error]

// RunStream calls f.
func (f Func) RunStream(ctx context.Context, task, configPath string) iter.Seq2[*Event, error] {
	return f(ctx, task, configPath)
}

// Ensure implementations satisfy the interfaces.
var (
	_ TeamRunner    = (*GrpcClient)(nil)
	_ HealthChecker = (*GrpcClient)(nil)
	_ TeamRunner    = EchoRunner{}
	_ HealthChecker = EchoRunner{}
)
