package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeRetry
	outcomeTerminal
)

// Outcome is the explicit result of a job handler. The runtime encodes the
// retry policy from the variant instead of from thrown errors: Done
// acknowledges, Retry reschedules under the queue's backoff policy,
// Terminal fails the job without further attempts.
type Outcome struct {
	kind   outcomeKind
	reason string
	err    error
}

func Done() Outcome {
	return Outcome{kind: outcomeDone}
}

func Retry(err error) Outcome {
	return Outcome{kind: outcomeRetry, err: err}
}

func Terminal(reason string) Outcome {
	return Outcome{kind: outcomeTerminal, reason: reason}
}

// IsDone reports a successful outcome.
func (o Outcome) IsDone() bool { return o.kind == outcomeDone }

// IsRetry reports an outcome the queue should retry under its backoff
// policy.
func (o Outcome) IsRetry() bool { return o.kind == outcomeRetry }

// IsTerminal reports a failure that must not be retried.
func (o Outcome) IsTerminal() bool { return o.kind == outcomeTerminal }

// Reason returns the terminal reason, empty otherwise.
func (o Outcome) Reason() string { return o.reason }

// Err returns the retryable error, nil otherwise.
func (o Outcome) Err() error { return o.err }

// HandlerFunc is a queue job handler returning an explicit outcome.
type HandlerFunc func(ctx context.Context, task *asynq.Task) Outcome

func adapt(h HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		out := h(ctx, task)
		switch out.kind {
		case outcomeRetry:
			return out.err
		case outcomeTerminal:
			return fmt.Errorf("%s: %w", out.reason, asynq.SkipRetry)
		default:
			return nil
		}
	}
}
