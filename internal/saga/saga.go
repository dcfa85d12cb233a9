// Package saga runs a multi-document mutation as an ordered list of
// convergent steps. Nothing is rolled back: a failure after the first step
// is reported as a partial write, and re-running the whole operation with
// the same inputs converges.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Step is one single-document write.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
	// NoRetry marks steps that are not idempotent, such as appends.
	NoRetry bool
}

// Runner executes steps with bounded retry on transient store errors.
type Runner struct {
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner that tries each step up to attempts times,
// doubling the delay from backoff between tries.
func NewRunner(attempts int, backoff time.Duration) *Runner {
	if attempts < 1 {
		attempts = 1
	}
	return &Runner{attempts: attempts, backoff: backoff, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs steps in order. A failure in the first step is returned as
// is (wrapped with types.ErrTransientStore when transient); a failure after
// any step succeeded is a *types.PartialWriteError.
func (r *Runner) Execute(ctx context.Context, operation string, steps ...Step) error {
	completed := make([]string, 0, len(steps))
	for _, step := range steps {
		err := r.runStep(ctx, step)
		if err == nil {
			completed = append(completed, step.Name)
			continue
		}

		if interfaces.IsTransient(err) && !errors.Is(err, types.ErrTransientStore) {
			err = transientError{err}
		}
		if len(completed) == 0 {
			return fmt.Errorf("%s: %s: %w", operation, step.Name, err)
		}
		log.Printf("Saga %s partially applied: completed=%v failed=%s err=%v", operation, completed, step.Name, err)
		return &types.PartialWriteError{
			Operation: operation,
			Completed: completed,
			Failed:    step.Name,
			Err:       err,
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	attempts := r.attempts
	if step.NoRetry {
		attempts = 1
	}

	delay := r.backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = step.Run(ctx)
		if err == nil || !interfaces.IsTransient(err) || attempt == attempts {
			return err
		}
		log.Printf("Saga step %s transient failure (attempt %d/%d): %v", step.Name, attempt, attempts, err)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return err
}

// transientError makes a transient store failure match types.ErrTransientStore
// without repeating it in the message.
type transientError struct{ error }

func (e transientError) Unwrap() []error {
	return []error{types.ErrTransientStore, e.error}
}

// Replay re-runs one logical operation with its original inputs. Run returns
// nil once the operation has converged.
type Replay struct {
	Operation string
	// Key deduplicates queued replays of the same operation and inputs.
	Key string
	Run func(ctx context.Context) error
}

// FailureSink accepts operations that ended in a partial write.
type FailureSink interface {
	Enqueue(r Replay)
}

// Discard is a FailureSink that only logs.
type Discard struct{}

// Enqueue logs r and drops it.
func (Discard) Enqueue(r Replay) {
	log.Printf("Saga replay dropped: operation=%s key=%s", r.Operation, r.Key)
}
