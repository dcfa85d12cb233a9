// Package reconcile brings partially applied operations back to a consistent
// state. Nothing is rolled back: failed operations are replayed with their
// original inputs, and a periodic sweep repairs connection sets from the
// ledger and channel summaries from the message logs.
package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"studybuddy/internal/chat"
	"studybuddy/internal/ledger"
	"studybuddy/internal/saga"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// DefaultMaxAttempts bounds how often one replay is retried before it is dropped.
const DefaultMaxAttempts = 10

type queued struct {
	replay   saga.Replay
	attempts int
}

// Report summarizes one reconciliation pass.
type Report struct {
	Replayed            int
	Requeued            int
	Dropped             int
	ConnectionsRepaired int
	SummariesRepaired   int
}

// Reconciler queues replays and runs periodic repair sweeps.
type Reconciler struct {
	store    interfaces.DocumentStore
	ledger   *ledger.Ledger
	chats    *chat.Manager
	interval time.Duration

	MaxAttempts int

	mu    sync.Mutex
	queue []*queued
	keys  map[string]bool

	wake     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a reconciler that sweeps every interval. chats may be nil, in
// which case summaries are not swept.
func New(store interfaces.DocumentStore, l *ledger.Ledger, chats *chat.Manager, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:       store,
		ledger:      l,
		chats:       chats,
		interval:    interval,
		MaxAttempts: DefaultMaxAttempts,
		keys:        make(map[string]bool),
		wake:        make(chan struct{}, 1),
	}
}

// SetChats attaches the chat manager after construction; chat and the
// reconciler refer to each other.
func (r *Reconciler) SetChats(chats *chat.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = chats
}

// Enqueue implements saga.FailureSink. A replay whose key is already queued
// is ignored.
func (r *Reconciler) Enqueue(rep saga.Replay) {
	r.mu.Lock()
	if r.keys[rep.Key] {
		r.mu.Unlock()
		return
	}
	r.keys[rep.Key] = true
	r.queue = append(r.queue, &queued{replay: rep})
	r.mu.Unlock()

	log.Printf("Reconciler queued replay: operation=%s key=%s", rep.Operation, rep.Key)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued replays.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Start runs replays as they are queued and sweeps on the interval.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.shutdown = make(chan struct{})

	r.wg.Add(1)
	go r.loop(ctx, r.shutdown)
	log.Printf("Reconciler started: interval=%s", r.interval)
	return nil
}

// Stop ends the background loop and waits for it.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.shutdown)
	r.mu.Unlock()

	r.wg.Wait()
	log.Println("Reconciler stopped")
	return nil
}

func (r *Reconciler) loop(ctx context.Context, shutdown <-chan struct{}) {
	defer r.wg.Done()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.wake:
			r.ReplayPending(ctx)
		case <-tick:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("Reconciler sweep failed: %v", err)
			}
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReplayPending runs every queued replay once. Failed replays are requeued
// until MaxAttempts.
func (r *Reconciler) ReplayPending(ctx context.Context) Report {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	var report Report
	for _, q := range batch {
		q.attempts++
		err := q.replay.Run(ctx)
		switch {
		case err == nil:
			report.Replayed++
			r.forget(q.replay.Key)
			log.Printf("Reconciler replay converged: operation=%s key=%s attempts=%d", q.replay.Operation, q.replay.Key, q.attempts)
		case q.attempts >= r.MaxAttempts:
			report.Dropped++
			r.forget(q.replay.Key)
			log.Printf("Reconciler dropped replay after %d attempts: operation=%s key=%s err=%v", q.attempts, q.replay.Operation, q.replay.Key, err)
		default:
			report.Requeued++
			r.mu.Lock()
			r.queue = append(r.queue, q)
			r.mu.Unlock()
			log.Printf("Reconciler replay failed (attempt %d): operation=%s key=%s err=%v", q.attempts, q.replay.Operation, q.replay.Key, err)
		}
	}
	return report
}

func (r *Reconciler) forget(key string) {
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
}

// RunOnce replays queued operations and then sweeps.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	report := r.ReplayPending(ctx)

	repaired, err := r.RepairConnections(ctx)
	report.ConnectionsRepaired = repaired
	if err != nil {
		return report, err
	}

	summaries, err := r.RepairSummaries(ctx)
	report.SummariesRepaired = summaries
	return report, err
}

// RepairConnections makes both users of every ledger entry list each other
// as connections. It returns the number of user documents changed.
func (r *Reconciler) RepairConnections(ctx context.Context) (int, error) {
	entries, err := r.ledger.All(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, entry := range entries {
		if len(entry.Users) != 2 {
			continue
		}
		for i, userID := range entry.Users {
			other := entry.Users[1-i]
			user, err := userdoc.Load(ctx, r.store, userID)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return repaired, err
			}
			if user.HasConnection(other) {
				continue
			}
			if err := r.store.UpdateFields(ctx, types.CollectionUsers, userID,
				interfaces.AddToSet(userdoc.FieldConnections, other)); err != nil {
				return repaired, err
			}
			repaired++
			log.Printf("Reconciler repaired connection: user=%s other=%s", userID, other)
		}
	}
	return repaired, nil
}

// RepairSummaries recomputes stale channel summaries.
func (r *Reconciler) RepairSummaries(ctx context.Context) (int, error) {
	r.mu.Lock()
	chats := r.chats
	r.mu.Unlock()
	if chats == nil {
		return 0, nil
	}

	channels, err := chats.Channels(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, ch := range channels {
		changed, err := chats.RepairSummary(ctx, ch.Key)
		if err != nil {
			log.Printf("Reconciler could not repair summary of %s: %v", ch.Key, err)
			continue
		}
		if changed {
			repaired++
		}
	}
	return repaired, nil
}
