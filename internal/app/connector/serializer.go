package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/connector-orchestrator/pkg/logger"
	"github.com/connector-orchestrator/pkg/metrics"
	"github.com/google/uuid"
)

type TriggerKind string

const (
	TriggerManual        TriggerKind = "manual"
	TriggerWebhook       TriggerKind = "webhook"
	TriggerLifecycle     TriggerKind = "lifecycle"
	TriggerScheduled     TriggerKind = "scheduled"
	TriggerLifecycleStop TriggerKind = "lifecycle-stop"
)

type SubmitOutcome string

const (
	// OutcomeStarted: no job was active, one was started.
	OutcomeStarted SubmitOutcome = "started"
	// OutcomeCoalesced: a job is running, one follow-up is now owed.
	OutcomeCoalesced SubmitOutcome = "coalesced"
	// OutcomeDropped: a follow-up was already owed, nothing changed.
	OutcomeDropped SubmitOutcome = "dropped"
	// OutcomeCancelled: the active job was signalled to stop.
	OutcomeCancelled SubmitOutcome = "cancelled"
	// OutcomeIdle: stop requested with no active job.
	OutcomeIdle SubmitOutcome = "idle"
	// OutcomeRejected: the connector is being deleted or the serializer is shut down.
	OutcomeRejected SubmitOutcome = "rejected"
	// OutcomeSkipped: the connector's state does not allow syncing.
	OutcomeSkipped SubmitOutcome = "skipped"
)

// JobRunner performs one sync job for a connector. It must observe ctx
// cancellation and return a structured outcome rather than panic.
type JobRunner interface {
	Run(ctx context.Context, id uuid.UUID, trigger TriggerKind) SyncOutcome
}

type job struct {
	cancel   context.CancelFunc
	followUp TriggerKind
	done     chan struct{}
}

// Serializer guarantees at most one running job per connector id and
// collapses bursts of triggers into a single owed follow-up. Its state is
// purely in memory: after a restart any connector may start a new job.
type Serializer struct {
	runner     JobRunner
	jobTimeout time.Duration

	mu        sync.Mutex
	jobs      map[uuid.UUID]*job
	draining  map[uuid.UUID]struct{}
	closed    bool
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

func NewSerializer(runner JobRunner, jobTimeout time.Duration) *Serializer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		runner:     runner,
		jobTimeout: jobTimeout,
		jobs:       make(map[uuid.UUID]*job),
		draining:   make(map[uuid.UUID]struct{}),
		baseCtx:    ctx,
		cancelAll:  cancel,
	}
}

func (s *Serializer) Submit(id uuid.UUID, trigger TriggerKind) SubmitOutcome {
	s.mu.Lock()
	outcome := s.submitLocked(id, trigger)
	s.mu.Unlock()

	metrics.SubmissionsTotal.WithLabelValues(string(trigger), string(outcome)).Inc()
	logger.Debug().
		Str("connector_id", id.String()).
		Str("trigger", string(trigger)).
		Str("outcome", string(outcome)).
		Msg("Sync job submitted")
	return outcome
}

func (s *Serializer) submitLocked(id uuid.UUID, trigger TriggerKind) SubmitOutcome {
	j, active := s.jobs[id]

	if trigger == TriggerLifecycleStop {
		if !active {
			return OutcomeIdle
		}
		j.followUp = ""
		j.cancel()
		return OutcomeCancelled
	}

	if s.closed {
		return OutcomeRejected
	}
	if _, ok := s.draining[id]; ok {
		return OutcomeRejected
	}

	if active {
		if j.followUp != "" {
			// Manual outranks other owed triggers; only it may sync an
			// error connector.
			if trigger == TriggerManual {
				j.followUp = TriggerManual
			}
			return OutcomeDropped
		}
		j.followUp = trigger
		return OutcomeCoalesced
	}

	j = &job{done: make(chan struct{})}
	ctx := s.newJobContext(j)
	s.jobs[id] = j
	s.wg.Add(1)
	metrics.ActiveJobs.Inc()
	go s.loop(ctx, id, j, trigger)
	return OutcomeStarted
}

// newJobContext must be called with s.mu held.
func (s *Serializer) newJobContext(j *job) context.Context {
	var ctx context.Context
	if s.jobTimeout > 0 {
		ctx, j.cancel = context.WithTimeout(s.baseCtx, s.jobTimeout)
	} else {
		ctx, j.cancel = context.WithCancel(s.baseCtx)
	}
	return ctx
}

func (s *Serializer) loop(ctx context.Context, id uuid.UUID, j *job, trigger TriggerKind) {
	defer s.wg.Done()

	for {
		outcome := s.runSafely(ctx, id, trigger)

		s.mu.Lock()
		j.cancel()
		if outcome.Kind == SyncPartial && j.followUp == "" && !s.closed {
			j.followUp = trigger
		}
		if j.followUp != "" && !s.closed {
			trigger = j.followUp
			j.followUp = ""
			ctx = s.newJobContext(j)
			s.mu.Unlock()

			logger.Debug().
				Str("connector_id", id.String()).
				Str("trigger", string(trigger)).
				Msg("Running owed follow-up sync")
			continue
		}

		delete(s.jobs, id)
		close(j.done)
		metrics.ActiveJobs.Dec()
		s.mu.Unlock()
		return
	}
}

func (s *Serializer) runSafely(ctx context.Context, id uuid.UUID, trigger TriggerKind) (outcome SyncOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("connector_id", id.String()).
				Interface("panic", r).
				Msg("Sync job panicked")
			outcome = SyncOutcome{Kind: SyncFailed, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return s.runner.Run(ctx, id, trigger)
}

// Active reports whether a job is in flight for id.
func (s *Serializer) Active(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Drain rejects further submissions for id, cancels any active job and
// waits for it to finish or for ctx to expire. The id stays drained until
// Release is called.
func (s *Serializer) Drain(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	s.draining[id] = struct{}{}
	j, active := s.jobs[id]
	if active {
		j.followUp = ""
		j.cancel()
	}
	s.mu.Unlock()

	if !active {
		return nil
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serializer) Release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.draining, id)
	s.mu.Unlock()
}

// WaitIdle blocks until no job is active for id, including owed follow-ups.
func (s *Serializer) WaitIdle(ctx context.Context, id uuid.UUID) error {
	for {
		s.mu.Lock()
		j, active := s.jobs[id]
		s.mu.Unlock()
		if !active {
			return nil
		}

		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every active job and waits for them to return.
func (s *Serializer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, j := range s.jobs {
		j.followUp = ""
	}
	s.mu.Unlock()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
