package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/connector-orchestrator/pkg/metrics"
	"github.com/connector-orchestrator/pkg/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type OutcomeKind string

const (
	SyncSucceeded OutcomeKind = "success"
	SyncPartial   OutcomeKind = "partial"
	SyncFailed    OutcomeKind = "failure"
	SyncCancelled OutcomeKind = "cancelled"
	SyncSkipped   OutcomeKind = "skipped"
)

type SyncOutcome struct {
	Kind     OutcomeKind
	Reason   string
	Fatal    bool
	Attempts int
	Items    int
}

const maxResultLength = 512

type ExecutorConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Breaker     resilience.Settings
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts: 4,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
		Breaker:     resilience.DefaultSettings(),
	}
}

// Executor runs one sync pass for a connector. It is the only writer of
// the cursor and last-sync fields, and every write it makes is a CAS on the
// state observed when the job started.
type Executor struct {
	store      domain.ConnectorStore
	secrets    domain.SecretsManager
	strategies *Registry
	breakers   map[domain.Provider]*resilience.CircuitBreaker
	cfg        ExecutorConfig
	tracer     trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewExecutor(store domain.ConnectorStore, secrets domain.SecretsManager, strategies *Registry, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	breakers := make(map[domain.Provider]*resilience.CircuitBreaker)
	for _, p := range strategies.Providers() {
		breakers[p] = resilience.NewWithSettings("sync-"+string(p), cfg.Breaker, countsAgainstBreaker)
	}

	return &Executor{
		store:      store,
		secrets:    secrets,
		strategies: strategies,
		breakers:   breakers,
		cfg:        cfg,
		tracer:     otel.Tracer("github.com/connector-orchestrator/internal/app/connector"),
		sleep:      sleepWithContext,
		now:        time.Now,
	}
}

// countsAgainstBreaker reports the errors that say nothing about the
// provider's health as successes.
func countsAgainstBreaker(err error) bool {
	return err == nil ||
		domain.IsFatal(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrStateConflict)
}

func (e *Executor) Run(ctx context.Context, id uuid.UUID, trigger TriggerKind) SyncOutcome {
	ctx, span := e.tracer.Start(ctx, "connector.sync", trace.WithAttributes(
		attribute.String("connector.id", id.String()),
		attribute.String("sync.trigger", string(trigger)),
	))
	defer span.End()

	started := e.now()
	c, err := e.store.GetByID(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return SyncOutcome{Kind: SyncCancelled, Reason: ctx.Err().Error()}
		}
		logger.Error().Err(err).Str("connector_id", id.String()).Msg("Failed to load connector for sync")
		span.SetStatus(codes.Error, "load connector")
		return SyncOutcome{Kind: SyncFailed, Reason: fmt.Sprintf("load connector: %v", err)}
	}

	span.SetAttributes(
		attribute.String("connector.provider", string(c.Provider)),
		attribute.String("connector.state", string(c.State)),
	)

	if skip, why := skipSync(c.State, trigger); skip {
		logger.Debug().
			Str("connector_id", id.String()).
			Str("state", string(c.State)).
			Str("trigger", string(trigger)).
			Msg(why)
		return SyncOutcome{Kind: SyncSkipped, Reason: why}
	}

	outcome := e.run(ctx, c)

	metrics.SyncDuration.WithLabelValues(string(c.Provider)).Observe(e.now().Sub(started).Seconds())
	metrics.SyncRunsTotal.WithLabelValues(string(c.Provider), string(outcome.Kind)).Inc()
	span.SetAttributes(
		attribute.String("sync.outcome", string(outcome.Kind)),
		attribute.Int("sync.attempts", outcome.Attempts),
	)
	if outcome.Kind == SyncFailed {
		span.SetStatus(codes.Error, outcome.Reason)
	}

	logger.Info().
		Str("connector_id", id.String()).
		Str("workspace_id", c.WorkspaceID).
		Str("provider", string(c.Provider)).
		Str("trigger", string(trigger)).
		Str("outcome", string(outcome.Kind)).
		Int("attempt", outcome.Attempts).
		Int("items", outcome.Items).
		Msg("Sync job finished")
	return outcome
}

// skipSync decides whether a job may proceed on a connector in state s.
// Error connectors only recover through an explicit manual sync.
func skipSync(s domain.State, trigger TriggerKind) (bool, string) {
	switch s {
	case domain.StatePaused:
		return true, "Connector is paused, skipping sync"
	case domain.StateDeleted:
		return true, "Connector is deleted, skipping sync"
	case domain.StateError:
		if trigger != TriggerManual {
			return true, "Connector is in error state, only a manual sync may run"
		}
	}
	return false, ""
}

func (e *Executor) run(ctx context.Context, c *domain.Connector) SyncOutcome {
	strategy, ok := e.strategies.Get(c.Provider)
	if !ok {
		err := domain.Fatal("no strategy registered", fmt.Errorf("provider %q", c.Provider))
		return e.finish(ctx, c, c.SyncCursor, SyncOutcome{Kind: SyncFailed, Fatal: true, Reason: err.Error()})
	}

	expected := c.State
	cursor := c.SyncCursor
	checkpoint := func(ctx context.Context, next string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.SaveCursor(ctx, c.ID, expected, next); err != nil {
			return fmt.Errorf("checkpoint cursor: %w", err)
		}
		cursor = next
		return nil
	}

	var lastErr error
	attempts := 0
	for attempts < e.cfg.MaxAttempts {
		attempts++
		metrics.SyncAttemptsTotal.WithLabelValues(string(c.Provider)).Inc()

		result, err := e.attempt(ctx, c, strategy, cursor, checkpoint)
		if err == nil {
			kind := SyncSucceeded
			if result.Partial {
				kind = SyncPartial
			}
			if result.Cursor != "" {
				cursor = result.Cursor
			}
			return e.finish(ctx, c, cursor, SyncOutcome{Kind: kind, Attempts: attempts, Items: result.Items})
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStateConflict) {
			return SyncOutcome{Kind: SyncCancelled, Reason: err.Error(), Attempts: attempts}
		}
		if domain.IsFatal(err) {
			return e.finish(ctx, c, cursor, SyncOutcome{Kind: SyncFailed, Fatal: true, Reason: err.Error(), Attempts: attempts})
		}

		lastErr = err
		if ctx.Err() != nil || attempts == e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff(attempts)
		logger.Warn().
			Err(err).
			Str("connector_id", c.ID.String()).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("Transient sync failure, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			if errors.Is(err, context.Canceled) {
				return SyncOutcome{Kind: SyncCancelled, Reason: err.Error(), Attempts: attempts}
			}
			lastErr = err
			break
		}
	}

	return e.finish(ctx, c, cursor, SyncOutcome{
		Kind:     SyncFailed,
		Reason:   fmt.Sprintf("retries exhausted: %v", lastErr),
		Attempts: attempts,
	})
}

func (e *Executor) attempt(ctx context.Context, c *domain.Connector, strategy domain.SyncStrategy, cursor string, checkpoint domain.Checkpoint) (domain.SyncResult, error) {
	token, err := e.resolveToken(ctx, c)
	if err != nil {
		return domain.SyncResult{}, err
	}

	req := domain.SyncRequest{
		ConnectorID: c.ID,
		WorkspaceID: c.WorkspaceID,
		Config:      c.Config,
		Token:       token,
		Cursor:      cursor,
	}

	out, err := e.breakers[c.Provider].Execute(ctx, func() (interface{}, error) {
		return strategy.Sync(ctx, req, checkpoint)
	})
	if err != nil {
		if resilience.IsOpen(err) {
			return domain.SyncResult{}, domain.Transient("provider circuit open", err)
		}
		return domain.SyncResult{}, err
	}

	result, _ := out.(domain.SyncResult)
	return result, nil
}

// resolveToken reads the connector's credential. A connector created without
// a token syncs with an empty one.
func (e *Executor) resolveToken(ctx context.Context, c *domain.Connector) (string, error) {
	token, err := e.secrets.GetToken(ctx, SecretName(c.WorkspaceID, c.ID))
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, domain.ErrNotFound):
		return "", nil
	case errors.Is(err, context.Canceled):
		return "", err
	default:
		return "", domain.Transient("resolve credentials", err)
	}
}

// finish commits the terminal write of a pass. Success moves the connector to
// running, a fatal failure to error, and exhausted retries only move a
// provisioning connector to error.
func (e *Executor) finish(ctx context.Context, c *domain.Connector, cursor string, outcome SyncOutcome) SyncOutcome {
	next := c.State
	result := string(outcome.Kind)
	switch {
	case outcome.Kind == SyncSucceeded, outcome.Kind == SyncPartial:
		next = domain.StateRunning
	case outcome.Fatal:
		next = domain.StateError
		result = truncate("failure: fatal: " + outcome.Reason)
	default:
		if c.State == domain.StateProvisioning {
			next = domain.StateError
		}
		result = truncate("failure: transient: " + outcome.Reason)
	}

	if next != c.State && !domain.CanTransition(c.State, next) {
		logger.Error().
			Str("connector_id", c.ID.String()).
			Str("from", string(c.State)).
			Str("state", string(next)).
			Msg("Refusing illegal state transition")
		return SyncOutcome{Kind: SyncCancelled, Reason: fmt.Sprintf("illegal transition %s -> %s", c.State, next), Attempts: outcome.Attempts}
	}

	// A job that ran out of time still records its result.
	writeCtx := ctx
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	err := e.store.RecordSyncResult(writeCtx, c.ID, c.State, domain.SyncUpdate{
		State:          next,
		SyncCursor:     cursor,
		LastSyncAt:     e.now().UTC(),
		LastSyncResult: result,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, context.Canceled) {
			return SyncOutcome{Kind: SyncCancelled, Reason: "connector state changed during sync", Attempts: outcome.Attempts}
		}
		logger.Error().Err(err).Str("connector_id", c.ID.String()).Msg("Failed to record sync result")
		return SyncOutcome{Kind: SyncFailed, Reason: fmt.Sprintf("record sync result: %v", err), Attempts: outcome.Attempts}
	}

	if next != c.State {
		metrics.StateTransitionsTotal.WithLabelValues(string(c.State), string(next)).Inc()
	}
	return outcome
}

// backoff returns base * 2^(attempt-1) with +/-25% jitter, capped at max.
func (e *Executor) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * e.cfg.BackoffBase

	jitterRange := int64(float64(d) * 0.25)
	if jitterRange > 0 {
		d += time.Duration(rand.Int64N(2*jitterRange) - jitterRange)
	}
	if e.cfg.BackoffMax > 0 && d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	if d < 0 {
		d = 0
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncate cuts s to at most maxResultLength bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxResultLength {
		return s
	}
	cut := maxResultLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
