package connector

import (
	"context"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/google/uuid"
)

// JobSubmitter is the slice of the serializer the reconciler needs.
type JobSubmitter interface {
	Submit(id uuid.UUID, trigger TriggerKind) SubmitOutcome
	Active(id uuid.UUID) bool
}

// Reconciler periodically sweeps the store. It restarts initial syncs for
// connectors left in provisioning (in-flight jobs do not survive a restart)
// and, when a schedule is configured, triggers syncs for running connectors
// whose last sync is older than the schedule.
type Reconciler struct {
	store    domain.ConnectorStore
	jobs     JobSubmitter
	interval time.Duration
	schedule time.Duration
	pageSize int
	now      func() time.Time
}

func NewReconciler(store domain.ConnectorStore, jobs JobSubmitter, interval, schedule time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		jobs:     jobs,
		interval: interval,
		schedule: schedule,
		pageSize: 100,
		now:      time.Now,
	}
}

// Start runs sweeps until ctx is done. The first sweep runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		logger.Info().Msg("Reconciler disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			logger.Info().Msg("Reconciler stopped.")
			return
		}
	}
}

// Sweep walks every connector once and returns how many jobs it submitted.
func (r *Reconciler) Sweep(ctx context.Context) int {
	var cursor *domain.ListCursor
	submitted := 0

	for {
		connectors, nextCursor, err := r.store.ListConnectors(ctx, r.pageSize, cursor)
		if err != nil {
			logger.Error().Err(err).Msg("Error listing connectors for reconciliation")
			return submitted
		}

		for i := range connectors {
			trigger, due := r.due(&connectors[i])
			if !due || r.jobs.Active(connectors[i].ID) {
				continue
			}

			outcome := r.jobs.Submit(connectors[i].ID, trigger)
			if outcome == OutcomeStarted {
				submitted++
			}
			logger.Debug().
				Str("connector_id", connectors[i].ID.String()).
				Str("state", string(connectors[i].State)).
				Str("trigger", string(trigger)).
				Str("outcome", string(outcome)).
				Msg("Reconciler submitted sync")
		}

		if nextCursor == nil {
			break
		}
		cursor = nextCursor
	}

	if submitted > 0 {
		logger.Info().Int("submitted", submitted).Msg("Reconciliation completed")
	}
	return submitted
}

func (r *Reconciler) due(c *domain.Connector) (TriggerKind, bool) {
	switch c.State {
	case domain.StateProvisioning:
		return TriggerLifecycle, true
	case domain.StateRunning:
		if r.schedule <= 0 {
			return "", false
		}
		if c.LastSyncAt == nil || r.now().Sub(*c.LastSyncAt) >= r.schedule {
			return TriggerScheduled, true
		}
	}
	return "", false
}
