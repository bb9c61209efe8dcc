package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/connector-orchestrator/pkg/metrics"
)

// WebhookAck is returned for every accepted delivery. Challenge is set when
// the provider performed a handshake and expects it echoed back.
type WebhookAck struct {
	Challenge string
	Duplicate bool
	Outcome   SubmitOutcome
}

type WebhookDelivery struct {
	Secret       string
	ProviderKind string
	Payload      []byte
	EventIDHint  string
}

// Dispatcher authenticates inbound webhooks and turns them into sync
// submissions. It keeps no state of its own beyond the dedupe window.
type Dispatcher struct {
	store      domain.ConnectorStore
	strategies *Registry
	jobs       JobSubmitter
	dedupe     *EventDeduper
	timeout    time.Duration
}

func NewDispatcher(store domain.ConnectorStore, strategies *Registry, jobs JobSubmitter, dedupe *EventDeduper, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{
		store:      store,
		strategies: strategies,
		jobs:       jobs,
		dedupe:     dedupe,
		timeout:    timeout,
	}
}

// Handle never reveals why authentication failed: unknown secrets, deleted
// connectors and provider mismatches all return ErrWebhookUnauthorized.
func (d *Dispatcher) Handle(ctx context.Context, in WebhookDelivery) (WebhookAck, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.authenticate(ctx, in.Secret, in.ProviderKind)
	if err != nil {
		result := "unauthorized"
		if !errors.Is(err, ErrWebhookUnauthorized) {
			result = "unavailable"
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("unknown", result).Inc()
		return WebhookAck{}, err
	}

	ack, result, err := d.dispatch(ctx, conn, in)
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(conn.Provider), result).Inc()
	logger.Debug().
		Str("connector_id", conn.ID.String()).
		Str("provider", string(conn.Provider)).
		Str("state", string(conn.State)).
		Str("outcome", result).
		Msg("Webhook delivery handled")
	return ack, err
}

func (d *Dispatcher) authenticate(ctx context.Context, secret, providerKind string) (*domain.Connector, error) {
	if secret == "" {
		return nil, ErrWebhookUnauthorized
	}

	conn, err := d.store.GetByWebhookSecretHash(ctx, HashWebhookSecret(secret))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrWebhookUnauthorized
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to look up connector for webhook")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !secretMatches(secret, conn.WebhookSecretHash) ||
		conn.State == domain.StateDeleted ||
		!strings.EqualFold(providerKind, string(conn.Provider)) {
		return nil, ErrWebhookUnauthorized
	}
	return conn, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *domain.Connector, in WebhookDelivery) (WebhookAck, string, error) {
	eventID := in.EventIDHint

	if strategy, ok := d.strategies.Get(conn.Provider); ok {
		if inspector, ok := strategy.(domain.WebhookInspector); ok {
			ev, err := inspector.InspectWebhook(in.Payload)
			if err != nil {
				return WebhookAck{}, "invalid", fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			if ev.Challenge != "" {
				return WebhookAck{Challenge: ev.Challenge}, "challenge", nil
			}
			if ev.Ignore {
				return WebhookAck{Outcome: OutcomeSkipped}, "ignored", nil
			}
			if ev.EventID != "" {
				eventID = ev.EventID
			}
		}
	}

	if conn.State != domain.StateRunning && conn.State != domain.StateProvisioning {
		return WebhookAck{Outcome: OutcomeSkipped}, "skipped", nil
	}

	recorded := false
	if d.dedupe != nil && eventID != "" {
		first, err := d.dedupe.FirstSeen(ctx, conn.ID, eventID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("connector_id", conn.ID.String()).Msg("Event dedupe unavailable, relying on coalescing")
		case !first:
			return WebhookAck{Duplicate: true, Outcome: OutcomeDropped}, "duplicate", nil
		default:
			recorded = true
		}
	}

	outcome := d.jobs.Submit(conn.ID, TriggerWebhook)
	if outcome == OutcomeRejected {
		if recorded {
			if err := d.dedupe.Forget(ctx, conn.ID, eventID); err != nil {
				logger.Warn().Err(err).Str("connector_id", conn.ID.String()).Msg("Failed to forget rejected event")
			}
		}
		return WebhookAck{Outcome: OutcomeRejected}, string(outcome), nil
	}
	return WebhookAck{Outcome: outcome}, string(outcome), nil
}
