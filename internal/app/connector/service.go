package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/connector-orchestrator/pkg/metrics"
	"github.com/google/uuid"
)

// casRetries bounds how often an operation re-reads and retries after losing
// a compare-and-set race.
const casRetries = 5

// Jobs is the serializer surface the lifecycle controller drives.
type Jobs interface {
	JobSubmitter
	Drain(ctx context.Context, id uuid.UUID) error
	Release(id uuid.UUID)
}

type ServiceOption func(*Service)

func WithDeleteTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.deleteTimeout = d
		}
	}
}

type Service struct {
	store         domain.ConnectorStore
	secrets       domain.SecretsManager
	strategies    *Registry
	jobs          Jobs
	deleteTimeout time.Duration
	now           func() time.Time
}

func NewService(store domain.ConnectorStore, sm domain.SecretsManager, strategies *Registry, jobs Jobs, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		secrets:       sm,
		strategies:    strategies,
		jobs:          jobs,
		deleteTimeout: 30 * time.Second,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type CreateInput struct {
	WorkspaceID string
	Provider    string
	Config      json.RawMessage
}

// Created is the only place the plaintext webhook secret ever appears.
type Created struct {
	Connector     *domain.Connector
	WebhookSecret string
}

func (s *Service) CreateConnector(ctx context.Context, input CreateInput) (*Created, error) {
	if strings.TrimSpace(input.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidInput)
	}

	provider := domain.Provider(strings.ToLower(strings.TrimSpace(input.Provider)))
	strategy, ok := s.strategies.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, input.Provider)
	}

	config, token, err := extractToken(input.Config)
	if err != nil {
		return nil, err
	}
	if err := strategy.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	secret, err := generateWebhookSecret()
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}

	now := s.now().UTC()
	conn := &domain.Connector{
		ID:                uuid.New(),
		WorkspaceID:       input.WorkspaceID,
		Provider:          provider,
		Config:            config,
		WebhookSecretHash: HashWebhookSecret(secret),
		State:             domain.StateProvisioning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	secretName := SecretName(conn.WorkspaceID, conn.ID)
	if token != "" {
		logger.Info().
			Str("secret_name", secretName).
			Msg("Storing provider token in secrets store (not logging token value)")
		if err := s.secrets.StoreToken(ctx, secretName, token); err != nil {
			logger.Error().Err(err).Msg("Failed to store provider token")
			return nil, fmt.Errorf("%w: store credential: %v", ErrUnavailable, err)
		}
	}

	if err := s.store.Create(ctx, conn); err != nil {
		logger.Error().Err(err).Str("connector_id", conn.ID.String()).Msg("Failed to create connector in store")
		if token != "" {
			if cleanupErr := s.secrets.DeleteToken(ctx, secretName); cleanupErr != nil {
				logger.Error().Err(cleanupErr).Msg("Failed to clean up secret after store error")
			}
		}
		return nil, storeErr(err)
	}

	outcome := s.jobs.Submit(conn.ID, TriggerLifecycle)
	logger.Info().
		Str("connector_id", conn.ID.String()).
		Str("workspace_id", conn.WorkspaceID).
		Str("provider", string(conn.Provider)).
		Str("outcome", string(outcome)).
		Msg("Connector created")

	return &Created{Connector: conn, WebhookSecret: secret}, nil
}

// load returns the connector if it exists, is not deleted and belongs to the
// workspace. All three failures look the same to the caller.
func (s *Service) load(ctx context.Context, workspaceID string, id uuid.UUID) (*domain.Connector, error) {
	conn, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if conn.State == domain.StateDeleted || conn.WorkspaceID != workspaceID {
		return nil, ErrConnectorNotFound
	}
	return conn, nil
}

func (s *Service) GetConnector(ctx context.Context, workspaceID string, id uuid.UUID) (*domain.Connector, error) {
	conn, err := s.load(ctx, workspaceID, id)
	if err != nil {
		logger.Debug().Err(err).Str("connector_id", id.String()).Msg("Connector lookup failed")
		return nil, err
	}
	return conn, nil
}

// transition moves conn to next with a CAS and updates the in-memory copy.
func (s *Service) transition(ctx context.Context, conn *domain.Connector, next domain.State) error {
	if !domain.CanTransition(conn.State, next) {
		return conflict("transition", conn.State, ErrInvalidState)
	}
	if err := s.store.CompareAndSetState(ctx, conn.ID, conn.State, next); err != nil {
		return err
	}
	metrics.StateTransitionsTotal.WithLabelValues(string(conn.State), string(next)).Inc()
	logger.Info().
		Str("connector_id", conn.ID.String()).
		Str("from", string(conn.State)).
		Str("state", string(next)).
		Msg("Connector state changed")
	conn.State = next
	conn.UpdatedAt = s.now().UTC()
	return nil
}

func contended(op string) error {
	return fmt.Errorf("%s: %w: connector changed concurrently", op, ErrUnavailable)
}

func (s *Service) StopConnector(ctx context.Context, workspaceID string, id uuid.UUID) (*domain.Connector, error) {
	for range casRetries {
		conn, err := s.load(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}

		switch conn.State {
		case domain.StatePaused:
			s.jobs.Submit(id, TriggerLifecycleStop)
			return conn, nil
		case domain.StateProvisioning:
			return nil, conflict("stop", conn.State, ErrProvisioning)
		case domain.StateRunning, domain.StateError:
		default:
			return nil, conflict("stop", conn.State, ErrInvalidState)
		}

		err = s.transition(ctx, conn, domain.StatePaused)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}

		s.jobs.Submit(id, TriggerLifecycleStop)
		return conn, nil
	}
	return nil, contended("stop")
}

func (s *Service) ResumeConnector(ctx context.Context, workspaceID string, id uuid.UUID) (*domain.Connector, error) {
	for range casRetries {
		conn, err := s.load(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}

		switch conn.State {
		case domain.StateRunning:
			return conn, nil
		case domain.StatePaused:
		default:
			return nil, conflict("resume", conn.State, ErrInvalidState)
		}

		err = s.transition(ctx, conn, domain.StateRunning)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}

		s.jobs.Submit(id, TriggerLifecycle)
		return conn, nil
	}
	return nil, contended("resume")
}

// DeleteConnector drains the connector's jobs before the terminal CAS. If the
// active job does not stop within the delete timeout nothing is written and
// the caller may retry.
func (s *Service) DeleteConnector(ctx context.Context, workspaceID string, id uuid.UUID) error {
	logger.Info().Str("connector_id", id.String()).Msg("Attempting to delete connector")

	conn, err := s.load(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if conn.State == domain.StateProvisioning {
		return conflict("delete", conn.State, ErrProvisioning)
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.deleteTimeout)
	defer cancel()
	if err := s.jobs.Drain(drainCtx, id); err != nil {
		s.jobs.Release(id)
		logger.Warn().Err(err).Str("connector_id", id.String()).Msg("In-flight sync did not stop in time")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrDeleteTimeout
	}

	for attempt := 0; ; attempt++ {
		err = s.transition(ctx, conn, domain.StateDeleted)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStateConflict) || attempt == casRetries {
			s.jobs.Release(id)
			if errors.Is(err, domain.ErrStateConflict) {
				return contended("delete")
			}
			return storeErr(err)
		}

		conn, err = s.load(ctx, workspaceID, id)
		if err != nil {
			// A concurrent delete won; the id stays drained.
			if !errors.Is(err, ErrConnectorNotFound) {
				s.jobs.Release(id)
			}
			return err
		}
		if conn.State == domain.StateProvisioning {
			s.jobs.Release(id)
			return conflict("delete", conn.State, ErrProvisioning)
		}
	}

	secretName := SecretName(conn.WorkspaceID, conn.ID)
	if err := s.secrets.DeleteToken(ctx, secretName); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Err(err).Str("secret_name", secretName).Msg("Failed to delete token from secrets store")
	}

	logger.Info().Str("connector_id", id.String()).Msg("Connector deleted")
	return nil
}

// SyncConnector requests a manual sync. Paused connectors do not sync; the
// request is accepted and reported as skipped.
func (s *Service) SyncConnector(ctx context.Context, workspaceID string, id uuid.UUID) (SubmitOutcome, error) {
	conn, err := s.load(ctx, workspaceID, id)
	if err != nil {
		return "", err
	}
	if conn.State == domain.StatePaused {
		return OutcomeSkipped, nil
	}
	return s.jobs.Submit(id, TriggerManual), nil
}

// UpdateConfig replaces the provider configuration. A token in the new config
// rotates the stored credential.
func (s *Service) UpdateConfig(ctx context.Context, workspaceID string, id uuid.UUID, raw json.RawMessage) (*domain.Connector, error) {
	config, token, err := extractToken(raw)
	if err != nil {
		return nil, err
	}

	for range casRetries {
		conn, err := s.load(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}

		strategy, ok := s.strategies.Get(conn.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, conn.Provider)
		}
		if err := strategy.ValidateConfig(config); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}

		err = s.store.UpdateConfig(ctx, id, conn.State, config)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}

		if token != "" {
			secretName := SecretName(conn.WorkspaceID, conn.ID)
			if err := s.secrets.StoreToken(ctx, secretName, token); err != nil {
				logger.Error().Err(err).Str("connector_id", id.String()).Msg("Failed to rotate provider token")
				return nil, fmt.Errorf("%w: store credential: %v", ErrUnavailable, err)
			}
		}

		conn.Config = config
		conn.UpdatedAt = s.now().UTC()
		logger.Info().Str("connector_id", id.String()).Msg("Connector config updated")
		return conn, nil
	}
	return nil, contended("update")
}
