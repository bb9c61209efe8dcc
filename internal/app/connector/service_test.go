package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/internal/infrastructure/memory"
	"github.com/connector-orchestrator/internal/mocks"
	"github.com/connector-orchestrator/pkg/resilience"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	store    *memory.ConnectorStore
	secrets  *memory.SecretsManager
	strategy *fakeStrategy
	jobs     *recordingJobs
	service  *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    memory.NewConnectorStore(),
		secrets:  memory.NewSecretsManager(),
		strategy: &fakeStrategy{provider: domain.ProviderSlack},
		jobs:     newRecordingJobs(),
	}
	f.service = NewService(f.store, f.secrets, NewRegistry(f.strategy), f.jobs)
	return f
}

func TestService_CreateConnector(t *testing.T) {
	tests := []struct {
		name      string
		input     CreateInput
		validate  func(json.RawMessage) error
		wantErr   error
		wantToken string
	}{
		{
			name: "successful creation strips token",
			input: CreateInput{
				WorkspaceID: "workspace123",
				Provider:    "Slack",
				Config:      json.RawMessage(`{"token":"xoxb-1","channels":["C1"]}`),
			},
			wantToken: "xoxb-1",
		},
		{
			name:  "creation without token",
			input: CreateInput{WorkspaceID: "workspace123", Provider: "slack"},
		},
		{
			name:    "missing workspace",
			input:   CreateInput{Provider: "slack"},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "unknown provider",
			input:   CreateInput{WorkspaceID: "workspace123", Provider: "jira"},
			wantErr: ErrUnknownProvider,
		},
		{
			name: "config is not an object",
			input: CreateInput{
				WorkspaceID: "workspace123",
				Provider:    "slack",
				Config:      json.RawMessage(`["C1"]`),
			},
			wantErr: ErrInvalidInput,
		},
		{
			name: "strategy rejects config",
			input: CreateInput{
				WorkspaceID: "workspace123",
				Provider:    "slack",
				Config:      json.RawMessage(`{"page_size":-1}`),
			},
			validate: func(json.RawMessage) error { return errors.New("page_size must be positive") },
			wantErr:  ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.strategy.validate = tt.validate

			created, err := f.service.CreateConnector(context.Background(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, created)
				assert.Empty(t, f.jobs.Submitted())
				return
			}

			require.NoError(t, err)
			conn := created.Connector
			assert.Equal(t, domain.StateProvisioning, conn.State)
			assert.Equal(t, domain.ProviderSlack, conn.Provider)
			assert.NotContains(t, string(conn.Config), "token")
			assert.NotEmpty(t, created.WebhookSecret)
			assert.Equal(t, HashWebhookSecret(created.WebhookSecret), conn.WebhookSecretHash)
			assert.NotEqual(t, created.WebhookSecret, conn.WebhookSecretHash)
			assert.Equal(t, []TriggerKind{TriggerLifecycle}, f.jobs.Submitted())

			stored := mustGet(t, f.store, conn.ID)
			assert.Equal(t, domain.StateProvisioning, stored.State)

			token, err := f.secrets.GetToken(context.Background(), SecretName(conn.WorkspaceID, conn.ID))
			if tt.wantToken == "" {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
		})
	}
}

func TestService_CreateConnector_StoreFailureRemovesToken(t *testing.T) {
	store := new(mocks.MockConnectorStore)
	sm := new(mocks.MockSecretsManager)
	jobs := newRecordingJobs()
	svc := NewService(store, sm, NewRegistry(&fakeStrategy{provider: domain.ProviderGitHub}), jobs)

	sm.On("StoreToken", mock.Anything, mock.AnythingOfType("string"), "ghp_abc").Return(nil)
	store.On("Create", mock.Anything, mock.MatchedBy(func(c *domain.Connector) bool {
		return c.WorkspaceID == "workspace123" && c.State == domain.StateProvisioning
	})).Return(errors.New("connection refused"))
	sm.On("DeleteToken", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	_, err := svc.CreateConnector(context.Background(), CreateInput{
		WorkspaceID: "workspace123",
		Provider:    "github",
		Config:      json.RawMessage(`{"token":"ghp_abc","owner":"o","repo":"r"}`),
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, jobs.Submitted())
	store.AssertExpectations(t)
	sm.AssertExpectations(t)
}

func TestService_StopConnector(t *testing.T) {
	tests := []struct {
		initial       domain.State
		wantState     domain.State
		wantErr       error
		wantSubmitted []TriggerKind
	}{
		{domain.StateRunning, domain.StatePaused, nil, []TriggerKind{TriggerLifecycleStop}},
		{domain.StateError, domain.StatePaused, nil, []TriggerKind{TriggerLifecycleStop}},
		{domain.StatePaused, domain.StatePaused, nil, []TriggerKind{TriggerLifecycleStop}},
		{domain.StateProvisioning, domain.StateProvisioning, ErrProvisioning, nil},
		{domain.StateDeleted, domain.StateDeleted, ErrConnectorNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.initial), func(t *testing.T) {
			f := newServiceFixture(t)
			conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, tt.initial)

			got, err := f.service.StopConnector(context.Background(), "ws", conn.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantState, got.State)
			}
			assert.Equal(t, tt.wantState, mustGet(t, f.store, conn.ID).State)
			assert.Equal(t, tt.wantSubmitted, f.jobs.Submitted())
		})
	}
}

func TestService_StopConnector_ProvisioningReportsState(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StateProvisioning)

	_, err := f.service.StopConnector(context.Background(), "ws", conn.ID)

	var sce *StateConflictError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, domain.StateProvisioning, sce.Current)
	assert.True(t, IsRetryable(err))
}

func TestService_ResumeConnector(t *testing.T) {
	tests := []struct {
		initial       domain.State
		wantState     domain.State
		wantErr       error
		wantSubmitted []TriggerKind
	}{
		{domain.StatePaused, domain.StateRunning, nil, []TriggerKind{TriggerLifecycle}},
		{domain.StateRunning, domain.StateRunning, nil, nil},
		{domain.StateError, domain.StateError, ErrInvalidState, nil},
		{domain.StateProvisioning, domain.StateProvisioning, ErrInvalidState, nil},
		{domain.StateDeleted, domain.StateDeleted, ErrConnectorNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.initial), func(t *testing.T) {
			f := newServiceFixture(t)
			conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, tt.initial)

			got, err := f.service.ResumeConnector(context.Background(), "ws", conn.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantState, got.State)
			}
			assert.Equal(t, tt.wantState, mustGet(t, f.store, conn.ID).State)
			assert.Equal(t, tt.wantSubmitted, f.jobs.Submitted())
		})
	}
}

func TestService_StopConnector_RetriesLostRace(t *testing.T) {
	store := new(mocks.MockConnectorStore)
	jobs := newRecordingJobs()
	svc := NewService(store, memory.NewSecretsManager(), NewRegistry(&fakeStrategy{provider: domain.ProviderSlack}), jobs)

	conn := &domain.Connector{ID: uuid.New(), WorkspaceID: "ws", Provider: domain.ProviderSlack, State: domain.StateRunning}
	errored := *conn
	errored.State = domain.StateError

	store.On("GetByID", mock.Anything, conn.ID).Return(conn, nil).Once()
	store.On("CompareAndSetState", mock.Anything, conn.ID, domain.StateRunning, domain.StatePaused).Return(domain.ErrStateConflict).Once()
	store.On("GetByID", mock.Anything, conn.ID).Return(&errored, nil).Once()
	store.On("CompareAndSetState", mock.Anything, conn.ID, domain.StateError, domain.StatePaused).Return(nil).Once()

	got, err := svc.StopConnector(context.Background(), "ws", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)
	assert.Equal(t, []TriggerKind{TriggerLifecycleStop}, jobs.Submitted())
	store.AssertExpectations(t)
}

func TestService_StoreUnavailable(t *testing.T) {
	store := new(mocks.MockConnectorStore)
	svc := NewService(store, memory.NewSecretsManager(), NewRegistry(), newRecordingJobs())

	store.On("GetByID", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))

	_, err := svc.GetConnector(context.Background(), "ws", uuid.New())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestService_TenantIsolation(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "tenant-a", domain.ProviderSlack, domain.StateRunning)
	ctx := context.Background()

	_, err := f.service.GetConnector(ctx, "tenant-b", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = f.service.StopConnector(ctx, "tenant-b", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = f.service.ResumeConnector(ctx, "tenant-b", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = f.service.SyncConnector(ctx, "tenant-b", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = f.service.UpdateConfig(ctx, "tenant-b", conn.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	err = f.service.DeleteConnector(ctx, "tenant-b", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	assert.Equal(t, domain.StateRunning, mustGet(t, f.store, conn.ID).State)
	assert.Empty(t, f.jobs.Submitted())
}

func TestService_DeleteConnector(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StatePaused)
	secretName := SecretName("ws", conn.ID)
	require.NoError(t, f.secrets.StoreToken(context.Background(), secretName, "xoxb"))

	require.NoError(t, f.service.DeleteConnector(context.Background(), "ws", conn.ID))

	assert.Equal(t, domain.StateDeleted, mustGet(t, f.store, conn.ID).State)
	assert.Equal(t, []uuid.UUID{conn.ID}, f.jobs.drained)
	assert.Empty(t, f.jobs.released)
	_, err := f.secrets.GetToken(context.Background(), secretName)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.GetConnector(context.Background(), "ws", conn.ID)
	assert.ErrorIs(t, err, ErrConnectorNotFound)
	assert.ErrorIs(t, f.service.DeleteConnector(context.Background(), "ws", conn.ID), ErrConnectorNotFound)
}

func TestService_DeleteConnector_Provisioning(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StateProvisioning)

	err := f.service.DeleteConnector(context.Background(), "ws", conn.ID)
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Empty(t, f.jobs.drained)
	assert.Equal(t, domain.StateProvisioning, mustGet(t, f.store, conn.ID).State)
}

func TestService_DeleteConnector_DrainTimeout(t *testing.T) {
	f := newServiceFixture(t)
	f.jobs.drainErr = context.DeadlineExceeded
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StateRunning)

	err := f.service.DeleteConnector(context.Background(), "ws", conn.ID)

	assert.ErrorIs(t, err, ErrDeleteTimeout)
	assert.True(t, IsRetryable(err))
	assert.Len(t, f.jobs.released, 1)
	assert.Equal(t, domain.StateRunning, mustGet(t, f.store, conn.ID).State)
}

func TestService_SyncConnector(t *testing.T) {
	tests := []struct {
		initial     domain.State
		wantOutcome SubmitOutcome
		wantErr     error
	}{
		{domain.StateRunning, OutcomeStarted, nil},
		{domain.StateError, OutcomeStarted, nil},
		{domain.StateProvisioning, OutcomeStarted, nil},
		{domain.StatePaused, OutcomeSkipped, nil},
		{domain.StateDeleted, "", ErrConnectorNotFound},
	}

	for _, tt := range tests {
		t.Run(string(tt.initial), func(t *testing.T) {
			f := newServiceFixture(t)
			conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, tt.initial)

			outcome, err := f.service.SyncConnector(context.Background(), "ws", conn.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
		})
	}
}

func TestService_UpdateConfig(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StateRunning)

	updated, err := f.service.UpdateConfig(context.Background(), "ws", conn.ID,
		json.RawMessage(`{"channels":["C9"],"token":"xoxb-rotated"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"channels":["C9"]}`, string(updated.Config))
	assert.JSONEq(t, `{"channels":["C9"]}`, string(mustGet(t, f.store, conn.ID).Config))

	token, err := f.secrets.GetToken(context.Background(), SecretName("ws", conn.ID))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-rotated", token)

	f.strategy.validate = func(json.RawMessage) error { return errors.New("bad channel") }
	_, err = f.service.UpdateConfig(context.Background(), "ws", conn.ID, json.RawMessage(`{"channels":[""]}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// newLiveService wires the service to a real serializer and executor.
func newLiveService(t *testing.T, strategy *fakeStrategy, deleteTimeout time.Duration) (*Service, *Serializer, *memory.ConnectorStore) {
	t.Helper()
	store := memory.NewConnectorStore()
	secrets := memory.NewSecretsManager()
	registry := NewRegistry(strategy)
	executor := NewExecutor(store, secrets, registry, ExecutorConfig{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
		Breaker:     resilience.DefaultSettings(),
	})
	serializer := NewSerializer(executor, time.Minute)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = serializer.Shutdown(ctx)
	})
	return NewService(store, secrets, registry, serializer, WithDeleteTimeout(deleteTimeout)), serializer, store
}

func TestService_Lifecycle(t *testing.T) {
	strategy := &fakeStrategy{provider: domain.ProviderSlack}
	strategy.sync = func(ctx context.Context, req domain.SyncRequest, cp domain.Checkpoint) (domain.SyncResult, error) {
		return domain.SyncResult{Cursor: "c" + req.Cursor, Items: 1}, nil
	}
	svc, serializer, store := newLiveService(t, strategy, time.Second)
	ctx := testContext(t)

	created, err := svc.CreateConnector(ctx, CreateInput{WorkspaceID: "ws", Provider: "slack", Config: json.RawMessage(`{"token":"t"}`)})
	require.NoError(t, err)
	id := created.Connector.ID

	require.NoError(t, serializer.WaitIdle(ctx, id))
	conn := mustGet(t, store, id)
	assert.Equal(t, domain.StateRunning, conn.State)
	assert.Equal(t, "success", conn.LastSyncResult)
	assert.Equal(t, "c", conn.SyncCursor)

	_, err = svc.StopConnector(ctx, "ws", id)
	require.NoError(t, err)
	outcome, err := svc.SyncConnector(ctx, "ws", id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	_, err = svc.ResumeConnector(ctx, "ws", id)
	require.NoError(t, err)
	require.NoError(t, serializer.WaitIdle(ctx, id))
	conn = mustGet(t, store, id)
	assert.Equal(t, domain.StateRunning, conn.State)
	assert.Equal(t, "cc", conn.SyncCursor)
	assert.Equal(t, "t", strategy.Calls()[1].Token)

	require.NoError(t, svc.DeleteConnector(ctx, "ws", id))
	assert.Equal(t, domain.StateDeleted, mustGet(t, store, id).State)
	assert.Equal(t, OutcomeRejected, serializer.Submit(id, TriggerWebhook))
}

func TestService_DeleteCancelsInFlightSync(t *testing.T) {
	started := make(chan struct{}, 1)
	strategy := &fakeStrategy{provider: domain.ProviderSlack}
	strategy.sync = func(ctx context.Context, _ domain.SyncRequest, cp domain.Checkpoint) (domain.SyncResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return domain.SyncResult{}, ctx.Err()
	}
	svc, serializer, store := newLiveService(t, strategy, time.Second)
	conn, _ := seedConnector(t, store, "ws", domain.ProviderSlack, domain.StateRunning)
	ctx := testContext(t)

	require.Equal(t, OutcomeStarted, serializer.Submit(conn.ID, TriggerManual))
	<-started

	require.NoError(t, svc.DeleteConnector(ctx, "ws", conn.ID))

	stored := mustGet(t, store, conn.ID)
	assert.Equal(t, domain.StateDeleted, stored.State)
	assert.Nil(t, stored.LastSyncAt)
	assert.Empty(t, stored.SyncCursor)
	assert.False(t, serializer.Active(conn.ID))
}

func TestService_DeleteTimesOutOnStuckSync(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	strategy := &fakeStrategy{provider: domain.ProviderSlack}
	strategy.sync = func(context.Context, domain.SyncRequest, domain.Checkpoint) (domain.SyncResult, error) {
		started <- struct{}{}
		<-release
		return domain.SyncResult{}, nil
	}
	svc, serializer, store := newLiveService(t, strategy, 20*time.Millisecond)
	conn, _ := seedConnector(t, store, "ws", domain.ProviderSlack, domain.StateRunning)
	ctx := testContext(t)

	serializer.Submit(conn.ID, TriggerManual)
	<-started

	err := svc.DeleteConnector(ctx, "ws", conn.ID)
	assert.ErrorIs(t, err, ErrDeleteTimeout)
	assert.Equal(t, domain.StateRunning, mustGet(t, store, conn.ID).State)

	close(release)
	require.NoError(t, serializer.WaitIdle(ctx, conn.ID))
	require.NoError(t, svc.DeleteConnector(ctx, "ws", conn.ID))
	assert.Equal(t, domain.StateDeleted, mustGet(t, store, conn.ID).State)
}

func TestService_ManualSyncQueuedBehindWebhookRecoversError(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int32
	strategy := &fakeStrategy{provider: domain.ProviderSlack}
	strategy.sync = func(context.Context, domain.SyncRequest, domain.Checkpoint) (domain.SyncResult, error) {
		started <- struct{}{}
		if calls.Add(1) == 1 {
			<-release
			return domain.SyncResult{}, domain.Fatal("token_revoked", errors.New("token revoked"))
		}
		return domain.SyncResult{Cursor: "fresh"}, nil
	}
	svc, serializer, store := newLiveService(t, strategy, time.Second)
	conn, _ := seedConnector(t, store, "ws", domain.ProviderSlack, domain.StateRunning)
	ctx := testContext(t)

	require.Equal(t, OutcomeStarted, serializer.Submit(conn.ID, TriggerWebhook))
	<-started
	require.Equal(t, OutcomeCoalesced, serializer.Submit(conn.ID, TriggerWebhook))

	outcome, err := svc.SyncConnector(ctx, "ws", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)

	close(release)
	require.NoError(t, serializer.WaitIdle(ctx, conn.ID))

	stored := mustGet(t, store, conn.ID)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, domain.StateRunning, stored.State)
	assert.Equal(t, "fresh", stored.SyncCursor)
}

func TestService_TransitionRejectsIllegalEdge(t *testing.T) {
	f := newServiceFixture(t)
	conn, _ := seedConnector(t, f.store, "ws", domain.ProviderSlack, domain.StateProvisioning)

	err := f.service.transition(context.Background(), conn, domain.StatePaused)

	assert.ErrorIs(t, err, ErrInvalidState)
	var sce *StateConflictError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, domain.StateProvisioning, sce.Current)
	assert.Equal(t, domain.StateProvisioning, conn.State)
	assert.Equal(t, domain.StateProvisioning, mustGet(t, f.store, conn.ID).State)
}

func TestService_DeleteConnector_LosingRaceKeepsDrain(t *testing.T) {
	store := new(mocks.MockConnectorStore)
	jobs := newRecordingJobs()
	svc := NewService(store, memory.NewSecretsManager(), NewRegistry(&fakeStrategy{provider: domain.ProviderSlack}), jobs)

	conn := &domain.Connector{ID: uuid.New(), WorkspaceID: "ws", Provider: domain.ProviderSlack, State: domain.StateRunning}
	deleted := *conn
	deleted.State = domain.StateDeleted

	store.On("GetByID", mock.Anything, conn.ID).Return(conn, nil).Once()
	store.On("CompareAndSetState", mock.Anything, conn.ID, domain.StateRunning, domain.StateDeleted).Return(domain.ErrStateConflict).Once()
	store.On("GetByID", mock.Anything, conn.ID).Return(&deleted, nil).Once()

	err := svc.DeleteConnector(context.Background(), "ws", conn.ID)

	assert.ErrorIs(t, err, ErrConnectorNotFound)
	assert.Equal(t, []uuid.UUID{conn.ID}, jobs.drained)
	assert.Empty(t, jobs.released)
	store.AssertExpectations(t)
}
