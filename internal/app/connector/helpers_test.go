package connector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/internal/infrastructure/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeStrategy is a scriptable SyncStrategy that also inspects webhooks.
type fakeStrategy struct {
	provider domain.Provider
	validate func(json.RawMessage) error
	sync     func(ctx context.Context, req domain.SyncRequest, cp domain.Checkpoint) (domain.SyncResult, error)
	inspect  func(payload []byte) (domain.WebhookEvent, error)

	mu    sync.Mutex
	calls []domain.SyncRequest
}

func (f *fakeStrategy) Provider() domain.Provider {
	return f.provider
}

func (f *fakeStrategy) ValidateConfig(raw json.RawMessage) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(raw)
}

func (f *fakeStrategy) Sync(ctx context.Context, req domain.SyncRequest, cp domain.Checkpoint) (domain.SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.sync == nil {
		return domain.SyncResult{Cursor: req.Cursor}, nil
	}
	return f.sync(ctx, req, cp)
}

func (f *fakeStrategy) InspectWebhook(payload []byte) (domain.WebhookEvent, error) {
	if f.inspect == nil {
		return domain.WebhookEvent{}, nil
	}
	return f.inspect(payload)
}

func (f *fakeStrategy) Calls() []domain.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SyncRequest(nil), f.calls...)
}

// seedConnector stores a connector in the given state and returns its
// plaintext webhook secret alongside it.
func seedConnector(t *testing.T, store *memory.ConnectorStore, workspaceID string, provider domain.Provider, state domain.State) (*domain.Connector, string) {
	t.Helper()

	secret, err := generateWebhookSecret()
	require.NoError(t, err)

	now := time.Now().UTC()
	conn := &domain.Connector{
		ID:                uuid.New(),
		WorkspaceID:       workspaceID,
		Provider:          provider,
		Config:            json.RawMessage(`{}`),
		WebhookSecretHash: HashWebhookSecret(secret),
		State:             state,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.Create(context.Background(), conn))
	return conn, secret
}

func mustGet(t *testing.T, store domain.ConnectorStore, id uuid.UUID) *domain.Connector {
	t.Helper()
	conn, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return conn
}

// recordingJobs captures submissions without running anything.
type recordingJobs struct {
	mu        sync.Mutex
	submitted []TriggerKind
	outcome   SubmitOutcome
	active    map[uuid.UUID]bool
	drainErr  error
	drained   []uuid.UUID
	released  []uuid.UUID
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{outcome: OutcomeStarted, active: map[uuid.UUID]bool{}}
}

func (r *recordingJobs) Submit(_ uuid.UUID, trigger TriggerKind) SubmitOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, trigger)
	if trigger == TriggerLifecycleStop {
		return OutcomeIdle
	}
	return r.outcome
}

func (r *recordingJobs) Active(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

func (r *recordingJobs) Drain(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained = append(r.drained, id)
	return r.drainErr
}

func (r *recordingJobs) Release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
}

func (r *recordingJobs) Submitted() []TriggerKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TriggerKind(nil), r.submitted...)
}
