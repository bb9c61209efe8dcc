//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func TestConnectorRepository_Postgres(t *testing.T) {
	ctx := context.Background()
	db, err := InitDb(ctx, startPostgres(t), PoolConfig{MaxOpenConns: 5, MaxIdleConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	applied, err := RunMigrations(ctx, db, "../../../migrations")
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	applied, err = RunMigrations(ctx, db, "../../../migrations")
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	repo := NewConnectorRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	conn := &domain.Connector{
		ID:                uuid.New(),
		WorkspaceID:       "ws-1",
		Provider:          domain.ProviderGitHub,
		Config:            json.RawMessage(`{"owner":"octo","repo":"hello"}`),
		WebhookSecretHash: "hash-1",
		State:             domain.StateProvisioning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, repo.Create(ctx, conn))

	dup := *conn
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.Create(ctx, &dup), domain.ErrDuplicate)

	byHash, err := repo.GetByWebhookSecretHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byHash.ID)

	require.NoError(t, repo.SaveCursor(ctx, conn.ID, domain.StateProvisioning, "2026-03-01T10:00:00Z"))
	require.NoError(t, repo.RecordSyncResult(ctx, conn.ID, domain.StateProvisioning, domain.SyncUpdate{
		State:          domain.StateRunning,
		SyncCursor:     "2026-03-01T11:00:00Z",
		LastSyncAt:     now,
		LastSyncResult: "success",
	}))

	assert.ErrorIs(t, repo.CompareAndSetState(ctx, conn.ID, domain.StateProvisioning, domain.StateRunning), domain.ErrStateConflict)
	assert.ErrorIs(t, repo.CompareAndSetState(ctx, uuid.New(), domain.StateRunning, domain.StatePaused), domain.ErrNotFound)
	require.NoError(t, repo.CompareAndSetState(ctx, conn.ID, domain.StateRunning, domain.StatePaused))
	require.NoError(t, repo.UpdateConfig(ctx, conn.ID, domain.StatePaused, json.RawMessage(`{"owner":"octo","repo":"world"}`)))

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)
	assert.Equal(t, "2026-03-01T11:00:00Z", got.SyncCursor)
	assert.Equal(t, "success", got.LastSyncResult)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(now))
	assert.JSONEq(t, `{"owner":"octo","repo":"world"}`, string(got.Config))

	page, next, err := repo.ListConnectors(ctx, 10, nil)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Nil(t, next)
}
