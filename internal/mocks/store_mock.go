package mocks

import (
	"context"
	"encoding/json"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockConnectorStore struct {
	mock.Mock
}

var _ domain.ConnectorStore = (*MockConnectorStore)(nil)

func (m *MockConnectorStore) Create(ctx context.Context, c *domain.Connector) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockConnectorStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Connector, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Connector), args.Error(1)
}

func (m *MockConnectorStore) GetByWebhookSecretHash(ctx context.Context, hash string) (*domain.Connector, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Connector), args.Error(1)
}

func (m *MockConnectorStore) CompareAndSetState(ctx context.Context, id uuid.UUID, expected, next domain.State) error {
	args := m.Called(ctx, id, expected, next)
	return args.Error(0)
}

func (m *MockConnectorStore) SaveCursor(ctx context.Context, id uuid.UUID, expected domain.State, cursor string) error {
	args := m.Called(ctx, id, expected, cursor)
	return args.Error(0)
}

func (m *MockConnectorStore) RecordSyncResult(ctx context.Context, id uuid.UUID, expected domain.State, update domain.SyncUpdate) error {
	args := m.Called(ctx, id, expected, update)
	return args.Error(0)
}

func (m *MockConnectorStore) UpdateConfig(ctx context.Context, id uuid.UUID, expected domain.State, config json.RawMessage) error {
	args := m.Called(ctx, id, expected, config)
	return args.Error(0)
}

func (m *MockConnectorStore) ListConnectors(ctx context.Context, limit int, cursor *domain.ListCursor) ([]domain.Connector, *domain.ListCursor, error) {
	args := m.Called(ctx, limit, cursor)
	var next *domain.ListCursor
	if args.Get(1) != nil {
		next = args.Get(1).(*domain.ListCursor)
	}
	if args.Get(0) == nil {
		return nil, next, args.Error(2)
	}
	return args.Get(0).([]domain.Connector), next, args.Error(2)
}
