package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectorStore is the single source of truth for connector state. Every
// mutation of an existing row is a compare-and-set keyed by id and the
// expected prior state; a mismatch returns ErrStateConflict.
type ConnectorStore interface {
	Create(ctx context.Context, c *Connector) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connector, error)
	GetByWebhookSecretHash(ctx context.Context, hash string) (*Connector, error)
	CompareAndSetState(ctx context.Context, id uuid.UUID, expected, next State) error
	SaveCursor(ctx context.Context, id uuid.UUID, expected State, cursor string) error
	RecordSyncResult(ctx context.Context, id uuid.UUID, expected State, update SyncUpdate) error
	UpdateConfig(ctx context.Context, id uuid.UUID, expected State, config json.RawMessage) error
	ListConnectors(ctx context.Context, limit int, cursor *ListCursor) ([]Connector, *ListCursor, error)
}

type ListCursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

type SecretsManager interface {
	StoreToken(ctx context.Context, secretName, token string) error
	GetToken(ctx context.Context, secretName string) (string, error)
	DeleteToken(ctx context.Context, secretName string) error
}

// SyncRequest is everything a strategy may read during one pass.
type SyncRequest struct {
	ConnectorID uuid.UUID
	WorkspaceID string
	Config      json.RawMessage
	Token       string
	Cursor      string
}

// Checkpoint durably commits a cursor. Strategies call it after each fully
// ingested page and must stop when it returns an error.
type Checkpoint func(ctx context.Context, cursor string) error

// SyncResult is returned by a strategy on success. Partial means progress
// was made but more data remains and another pass is owed.
type SyncResult struct {
	Cursor  string
	Items   int
	Partial bool
}

// SyncStrategy performs provider-specific fetch/ingest for one pass.
type SyncStrategy interface {
	Provider() Provider
	ValidateConfig(config json.RawMessage) error
	Sync(ctx context.Context, req SyncRequest, checkpoint Checkpoint) (SyncResult, error)
}

// WebhookEvent is what a strategy extracts from an inbound payload. The
// payload is never authoritative; it only decides whether to trigger.
type WebhookEvent struct {
	EventID   string
	Challenge string
	Ignore    bool
}

// WebhookInspector is optionally implemented by strategies whose provider
// sends handshakes or event identifiers in webhook payloads.
type WebhookInspector interface {
	InspectWebhook(payload []byte) (WebhookEvent, error)
}
