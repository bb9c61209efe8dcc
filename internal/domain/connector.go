package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateDeleted      State = "deleted"
)

func (s State) Valid() bool {
	switch s {
	case StateProvisioning, StateRunning, StatePaused, StateError, StateDeleted:
		return true
	default:
		return false
	}
}

type Provider string

const (
	ProviderSlack  Provider = "slack"
	ProviderGitHub Provider = "github"
)

// Connector is the durable record of one tenant's binding to an external
// provider. WebhookSecretHash holds the SHA-256 digest of the webhook secret;
// the plaintext secret only exists in the creation response.
type Connector struct {
	ID                uuid.UUID       `db:"id"`
	WorkspaceID       string          `db:"workspace_id"`
	Provider          Provider        `db:"provider"`
	Config            json.RawMessage `db:"config"`
	WebhookSecretHash string          `db:"webhook_secret_hash"`
	State             State           `db:"state"`
	LastSyncAt        *time.Time      `db:"last_sync_at"`
	LastSyncResult    string          `db:"last_sync_result"`
	SyncCursor        string          `db:"sync_cursor"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// SyncUpdate is written atomically by the executor at the end of a pass.
type SyncUpdate struct {
	State          State
	SyncCursor     string
	LastSyncAt     time.Time
	LastSyncResult string
}

func ParseUUID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}

// CanTransition reports whether from -> to is an edge of the lifecycle
// state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateProvisioning:
		return to == StateRunning || to == StateError
	case StateRunning:
		return to == StatePaused || to == StateError || to == StateDeleted
	case StatePaused:
		return to == StateRunning || to == StateError || to == StateDeleted
	case StateError:
		return to == StatePaused || to == StateRunning || to == StateDeleted
	default:
		return false
	}
}
