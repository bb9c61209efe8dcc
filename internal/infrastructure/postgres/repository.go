package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectColumns = `
	id, workspace_id, provider, config::text AS config, webhook_secret_hash, state,
	last_sync_at, last_sync_result, sync_cursor, created_at, updated_at
`

// connectorRow carries config as text so the driver's buffer is never
// aliased by the returned connector.
type connectorRow struct {
	ID                uuid.UUID  `db:"id"`
	WorkspaceID       string     `db:"workspace_id"`
	Provider          string     `db:"provider"`
	Config            string     `db:"config"`
	WebhookSecretHash string     `db:"webhook_secret_hash"`
	State             string     `db:"state"`
	LastSyncAt        *time.Time `db:"last_sync_at"`
	LastSyncResult    string     `db:"last_sync_result"`
	SyncCursor        string     `db:"sync_cursor"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (r connectorRow) toDomain() domain.Connector {
	return domain.Connector{
		ID:                r.ID,
		WorkspaceID:       r.WorkspaceID,
		Provider:          domain.Provider(r.Provider),
		Config:            json.RawMessage(r.Config),
		WebhookSecretHash: r.WebhookSecretHash,
		State:             domain.State(r.State),
		LastSyncAt:        r.LastSyncAt,
		LastSyncResult:    r.LastSyncResult,
		SyncCursor:        r.SyncCursor,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type ConnectorRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewConnectorRepository(db *sqlx.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db, now: time.Now}
}

func configText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (r *ConnectorRepository) Create(ctx context.Context, c *domain.Connector) error {
	query := `
        INSERT INTO connectors
        (id, workspace_id, provider, config, webhook_secret_hash, state, sync_cursor, created_at, updated_at)
        VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
    `
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.WorkspaceID, string(c.Provider), configText(c.Config), c.WebhookSecretHash,
		string(c.State), c.SyncCursor, c.CreatedAt, c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func (r *ConnectorRepository) get(ctx context.Context, where string, arg interface{}) (*domain.Connector, error) {
	var row connectorRow
	query := `SELECT ` + selectColumns + ` FROM connectors WHERE ` + where
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	conn := row.toDomain()
	return &conn, nil
}

func (r *ConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Connector, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *ConnectorRepository) GetByWebhookSecretHash(ctx context.Context, hash string) (*domain.Connector, error) {
	return r.get(ctx, "webhook_secret_hash = $1", hash)
}

// casResult turns a zero-row CAS into ErrNotFound or ErrStateConflict.
func (r *ConnectorRepository) casResult(ctx context.Context, res sql.Result, id uuid.UUID) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM connectors WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStateConflict
}

func (r *ConnectorRepository) CompareAndSetState(ctx context.Context, id uuid.UUID, expected, next domain.State) error {
	query := `
		UPDATE connectors
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, string(expected), string(next), r.now().UTC())
	if err != nil {
		return err
	}
	return r.casResult(ctx, res, id)
}

func (r *ConnectorRepository) SaveCursor(ctx context.Context, id uuid.UUID, expected domain.State, cursor string) error {
	query := `
		UPDATE connectors
		SET sync_cursor = $3, updated_at = $4
		WHERE id = $1 AND state = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, string(expected), cursor, r.now().UTC())
	if err != nil {
		return err
	}
	return r.casResult(ctx, res, id)
}

func (r *ConnectorRepository) RecordSyncResult(ctx context.Context, id uuid.UUID, expected domain.State, u domain.SyncUpdate) error {
	query := `
		UPDATE connectors
		SET state = $3, sync_cursor = $4, last_sync_at = $5, last_sync_result = $6, updated_at = $7
		WHERE id = $1 AND state = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		id, string(expected), string(u.State), u.SyncCursor, u.LastSyncAt, u.LastSyncResult, r.now().UTC(),
	)
	if err != nil {
		return err
	}
	return r.casResult(ctx, res, id)
}

func (r *ConnectorRepository) UpdateConfig(ctx context.Context, id uuid.UUID, expected domain.State, config json.RawMessage) error {
	query := `
		UPDATE connectors
		SET config = $3::jsonb, updated_at = $4
		WHERE id = $1 AND state = $2 AND state <> 'deleted'
	`
	res, err := r.db.ExecContext(ctx, query, id, string(expected), configText(config), r.now().UTC())
	if err != nil {
		return err
	}
	return r.casResult(ctx, res, id)
}

func (r *ConnectorRepository) ListConnectors(ctx context.Context, limit int, cursor *domain.ListCursor) ([]domain.Connector, *domain.ListCursor, error) {
	if limit <= 0 {
		limit = 50
	}

	var args []interface{}
	var conditions []string

	if cursor != nil {
		conditions = append(conditions, "(updated_at, id) > ($1, $2)")
		args = append(args, cursor.UpdatedAt, cursor.ID)
	}

	query := `SELECT ` + selectColumns + ` FROM connectors`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	var rows []connectorRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.ListCursor
	if len(rows) > limit {
		last := rows[limit-1]
		nextCursor = &domain.ListCursor{
			UpdatedAt: last.UpdatedAt,
			ID:        last.ID,
		}
		rows = rows[:limit]
	}

	connectors := make([]domain.Connector, 0, len(rows))
	for _, row := range rows {
		connectors = append(connectors, row.toDomain())
	}
	return connectors, nextCursor, nil
}
