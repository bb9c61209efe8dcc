package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/connector-orchestrator/internal/domain"
	"github.com/google/uuid"
)

var _ domain.ConnectorStore = (*ConnectorStore)(nil)

// ConnectorStore is an in-memory domain.ConnectorStore. Every read returns a
// copy so callers never share state with the map.
type ConnectorStore struct {
	mu         sync.RWMutex
	connectors map[uuid.UUID]domain.Connector
	bySecret   map[string]uuid.UUID
	now        func() time.Time
}

func NewConnectorStore() *ConnectorStore {
	return &ConnectorStore{
		connectors: make(map[uuid.UUID]domain.Connector),
		bySecret:   make(map[string]uuid.UUID),
		now:        time.Now,
	}
}

func clone(c domain.Connector) domain.Connector {
	c.Config = append(json.RawMessage(nil), c.Config...)
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		c.LastSyncAt = &t
	}
	return c
}

func (s *ConnectorStore) Create(_ context.Context, c *domain.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connectors[c.ID]; ok {
		return domain.ErrDuplicate
	}
	if _, ok := s.bySecret[c.WebhookSecretHash]; ok {
		return domain.ErrDuplicate
	}
	s.connectors[c.ID] = clone(*c)
	s.bySecret[c.WebhookSecretHash] = c.ID
	return nil
}

func (s *ConnectorStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(c)
	return &out, nil
}

func (s *ConnectorStore) GetByWebhookSecretHash(_ context.Context, hash string) (*domain.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySecret[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(s.connectors[id])
	return &out, nil
}

// update applies fn to the stored connector if its state equals expected.
func (s *ConnectorStore) update(id uuid.UUID, expected domain.State, fn func(*domain.Connector)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connectors[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.State != expected {
		return domain.ErrStateConflict
	}
	fn(&c)
	c.UpdatedAt = s.now().UTC()
	s.connectors[id] = c
	return nil
}

func (s *ConnectorStore) CompareAndSetState(_ context.Context, id uuid.UUID, expected, next domain.State) error {
	return s.update(id, expected, func(c *domain.Connector) {
		c.State = next
	})
}

func (s *ConnectorStore) SaveCursor(_ context.Context, id uuid.UUID, expected domain.State, cursor string) error {
	return s.update(id, expected, func(c *domain.Connector) {
		c.SyncCursor = cursor
	})
}

func (s *ConnectorStore) RecordSyncResult(_ context.Context, id uuid.UUID, expected domain.State, u domain.SyncUpdate) error {
	return s.update(id, expected, func(c *domain.Connector) {
		at := u.LastSyncAt
		c.State = u.State
		c.SyncCursor = u.SyncCursor
		c.LastSyncAt = &at
		c.LastSyncResult = u.LastSyncResult
	})
}

func (s *ConnectorStore) UpdateConfig(_ context.Context, id uuid.UUID, expected domain.State, config json.RawMessage) error {
	if expected == domain.StateDeleted {
		return domain.ErrStateConflict
	}
	return s.update(id, expected, func(c *domain.Connector) {
		c.Config = append(json.RawMessage(nil), config...)
	})
}

// ListConnectors pages in (updated_at, id) order, matching the SQL store.
func (s *ConnectorStore) ListConnectors(_ context.Context, limit int, cursor *domain.ListCursor) ([]domain.Connector, *domain.ListCursor, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	all := make([]domain.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		all = append(all, clone(c))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return less(all[i].UpdatedAt, all[i].ID, all[j].UpdatedAt, all[j].ID) })

	start := 0
	if cursor != nil {
		start = sort.Search(len(all), func(i int) bool {
			return less(cursor.UpdatedAt, cursor.ID, all[i].UpdatedAt, all[i].ID)
		})
	}
	page := all[start:]

	var next *domain.ListCursor
	if len(page) > limit {
		last := page[limit-1]
		next = &domain.ListCursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
		page = page[:limit]
	}
	return page, next, nil
}

func less(at time.Time, id uuid.UUID, bt time.Time, bid uuid.UUID) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return bytes.Compare(id[:], bid[:]) < 0
}
