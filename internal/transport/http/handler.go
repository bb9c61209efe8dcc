package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/connector-orchestrator/internal/app/connector"
	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc        *connector.Service
	dispatcher *connector.Dispatcher
}

func NewHandler(svc *connector.Service, dispatcher *connector.Dispatcher) *Handler {
	return &Handler{
		svc:        svc,
		dispatcher: dispatcher,
	}
}

type connectorResponse struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspace_id"`
	Provider       string          `json:"provider"`
	Config         json.RawMessage `json:"config"`
	State          string          `json:"state"`
	LastSyncAt     *time.Time      `json:"last_sync_at,omitempty"`
	LastSyncResult string          `json:"last_sync_result,omitempty"`
	SyncCursor     string          `json:"sync_cursor,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type createResponse struct {
	connectorResponse
	WebhookSecret string `json:"webhook_secret"`
}

type configRequest struct {
	Config json.RawMessage `json:"config"`
}

func toResponse(c *domain.Connector) connectorResponse {
	cfg := c.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	return connectorResponse{
		ID:             c.ID.String(),
		WorkspaceID:    c.WorkspaceID,
		Provider:       string(c.Provider),
		Config:         cfg,
		State:          string(c.State),
		LastSyncAt:     c.LastSyncAt,
		LastSyncResult: c.LastSyncResult,
		SyncCursor:     c.SyncCursor,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func params(r *http.Request) httprouter.Params {
	ps, _ := r.Context().Value(paramsKey).(httprouter.Params)
	return ps
}

func connectorID(r *http.Request) (uuid.UUID, error) {
	id, err := domain.ParseUUID(params(r).ByName("connector_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: connector_id must be a UUID", connector.ErrInvalidInput)
	}
	return id, nil
}

func decodeConfig(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	var req configRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: malformed JSON body", connector.ErrInvalidInput)
	}
	return req.Config, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	config, err := decodeConfig(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	created, err := h.svc.CreateConnector(r.Context(), connector.CreateInput{
		WorkspaceID: workspaceFrom(r.Context()),
		Provider:    params(r).ByName("provider"),
		Config:      config,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		connectorResponse: toResponse(created.Connector),
		WebhookSecret:     created.WebhookSecret,
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.svc.GetConnector(r.Context(), workspaceFrom(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conn))
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.svc.StopConnector(r.Context(), workspaceFrom(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conn))
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.svc.ResumeConnector(r.Context(), workspaceFrom(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conn))
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	config, err := decodeConfig(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.svc.UpdateConfig(r.Context(), workspaceFrom(r.Context()), id, config)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conn))
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.svc.DeleteConnector(r.Context(), workspaceFrom(r.Context()), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	id, err := connectorID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	outcome, err := h.svc.SyncConnector(r.Context(), workspaceFrom(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}

// eventIDHeaders are provider delivery ids used when the payload has none.
var eventIDHeaders = []string{"X-GitHub-Delivery", "X-Event-Id"}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ps := params(r)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeServiceError(w, fmt.Errorf("%w: unreadable body", connector.ErrInvalidInput))
		return
	}

	var hint string
	for _, header := range eventIDHeaders {
		if v := r.Header.Get(header); v != "" {
			hint = v
			break
		}
	}

	ack, err := h.dispatcher.Handle(r.Context(), connector.WebhookDelivery{
		Secret:       ps.ByName("webhook_secret"),
		ProviderKind: ps.ByName("provider_kind"),
		Payload:      payload,
		EventIDHint:  hint,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if ack.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ack.Challenge})
		return
	}
	logger.Debug().Str("outcome", string(ack.Outcome)).Bool("duplicate", ack.Duplicate).Msg("Webhook acknowledged")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "outcome": ack.Outcome})
}
