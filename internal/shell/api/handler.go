// Package api serves the deployment records over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/shell/session"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/gorilla/mux"
)

const (
	contentType = "application/vnd.api+json"

	defaultPageSize = 100
	maxPageSize     = 1000

	resourceType = "deployments"
)

// Resetter removes a stored record under the execute lease.
type Resetter interface {
	Reset(ctx context.Context, name string) error
}

// Reader is the part of the store the handler reads from.
type Reader interface {
	Get(ctx context.Context, name string) (*domain.DeploymentRecord, error)
	List(ctx context.Context) ([]*domain.DeploymentRecord, error)
}

// Handler serves the status API.
type Handler struct {
	records  Reader
	resetter Resetter
	logger   *slog.Logger
}

// NewHandler creates a handler. A nil resetter disables the DELETE route.
func NewHandler(records Reader, resetter Resetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		records:  records,
		resetter: resetter,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the endpoints to an existing router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/deployments", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/deployments/{name}", h.handleGet).Methods(http.MethodGet)
	if h.resetter != nil {
		api.HandleFunc("/deployments/{name}", h.handleReset).Methods(http.MethodDelete)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := domain.RecordStatus(r.URL.Query().Get("filter[status]"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	records, err := h.records.List(r.Context())
	if err != nil {
		h.logger.Error("list records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	if status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Status == status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	total := len(records)
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)

	data := make([]map[string]any, 0, end-start)
	for _, rec := range records[start:end] {
		data = append(data, recordToJSONAPI(rec))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"meta": map[string]any{
			"total":  total,
			"limit":  page.Limit,
			"offset": page.Offset,
		},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rec, err := h.records.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found: "+name)
			return
		}
		h.logger.Error("get record", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": recordToJSONAPI(rec)})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	err := h.resetter.Reset(r.Context(), name)
	switch {
	case err == nil:
		h.logger.Info("record reset", "name", name)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found: "+name)
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, store.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("reset record", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset deployment")
	}
}

// =============================================================================
// Helpers
// =============================================================================

// Page is a parsed page[size]/page[offset] pair.
type Page struct {
	Limit  int
	Offset int
}

func parsePage(r *http.Request) (Page, error) {
	q := r.URL.Query()
	page := Page{Limit: defaultPageSize}

	if v := q.Get("page[size]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.New("page[size] must be a positive integer")
		}
		page.Limit = min(n, maxPageSize)
	}

	if v := q.Get("page[offset]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("page[offset] must be a non-negative integer")
		}
		page.Offset = n
	} else if v := q.Get("page[number]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return page, errors.New("page[number] must be a positive integer")
		}
		page.Offset = (n - 1) * page.Limit
	}

	return page, nil
}

func recordToJSONAPI(rec *domain.DeploymentRecord) map[string]any {
	return map[string]any{
		"type":       resourceType,
		"id":         rec.Name,
		"attributes": rec,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{
			{
				"status": strconv.Itoa(status),
				"title":  http.StatusText(status),
				"detail": detail,
			},
		},
	})
}
