// Package api is the catalog surface around the session engine: listing and
// creating presentations, plus health and stats endpoints. It talks to the
// durable store directly and registers fresh rooms with the registry; all
// live collaboration runs over the websocket endpoint instead.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/broadcast"
	"github.com/sundersouls/SlideCollab/internal/ident"
	"github.com/sundersouls/SlideCollab/internal/model"
	"github.com/sundersouls/SlideCollab/internal/registry"
	"github.com/sundersouls/SlideCollab/internal/store"
)

type API struct {
	store    *store.Store
	registry *registry.Registry
	sinks    *broadcast.Registry
	logger   *zap.Logger
}

func New(st *store.Store, reg *registry.Registry, sinks *broadcast.Registry, logger *zap.Logger) *API {
	return &API{store: st, registry: reg, sinks: sinks, logger: logger}
}

// Register mounts the catalog routes on the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/presentations", a.ListPresentationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/presentations", a.CreatePresentationHandler).Methods(http.MethodPost)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"resident_rooms": a.registry.RoomCount(),
		"active_clients": a.sinks.ConnCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.store.Stats(r.Context()); err == nil {
		stats["total_presentations"] = dbStats["presentation_count"]
		stats["total_slides"] = dbStats["slide_count"]
	}

	jsonResponse(w, http.StatusOK, stats)
}

// PresentationResponse is one catalog entry.
type PresentationResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatorID   string    `json:"creatorId"`
	SlideCount  int       `json:"slideCount"`
	ActiveUsers int       `json:"activeUsers"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (a *API) ListPresentationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	summaries, err := a.store.ListPresentations(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list presentations", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "failed to fetch presentations")
		return
	}

	active := a.registry.ActiveCounts()

	response := make([]PresentationResponse, len(summaries))
	for i, sum := range summaries {
		response[i] = PresentationResponse{
			ID:          sum.ID,
			Name:        sum.Name,
			CreatorID:   sum.CreatorID,
			SlideCount:  sum.SlideCount,
			ActiveUsers: active[sum.ID],
			CreatedAt:   sum.CreatedAt,
			UpdatedAt:   sum.UpdatedAt,
		}
	}

	jsonResponse(w, http.StatusOK, response)
}

type CreatePresentationRequest struct {
	Name            string `json:"name"`
	CreatorNickname string `json:"creatorNickname"`
}

func (a *API) CreatePresentationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePresentationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.CreatorNickname == "" {
		errorResponse(w, http.StatusBadRequest, "name and creator nickname are required")
		return
	}

	p := &model.Presentation{
		ID:        ident.New(),
		Name:      req.Name,
		CreatorID: ident.New(),
		Slides: []*model.Slide{
			{ID: ident.New(), Order: 0, Elements: []model.TextElement{}},
		},
	}

	// Creation is the one synchronous durable write: a deck that cannot
	// be persisted should not be announced.
	if err := a.store.CreatePresentation(r.Context(), p); err != nil {
		a.logger.Error("create presentation", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "failed to create presentation")
		return
	}

	a.registry.Register(p)

	now := time.Now().UTC()
	jsonResponse(w, http.StatusOK, PresentationResponse{
		ID:         p.ID,
		Name:       p.Name,
		CreatorID:  p.CreatorID,
		SlideCount: len(p.Slides),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}
