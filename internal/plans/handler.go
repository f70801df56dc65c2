// internal/plans/handler.go
package plans

import (
	"errors"
	"net/http"
	"strconv"

	"coopledger/internal/billing"
	"coopledger/internal/httpapi"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the plan catalog endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/plans", h.handleAddPlan)
	r.Get("/plans", h.handleListPlans)
	r.Get("/plans/{id}", h.handleGetPlan)
	r.Put("/plans/{id}", h.handleUpdatePlan)
	r.Delete("/plans/{id}", h.handleRetirePlan)
}

func (h *Handler) handleAddPlan(w http.ResponseWriter, r *http.Request) {
	var terms Terms
	if err := httpapi.Decode(r, &terms); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	plan, err := h.service.AddPlan(r.Context(), terms)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, plan)
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context(), billing.PlanStatus(r.URL.Query().Get("status")))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if plans == nil {
		plans = []billing.Plan{}
	}
	httpapi.WriteJSON(w, http.StatusOK, plans)
}

func (h *Handler) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	plan, err := h.service.GetPlan(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Terms
		Version int `json:"version"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	plan, err := h.service.UpdatePlan(r.Context(), id, req.Terms, req.Version)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleRetirePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, errors.New("version query parameter is required"))
		return
	}

	plan, err := h.service.RetirePlan(r.Context(), id, version)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, plan)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, errors.New("invalid plan id"))
		return uuid.Nil, false
	}
	return id, true
}
