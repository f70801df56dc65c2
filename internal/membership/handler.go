// internal/membership/handler.go
package membership

import (
	"errors"
	"net/http"

	"coopledger/internal/billing"
	"coopledger/internal/httpapi"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the membership endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/applications", h.handleSubmitApplication)
	r.Get("/applications", h.handleListApplications)
	r.Get("/applications/{id}", h.handleGetApplication)
	r.Post("/applications/{id}/approve", h.handleApprove)
	r.Post("/applications/{id}/reject", h.handleReject)
	r.Get("/members/{id}", h.handleGetMember)
	r.Patch("/members/{id}/status", h.handleUpdateStatus)
	r.Put("/members/{id}/credential", h.handleChangeCredential)
	r.Post("/login", h.handleLogin)
}

func (h *Handler) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string          `json:"name"`
		Email         string          `json:"email"`
		Phone         string          `json:"phone"`
		Document      string          `json:"document"`
		Address       string          `json:"address"`
		MonthlyIncome decimal.Decimal `json:"monthly_income"`
		PlanID        *uuid.UUID      `json:"plan_id"`
		Notes         string          `json:"notes"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	app, err := h.service.SubmitApplication(r.Context(), Application{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Document:      req.Document,
		Address:       req.Address,
		MonthlyIncome: req.MonthlyIncome,
		PlanID:        req.PlanID,
		Notes:         req.Notes,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, app)
}

func (h *Handler) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.service.ListApplications(r.Context(), ApplicationStatus(r.URL.Query().Get("status")))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if apps == nil {
		apps = []Application{}
	}
	httpapi.WriteJSON(w, http.StatusOK, apps)
}

func (h *Handler) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	app, err := h.service.GetApplication(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}

	result, err := h.service.ApproveApplication(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyApproved {
		status = http.StatusOK
	}
	httpapi.WriteJSON(w, status, result)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	app, err := h.service.RejectApplication(r.Context(), actor, id, req.Reason)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, app)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Status billing.MemberStatus `json:"status"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	member, err := h.service.UpdateMemberStatus(r.Context(), actor, id, req.Status)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) handleChangeCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Current string `json:"current"`
		Next    string `json:"next"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.ChangeCredential(r.Context(), id, req.Current, req.Next); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	member, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Session issuance belongs to the gateway; the member is returned as is.
	httpapi.WriteJSON(w, http.StatusOK, member)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		httpapi.WriteErrorStatus(w, http.StatusTooManyRequests, err)
	case errors.Is(err, ErrInvalidCredentials):
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
	default:
		httpapi.WriteError(w, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}
