// internal/payments/handler.go
package payments

import (
	"errors"
	"net/http"
	"strings"
	"time"

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

// Routes mounts the billing endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/members/{id}/obligation", h.handleNextObligation)
	r.Post("/members/{id}/obligation/pay", h.handlePayObligation)
	r.Post("/members/{id}/anticipated", h.handleAnticipated)
	r.Post("/members/{id}/projects/{projectID}/payments", h.handleProjectPayment)
	r.Get("/members/{id}/payments", h.handleListPayments)
	r.Get("/payments/overdue", h.handleListOverdue)
	r.Post("/payments/{id}/confirm", h.handleConfirm)
	r.Post("/payments/{id}/cancel", h.handleCancel)
	r.Get("/stats", h.handleStats)
}

func (h *Handler) handleNextObligation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.service.NextObligation(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePayObligation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}
	var meta billing.PaymentMeta
	if err := httpapi.DecodeOptional(r, &meta); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	payment, err := h.service.PayObligation(r.Context(), actor, id, meta)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleAnticipated(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		Periods []billing.Period `json:"periods"`
		billing.PaymentMeta
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	alloc, err := h.service.AllocateAnticipated(r.Context(), actor, id, req.Periods, req.PaymentMeta)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, alloc)
}

func (h *Handler) handleProjectPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		ProjectName string                     `json:"project_name"`
		Amount      decimal.Decimal            `json:"amount"`
		Kind        billing.ProjectPaymentKind `json:"kind"`
		billing.PaymentMeta
	}
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	project := billing.Project{ID: projectID, Name: req.ProjectName}
	payment, err := h.service.AllocateProjectPayment(r.Context(), actor, id, project, req.Amount, req.Kind, req.PaymentMeta)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	filter, err := filterFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, err)
		return
	}

	views, err := h.service.ListPayments(r.Context(), id, filter)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if views == nil {
		views = []PaymentView{}
	}
	httpapi.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) handleListOverdue(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListOverdue(r.Context())
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if views == nil {
		views = []PaymentView{}
	}
	httpapi.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, err := httpapi.ActorFrom(r)
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusUnauthorized, err)
		return
	}

	payment, err := h.service.ConfirmPayment(r.Context(), actor, id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
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

	payment, err := h.service.CancelPayment(r.Context(), actor, id, req.Reason)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpapi.WriteErrorStatus(w, http.StatusBadRequest, errors.New("since must be YYYY-MM-DD"))
			return
		}
		since = &t
	}

	stats, err := h.service.Stats(r.Context(), since)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}

// filterFrom reads ?type=, ?status= (comma separated) and ?period=.
func filterFrom(r *http.Request) (billing.PaymentFilter, error) {
	q := r.URL.Query()
	var filter billing.PaymentFilter
	if t := q.Get("type"); t != "" {
		filter.Type = billing.PaymentType(t)
		if !filter.Type.Valid() {
			return filter, errors.New("unknown payment type")
		}
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := billing.PaymentStatus(strings.TrimSpace(s))
			if !status.Valid() {
				return filter, errors.New("unknown payment status")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("period"); raw != "" {
		period, err := billing.ParsePeriod(raw)
		if err != nil {
			return filter, err
		}
		filter.Period = &period
	}
	return filter, nil
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpapi.WriteErrorStatus(w, http.StatusBadRequest, errors.New("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
