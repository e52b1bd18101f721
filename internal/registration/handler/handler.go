// Package handler exposes the registration lifecycle over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sangha/internal/ordergateway"
	"sangha/internal/registration/eligibility"
	"sangha/internal/registration/models"
	"sangha/internal/registration/service"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/httputil"
	"sangha/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// RetryEndpoint is advertised on retryable creation failures.
const RetryEndpoint = "/registrations/retry"

// Service is the lifecycle orchestrator as seen by HTTP.
type Service interface {
	Create(ctx context.Context, payload models.Payload) (*service.CreateResult, error)
	Get(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*models.Registration, service.ModificationInfo, error)
	ListMine(ctx context.Context, requester id.UserID) ([]*models.Registration, error)
	Modify(ctx context.Context, regID id.RegistrationID, requester id.UserID, patch models.Patch, reason string) (*service.ModifyResult, error)
	Cancel(ctx context.Context, regID id.RegistrationID, requester id.UserID, reason string) (*service.CancelResult, error)
	History(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*service.HistoryView, error)
	OrderStatus(ctx context.Context, regID id.RegistrationID, requester id.UserID) (*ordergateway.Order, error)
	Policy() eligibility.Policy
}

// Handler handles registration endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// New creates a new registration Handler.
func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: svc}
}

// Register registers the registration routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/registrations", h.HandleCreate)
	r.Get("/registrations", h.HandleListMine)
	r.Get("/registrations/{id}", h.HandleGet)
	r.Put("/registrations/{id}", h.HandleModify)
	r.Delete("/registrations/{id}", h.HandleCancel)
	r.Get("/registrations/{id}/history", h.HandleHistory)
	r.Get("/registrations/{id}/order", h.HandleOrderStatus)
}

// HandleCreate registers the authenticated user for an event.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateRegistrationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Create(ctx, models.Payload{
		UserID:       userID,
		EventID:      id.EventID(req.EventID),
		IdentityType: req.IdentityType,
		PersonalInfo: req.PersonalInfo,
		Transport:    req.Transport,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "registration create failed",
			"request_id", requestID,
			"user_id", userID,
			"event_id", req.EventID,
			"error", err,
		)
		httputil.WriteErrorWith(w, err, func(resp *httputil.ErrorResponse) {
			if resp.Retryable != nil && *resp.Retryable {
				resp.RetryEndpoint = RetryEndpoint
			}
		})
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, confirmationFor(res, h.service.Policy().Blackout))
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(w, ctx)
	if !ok {
		return
	}
	regs, err := h.service.ListMine(ctx, userID)
	if err != nil {
		h.writeError(w, ctx, "failed to list registrations", err)
		return
	}
	if regs == nil {
		regs = []*models.Registration{}
	}
	httputil.WriteJSON(w, http.StatusOK, ListRegistrationsResponse{Registrations: regs})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, regID, ok := h.pathTarget(w, r)
	if !ok {
		return
	}
	reg, info, err := h.service.Get(ctx, regID, userID)
	if err != nil {
		h.writeError(w, ctx, "failed to get registration", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RegistrationResponse{Registration: reg, ModificationInfo: info})
}

// HandleModify applies a partial update to personal info or transport.
func (h *Handler) HandleModify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, regID, ok := h.pathTarget(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ModifyRegistrationRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	res, err := h.service.Modify(ctx, regID, userID, req.Patch(), req.Reason)
	if err != nil {
		h.writeError(w, ctx, "registration modify rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RegistrationResponse{
		Registration:     res.Registration,
		ModificationInfo: res.ModificationInfo,
	})
}

// HandleCancel cancels a registration. The body is optional.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, regID, ok := h.pathTarget(w, r)
	if !ok {
		return
	}

	var req CancelRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.service.Cancel(ctx, regID, userID, req.Reason)
	if err != nil {
		h.writeError(w, ctx, "registration cancel rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CancelRegistrationResponse{
		RegistrationID: res.Registration.ID.String(),
		Status:         res.Registration.Status,
		CancellationInfo: CancellationInfo{
			Reason:         res.Reason,
			CancelledAt:    res.Registration.UpdatedAt,
			OrderCancelled: res.OrderCancelled,
		},
	})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, regID, ok := h.pathTarget(w, r)
	if !ok {
		return
	}
	view, err := h.service.History(ctx, regID, userID)
	if err != nil {
		h.writeError(w, ctx, "failed to load registration history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{
		RegistrationID: regID.String(),
		History:        view.History,
		Statistics: HistoryStatistics{
			ModificationCount: view.ModificationCount,
			CanModify:         view.CanModify,
			Reason:            view.Reason,
		},
		Timeline:         view.Timeline,
		ModificationInfo: view.ModificationInfo,
	})
}

func (h *Handler) HandleOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, regID, ok := h.pathTarget(w, r)
	if !ok {
		return
	}
	order, err := h.service.OrderStatus(ctx, regID, userID)
	if err != nil {
		h.writeError(w, ctx, "failed to fetch order status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, OrderStatusResponse{RegistrationID: regID.String(), Order: order})
}

// requireUser reads the subject set by the authentication stage.
func (h *Handler) requireUser(w http.ResponseWriter, ctx context.Context) (id.UserID, bool) {
	userID := requestcontext.UserID(ctx)
	if userID == "" {
		// Only reachable when the router is wired without authentication.
		h.logger.ErrorContext(ctx, "userID missing from context despite auth stage",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", false
	}
	return userID, true
}

func (h *Handler) pathTarget(w http.ResponseWriter, r *http.Request) (id.UserID, id.RegistrationID, bool) {
	userID, ok := h.requireUser(w, r.Context())
	if !ok {
		return "", id.RegistrationID{}, false
	}
	regID, err := id.ParseRegistrationID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", id.RegistrationID{}, false
	}
	return userID, regID, true
}

func (h *Handler) writeError(w http.ResponseWriter, ctx context.Context, msg string, err error) {
	level := slog.LevelWarn
	if de, ok := dErrors.As(err); !ok || de.Code == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"user_id", requestcontext.UserID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}
