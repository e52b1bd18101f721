// Package handler exposes retry-backed registration creation over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	reghandler "sangha/internal/registration/handler"
	regmodels "sangha/internal/registration/models"
	"sangha/internal/retry/models"
	"sangha/internal/retry/service"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/httputil"
	"sangha/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

type Service interface {
	CreateRetryable(ctx context.Context, userID id.UserID, payload regmodels.Payload) (*service.Result, error)
	Get(ctx context.Context, retryID id.RetryID) (*models.RetryRecord, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.RetryRecord, error)
}

// Handler handles retry endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, service: svc}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/registrations/retry", h.HandleCreate)
	r.Get("/registrations/retry", h.HandleList)
	r.Get("/registrations/retry/{id}", h.HandleGet)
}

type CreateResponse struct {
	RetryID        string                  `json:"retryId"`
	Status         models.Status           `json:"status"`
	Registration   *regmodels.Registration `json:"registration,omitempty"`
	FinalOrderID   string                  `json:"finalOrderId,omitempty"`
	NextAttemptAt  *time.Time              `json:"nextAttemptAt,omitempty"`
	StatusEndpoint string                  `json:"statusEndpoint"`
	Attempts       []models.Attempt        `json:"attempts"`
}

type ListResponse struct {
	Records []*models.RetryRecord `json:"records"`
}

// HandleCreate runs attempt #1 inline. 201 when it succeeded, 202 while
// later attempts are pending; a terminal first failure is reported with its
// classified status.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID := requestcontext.UserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[reghandler.CreateRegistrationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.CreateRetryable(ctx, userID, regmodels.Payload{
		EventID:      id.EventID(req.EventID),
		IdentityType: req.IdentityType,
		PersonalInfo: req.PersonalInfo,
		Transport:    req.Transport,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "retryable registration rejected",
			"request_id", requestID,
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	rec := res.Record
	switch rec.Status {
	case models.StatusFailed:
		h.logger.WarnContext(ctx, "retryable registration failed on first attempt",
			"request_id", requestID,
			"retry_id", rec.ID.String(),
			"error", res.Err,
		)
		httputil.WriteError(w, res.Err)
		return
	case models.StatusSuccess:
		httputil.WriteJSON(w, http.StatusCreated, createResponse(rec, res.Registration))
	default:
		httputil.WriteJSON(w, http.StatusAccepted, createResponse(rec, nil))
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	retryID, err := id.ParseRetryID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Get(ctx, retryID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if rec.UserID != userID {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "retry record belongs to another user"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	recs, err := h.service.ListByUser(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list retry records",
			"request_id", requestcontext.RequestID(ctx),
			"user_id", userID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.RetryRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Records: recs})
}

func createResponse(rec *models.RetryRecord, reg *regmodels.Registration) CreateResponse {
	return CreateResponse{
		RetryID:        rec.ID.String(),
		Status:         rec.Status,
		Registration:   reg,
		FinalOrderID:   rec.FinalOrderID,
		NextAttemptAt:  rec.NextAttemptAt,
		StatusEndpoint: "/registrations/retry/" + rec.ID.String(),
		Attempts:       rec.Attempts,
	}
}
