package handler

import (
	"fmt"
	"time"

	"sangha/internal/ordergateway"
	"sangha/internal/registration/models"
	"sangha/internal/registration/service"
	dErrors "sangha/pkg/domain-errors"
)

// CreateRegistrationRequest is the body of POST /registrations. The user is
// always the authenticated subject, never a body field.
type CreateRegistrationRequest struct {
	EventID      string              `json:"eventId"`
	IdentityType models.IdentityType `json:"identityType"`
	PersonalInfo models.PersonalInfo `json:"personalInfo"`
	Transport    *models.Transport   `json:"transport,omitempty"`
}

func (r *CreateRegistrationRequest) Validate() error {
	if r.EventID == "" {
		return dErrors.New(dErrors.CodeValidation, "eventId is required")
	}
	if r.IdentityType == "" {
		return dErrors.New(dErrors.CodeValidation, "identityType is required")
	}
	return nil
}

// ModifyRegistrationRequest is the body of PUT /registrations/{id}. Status,
// UserID and EventID are decoded only so they can be refused explicitly.
type ModifyRegistrationRequest struct {
	PersonalInfo   *models.PersonalInfoPatch `json:"personalInfo,omitempty"`
	Transport      *models.Transport         `json:"transport,omitempty"`
	ClearTransport bool                      `json:"clearTransport,omitempty"`
	Reason         string                    `json:"reason,omitempty"`

	Status  *string `json:"status,omitempty"`
	UserID  *string `json:"userId,omitempty"`
	EventID *string `json:"eventId,omitempty"`
}

func (r *ModifyRegistrationRequest) Validate() error {
	switch {
	case r.Status != nil:
		return dErrors.New(dErrors.CodeImmutableField, "status cannot be modified; cancel the registration instead")
	case r.UserID != nil:
		return dErrors.New(dErrors.CodeImmutableField, "userId cannot be modified")
	case r.EventID != nil:
		return dErrors.New(dErrors.CodeImmutableField, "eventId cannot be modified")
	}
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason is too long")
	}
	return nil
}

func (r *ModifyRegistrationRequest) Patch() models.Patch {
	return models.Patch{
		PersonalInfo:   r.PersonalInfo,
		Transport:      r.Transport,
		ClearTransport: r.ClearTransport,
	}
}

// CancelRegistrationRequest is the optional body of DELETE /registrations/{id}.
type CancelRegistrationRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (r *CancelRegistrationRequest) Validate() error {
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason is too long")
	}
	return nil
}

const maxReasonLength = 500

type CreateRegistrationResponse struct {
	Registration        *models.Registration `json:"registration"`
	ConfirmationMessage string               `json:"confirmationMessage"`
	NextSteps           []string             `json:"nextSteps"`
}

// RegistrationResponse is a registration with its modification budget.
type RegistrationResponse struct {
	*models.Registration
	ModificationInfo service.ModificationInfo `json:"modificationInfo"`
}

type ListRegistrationsResponse struct {
	Registrations []*models.Registration `json:"registrations"`
}

type CancellationInfo struct {
	Reason         string    `json:"reason,omitempty"`
	CancelledAt    time.Time `json:"cancelledAt"`
	OrderCancelled bool      `json:"orderCancelled"`
}

type CancelRegistrationResponse struct {
	RegistrationID   string           `json:"registrationId"`
	Status           models.Status    `json:"status"`
	CancellationInfo CancellationInfo `json:"cancellationInfo"`
}

type HistoryStatistics struct {
	ModificationCount int    `json:"modificationCount"`
	CanModify         bool   `json:"canModify"`
	Reason            string `json:"reason,omitempty"`
}

type HistoryResponse struct {
	RegistrationID   string                   `json:"registrationId"`
	History          []*models.HistoryRecord  `json:"history"`
	Statistics       HistoryStatistics        `json:"statistics"`
	Timeline         []service.TimelineEntry  `json:"timeline"`
	ModificationInfo service.ModificationInfo `json:"modificationInfo"`
}

type OrderStatusResponse struct {
	RegistrationID string              `json:"registrationId"`
	Order          *ordergateway.Order `json:"order"`
}

func confirmationFor(res *service.CreateResult, blackout time.Duration) CreateRegistrationResponse {
	name := string(res.Registration.EventID)
	if res.Event != nil && res.Event.Name != "" {
		name = res.Event.Name
	}
	steps := []string{
		"Keep your order code " + res.Registration.ExternalOrderID + " for check-in",
		fmt.Sprintf("You can update your details until %s before the event", humanDuration(blackout)),
	}
	if res.Registration.Transport != nil && res.Registration.Transport.Required {
		steps = append(steps, "Your pickup location is "+res.Registration.Transport.LocationID)
	}
	return CreateRegistrationResponse{
		Registration:        res.Registration,
		ConfirmationMessage: "Registration for " + name + " is confirmed",
		NextSteps:           steps,
	}
}

func humanDuration(d time.Duration) string {
	if days := int(d / (24 * time.Hour)); days > 0 && d%(24*time.Hour) == 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
