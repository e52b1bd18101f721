package models

import (
	"strings"
	"time"

	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
)

// IdentityType decides which personal-info fields are mandatory.
type IdentityType string

const (
	IdentityClergy    IdentityType = "clergy"
	IdentityVolunteer IdentityType = "volunteer"
)

func (t IdentityType) IsValid() bool {
	return t == IdentityClergy || t == IdentityVolunteer
}

// Status is the registration lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled
}

// PersonalInfo holds the identity-specific attendee fields. Clergy must
// provide TempleName; volunteers must provide EmergencyContact.
type PersonalInfo struct {
	Name             string `json:"name"`
	Phone            string `json:"phone,omitempty"`
	TempleName       string `json:"templeName,omitempty"`
	DharmaName       string `json:"dharmaName,omitempty"`
	EmergencyContact string `json:"emergencyContact,omitempty"`
	EmergencyPhone   string `json:"emergencyPhone,omitempty"`
}

// Transport is the optional shuttle request attached to a registration.
type Transport struct {
	Required   bool   `json:"required"`
	LocationID string `json:"locationId,omitempty"`
	PickupTime string `json:"pickupTime,omitempty"`
}

// Registration is one participant's intent to attend one event instance.
//
// Invariants:
//   - at most one non-cancelled Registration exists per (UserID, EventID)
//   - Status cancelled is terminal
//   - ExternalOrderID is set once the gateway accepted the order
//   - UserID, EventID and IdentityType never change after creation
type Registration struct {
	ID              id.RegistrationID `json:"id"`
	UserID          id.UserID         `json:"userId"`
	EventID         id.EventID        `json:"eventId"`
	IdentityType    IdentityType      `json:"identityType"`
	PersonalInfo    PersonalInfo      `json:"personalInfo"`
	Transport       *Transport        `json:"transport,omitempty"`
	ExternalOrderID string            `json:"externalOrderId,omitempty"`
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// IsActive reports whether the registration counts toward the uniqueness invariant.
func (r *Registration) IsActive() bool {
	return r.Status != StatusCancelled
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *Registration) Clone() *Registration {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Transport != nil {
		t := *r.Transport
		cp.Transport = &t
	}
	return &cp
}

// Payload is the creation input. It is also the registrationData of a retry record.
type Payload struct {
	UserID       id.UserID    `json:"userId"`
	EventID      id.EventID   `json:"eventId"`
	IdentityType IdentityType `json:"identityType"`
	PersonalInfo PersonalInfo `json:"personalInfo"`
	Transport    *Transport   `json:"transport,omitempty"`
}

// Normalize trims free-text fields.
func (p *Payload) Normalize() {
	p.PersonalInfo.Normalize()
	if p.Transport != nil {
		p.Transport.LocationID = strings.TrimSpace(p.Transport.LocationID)
		p.Transport.PickupTime = strings.TrimSpace(p.Transport.PickupTime)
	}
}

// Validate checks the identity-specific required fields.
func (p *Payload) Validate() error {
	if p.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "userId is required")
	}
	if p.EventID == "" {
		return dErrors.New(dErrors.CodeValidation, "eventId is required")
	}
	if !p.IdentityType.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "identityType must be clergy or volunteer")
	}
	if err := p.PersonalInfo.Validate(p.IdentityType); err != nil {
		return err
	}
	return p.Transport.Validate()
}

func (pi *PersonalInfo) Normalize() {
	pi.Name = strings.TrimSpace(pi.Name)
	pi.Phone = strings.TrimSpace(pi.Phone)
	pi.TempleName = strings.TrimSpace(pi.TempleName)
	pi.DharmaName = strings.TrimSpace(pi.DharmaName)
	pi.EmergencyContact = strings.TrimSpace(pi.EmergencyContact)
	pi.EmergencyPhone = strings.TrimSpace(pi.EmergencyPhone)
}

// Validate enforces the fields every identity type must carry.
func (pi PersonalInfo) Validate(identity IdentityType) error {
	if pi.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "personalInfo.name is required")
	}
	switch identity {
	case IdentityClergy:
		if pi.TempleName == "" {
			return dErrors.New(dErrors.CodeValidation, "personalInfo.templeName is required for clergy")
		}
	case IdentityVolunteer:
		if pi.EmergencyContact == "" {
			return dErrors.New(dErrors.CodeValidation, "personalInfo.emergencyContact is required for volunteers")
		}
	}
	return nil
}

// Validate requires a pickup location whenever transport is requested.
func (t *Transport) Validate() error {
	if t == nil || !t.Required {
		return nil
	}
	if t.LocationID == "" {
		return dErrors.New(dErrors.CodeValidation, "transport.locationId is required when transport is requested")
	}
	return nil
}

// NewRegistration builds a confirmed registration for an accepted external order.
func NewRegistration(regID id.RegistrationID, p Payload, externalOrderID string, now time.Time) (*Registration, error) {
	if externalOrderID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "confirmed registration requires an external order id")
	}
	var transport *Transport
	if p.Transport != nil {
		t := *p.Transport
		transport = &t
	}
	return &Registration{
		ID:              regID,
		UserID:          p.UserID,
		EventID:         p.EventID,
		IdentityType:    p.IdentityType,
		PersonalInfo:    p.PersonalInfo,
		Transport:       transport,
		ExternalOrderID: externalOrderID,
		Status:          StatusConfirmed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
