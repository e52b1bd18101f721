package domain

import (
	"strings"
	"unicode"

	"github.com/google/uuid"

	dErrors "sangha/pkg/domain-errors"
)

// Server-issued identifiers are UUIDs wrapped in distinct types so a history
// id can never be passed where a registration id is expected.
type (
	RegistrationID uuid.UUID
	HistoryID      uuid.UUID
	RetryID        uuid.UUID
)

// UserID is the identity-provider subject (for example a LINE user id). It is
// opaque to this service, so only shape is validated.
type UserID string

// EventID identifies one event instance in the catalog.
type EventID string

const maxExternalIDLength = 64

func NewRegistrationID() RegistrationID { return RegistrationID(uuid.New()) }
func NewHistoryID() HistoryID           { return HistoryID(uuid.New()) }
func NewRetryID() RetryID               { return RetryID(uuid.New()) }

func ParseRegistrationID(s string) (RegistrationID, error) {
	u, err := parseUUID(s, "registration id")
	return RegistrationID(u), err
}

func ParseRetryID(s string) (RetryID, error) {
	u, err := parseUUID(s, "retry id")
	return RetryID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

// ParseUserID validates an identity-provider subject.
func ParseUserID(s string) (UserID, error) {
	if err := validateExternalID(s, "user id"); err != nil {
		return "", err
	}
	return UserID(s), nil
}

// ParseEventID validates an event identifier.
func ParseEventID(s string) (EventID, error) {
	if err := validateExternalID(s, "event id"); err != nil {
		return "", err
	}
	return EventID(s), nil
}

func validateExternalID(s, label string) error {
	if strings.TrimSpace(s) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	if len(s) > maxExternalIDLength {
		return dErrors.New(dErrors.CodeInvalidInput, label+" is too long")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return dErrors.New(dErrors.CodeInvalidInput, label+" contains invalid characters")
		}
	}
	return nil
}

func (id RegistrationID) String() string { return uuid.UUID(id).String() }
func (id RegistrationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id HistoryID) String() string      { return uuid.UUID(id).String() }
func (id RetryID) String() string        { return uuid.UUID(id).String() }
func (id RetryID) IsNil() bool           { return uuid.UUID(id) == uuid.Nil }
func (id UserID) String() string         { return string(id) }
func (id EventID) String() string        { return string(id) }

func (id RegistrationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id HistoryID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id RetryID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }

func (id *RegistrationID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *HistoryID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *RetryID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
