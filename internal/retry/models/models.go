// Package models holds the retry record aggregate and the backoff policy.
package models

import (
	"math"
	"time"

	regmodels "sangha/internal/registration/models"
	id "sangha/pkg/domain"
)

// Status is the lifecycle state of a retry sequence.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether no further attempt may be issued.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt is one creation try. ErrorCode is the classified gateway or
// domain code of a failed try.
type Attempt struct {
	AttemptNumber int       `json:"attemptNumber"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       Outcome   `json:"outcome"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// RetryRecord tracks one creation attempt sequence.
//
// Invariants:
//   - Attempts are numbered 1..n in order
//   - once Status is success no attempt follows and FinalOrderID never changes
//   - success and failed are terminal
type RetryRecord struct {
	ID               id.RetryID         `json:"retryId"`
	UserID           id.UserID          `json:"userId"`
	RegistrationData regmodels.Payload  `json:"registrationData"`
	Status           Status             `json:"status"`
	Attempts         []Attempt          `json:"attempts"`
	FinalOrderID     string             `json:"finalOrderId,omitempty"`
	RegistrationID   *id.RegistrationID `json:"registrationId,omitempty"`
	LastError        string             `json:"lastError,omitempty"`
	NextAttemptAt    *time.Time         `json:"nextAttemptAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// NewRetryRecord starts a pending sequence for payload.
func NewRetryRecord(payload regmodels.Payload, now time.Time) *RetryRecord {
	return &RetryRecord{
		ID:               id.NewRetryID(),
		UserID:           payload.UserID,
		RegistrationData: payload,
		Status:           StatusPending,
		Attempts:         []Attempt{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NextAttemptNumber is the number the next attempt would carry.
func (r *RetryRecord) NextAttemptNumber() int {
	return len(r.Attempts) + 1
}

func (r *RetryRecord) Clone() *RetryRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Attempts = append([]Attempt{}, r.Attempts...)
	if r.RegistrationData.Transport != nil {
		t := *r.RegistrationData.Transport
		c.RegistrationData.Transport = &t
	}
	if r.RegistrationID != nil {
		regID := *r.RegistrationID
		c.RegistrationID = &regID
	}
	if r.NextAttemptAt != nil {
		at := *r.NextAttemptAt
		c.NextAttemptAt = &at
	}
	return &c
}

// Policy is the exponential backoff schedule.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns how long to wait before attempt n. Attempt 1 runs
// immediately; attempt 2 waits BaseDelay and each later attempt multiplies
// the previous wait, capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-2))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts already made use up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
