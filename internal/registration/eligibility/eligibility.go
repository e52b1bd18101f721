// Package eligibility decides whether a registration may currently be mutated.
// Everything here is pure: callers pass the registration, event, history and
// time, and get a Decision back.
package eligibility

import (
	"fmt"
	"time"

	"sangha/internal/events"
	"sangha/internal/registration/models"
	dErrors "sangha/pkg/domain-errors"
)

// Mode selects which rule chain applies.
type Mode int

const (
	ModeModify Mode = iota
	ModeCancel
)

func (m Mode) String() string {
	if m == ModeCancel {
		return "cancel"
	}
	return "modify"
}

const (
	DefaultBlackout         = 72 * time.Hour
	DefaultMaxModifications = 5
)

const (
	ReasonNotFound         = "registration not found"
	ReasonAlreadyCancelled = "registration already cancelled"
	ReasonBlackout         = "inside modification blackout window"
	ReasonEventUnknown     = "event not found; modification window cannot be checked"
)

// ReasonLimitReached formats the modification-cap reason for a given limit.
func ReasonLimitReached(limit int) string {
	return fmt.Sprintf("maximum modification limit reached (%d)", limit)
}

// Policy carries the configurable window and budget.
type Policy struct {
	Blackout         time.Duration
	MaxModifications int
	// CancelRespectsBlackout makes cancellation subject to the blackout rule too.
	CancelRespectsBlackout bool
}

func DefaultPolicy() Policy {
	return Policy{Blackout: DefaultBlackout, MaxModifications: DefaultMaxModifications}
}

func (p Policy) withDefaults() Policy {
	if p.Blackout <= 0 {
		p.Blackout = DefaultBlackout
	}
	if p.MaxModifications <= 0 {
		p.MaxModifications = DefaultMaxModifications
	}
	return p
}

// Decision is the outcome of an eligibility check.
type Decision struct {
	Allowed bool
	Reason  string
	Code    dErrors.Code
}

// Err converts a denial into a domain error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return dErrors.New(d.Code, d.Reason).WithDetails(dErrors.Details{Reason: d.Reason})
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code dErrors.Code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// CanModify applies the rule chain, failing fast:
//  1. missing registration
//  2. cancelled registration (terminal)
//  3. blackout window before the event start (modify only, unless policy says otherwise)
//  4. modification budget exhausted (modify only)
//
// Ownership is not checked here.
func CanModify(reg *models.Registration, event *events.Event, history []*models.HistoryRecord, now time.Time, mode Mode, policy Policy) Decision {
	policy = policy.withDefaults()

	if reg == nil {
		return deny(dErrors.CodeNotFound, ReasonNotFound)
	}
	if reg.Status.IsTerminal() {
		return deny(dErrors.CodeAlreadyCancelled, ReasonAlreadyCancelled)
	}
	if mode == ModeModify || policy.CancelRespectsBlackout {
		if event == nil {
			return deny(dErrors.CodeIneligible, ReasonEventUnknown)
		}
		if InBlackout(event, now, policy) {
			return deny(dErrors.CodeIneligible, ReasonBlackout)
		}
	}
	if mode == ModeModify && models.CountModifications(history) >= policy.MaxModifications {
		return deny(dErrors.CodeIneligible, ReasonLimitReached(policy.MaxModifications))
	}
	return allow()
}

// InBlackout reports whether now is past the modification cutoff for event.
// An event without a start date has no blackout.
func InBlackout(event *events.Event, now time.Time, policy Policy) bool {
	if event == nil || event.StartDate.IsZero() {
		return false
	}
	policy = policy.withDefaults()
	return now.After(event.StartDate.Add(-policy.Blackout))
}

// Remaining returns how many modifications are left, never negative.
func Remaining(history []*models.HistoryRecord, policy Policy) int {
	policy = policy.withDefaults()
	left := policy.MaxModifications - models.CountModifications(history)
	if left < 0 {
		return 0
	}
	return left
}
