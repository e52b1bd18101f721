package models

import (
	dErrors "sangha/pkg/domain-errors"
)

// PersonalInfoPatch lists personal-info fields to overwrite; nil leaves a
// field untouched.
type PersonalInfoPatch struct {
	Name             *string `json:"name,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	TempleName       *string `json:"templeName,omitempty"`
	DharmaName       *string `json:"dharmaName,omitempty"`
	EmergencyContact *string `json:"emergencyContact,omitempty"`
	EmergencyPhone   *string `json:"emergencyPhone,omitempty"`
}

// Patch is a partial update applied by the store. Only the orchestrator sets
// Status; user-facing modify requests never reach the store with it.
type Patch struct {
	PersonalInfo *PersonalInfoPatch
	Transport    *Transport
	// ClearTransport removes the transport request entirely.
	ClearTransport bool
	Status         *Status
}

// IsEmpty reports whether the patch names no field at all.
func (p Patch) IsEmpty() bool {
	return p.PersonalInfo == nil && p.Transport == nil && !p.ClearTransport && p.Status == nil
}

// Cancels reports whether applying the patch cancels the registration.
func (p Patch) Cancels() bool {
	return p.Status != nil && *p.Status == StatusCancelled
}

// Apply returns a copy of r with the patch applied. The receiver is not modified.
func (p Patch) Apply(r *Registration) (*Registration, error) {
	next := r.Clone()
	if pi := p.PersonalInfo; pi != nil {
		setIf(&next.PersonalInfo.Name, pi.Name)
		setIf(&next.PersonalInfo.Phone, pi.Phone)
		setIf(&next.PersonalInfo.TempleName, pi.TempleName)
		setIf(&next.PersonalInfo.DharmaName, pi.DharmaName)
		setIf(&next.PersonalInfo.EmergencyContact, pi.EmergencyContact)
		setIf(&next.PersonalInfo.EmergencyPhone, pi.EmergencyPhone)
		next.PersonalInfo.Normalize()
		if err := next.PersonalInfo.Validate(next.IdentityType); err != nil {
			return nil, err
		}
	}
	switch {
	case p.ClearTransport && p.Transport != nil:
		return nil, dErrors.New(dErrors.CodeValidation, "transport cannot be both set and cleared")
	case p.ClearTransport:
		next.Transport = nil
	case p.Transport != nil:
		t := *p.Transport
		if err := t.Validate(); err != nil {
			return nil, err
		}
		next.Transport = &t
	}
	if p.Status != nil {
		if !p.Status.IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, "invalid status")
		}
		next.Status = *p.Status
	}
	return next, nil
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Diff compares the mutable fields of two registrations and returns the
// changes in a fixed field order, so identical inputs always yield identical
// history entries.
func Diff(before, after *Registration) []Change {
	var changes []Change
	add := func(field string, oldV, newV any) {
		if oldV != newV {
			changes = append(changes, Change{Field: field, OldValue: oldV, NewValue: newV})
		}
	}

	add("status", string(before.Status), string(after.Status))

	bp, ap := before.PersonalInfo, after.PersonalInfo
	add("personalInfo.name", bp.Name, ap.Name)
	add("personalInfo.phone", bp.Phone, ap.Phone)
	add("personalInfo.templeName", bp.TempleName, ap.TempleName)
	add("personalInfo.dharmaName", bp.DharmaName, ap.DharmaName)
	add("personalInfo.emergencyContact", bp.EmergencyContact, ap.EmergencyContact)
	add("personalInfo.emergencyPhone", bp.EmergencyPhone, ap.EmergencyPhone)

	bt, at := before.Transport, after.Transport
	switch {
	case bt == nil && at == nil:
	case bt == nil || at == nil:
		changes = append(changes, Change{Field: "transport", OldValue: transportValue(bt), NewValue: transportValue(at)})
	default:
		add("transport.required", bt.Required, at.Required)
		add("transport.locationId", bt.LocationID, at.LocationID)
		add("transport.pickupTime", bt.PickupTime, at.PickupTime)
	}
	return changes
}

// transportValue renders a transport for a change entry; absent is nil.
func transportValue(t *Transport) any {
	if t == nil {
		return nil
	}
	return map[string]any{
		"required":   t.Required,
		"locationId": t.LocationID,
		"pickupTime": t.PickupTime,
	}
}
