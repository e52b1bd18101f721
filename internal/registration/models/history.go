package models

import (
	"time"

	id "sangha/pkg/domain"
)

// Action labels a history entry.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionCancelled Action = "cancelled"
)

// Change is one field-level difference. Field uses dotted paths such as
// "personalInfo.templeName".
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// HistoryRecord is an immutable ledger entry, one per accepted mutation.
type HistoryRecord struct {
	ID             id.HistoryID      `json:"id"`
	RegistrationID id.RegistrationID `json:"registrationId"`
	UserID         id.UserID         `json:"userId"`
	Action         Action            `json:"action"`
	Changes        []Change          `json:"changes"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// HistoryMeta is the requester context attached to a mutation.
type HistoryMeta struct {
	UserID   id.UserID
	Reason   string
	Metadata map[string]string
}

// Clone deep-copies the record.
func (h *HistoryRecord) Clone() *HistoryRecord {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Changes = append([]Change{}, h.Changes...)
	if h.Metadata != nil {
		cp.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// CountModifications counts accepted modify operations in a ledger.
func CountModifications(history []*HistoryRecord) int {
	n := 0
	for _, h := range history {
		if h.Action == ActionUpdated {
			n++
		}
	}
	return n
}
