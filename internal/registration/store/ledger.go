package store

import (
	"fmt"
	"time"

	"sangha/internal/registration/models"
	id "sangha/pkg/domain"
	"sangha/pkg/platform/sentinel"
)

// applyPatch is shared by every store: it derives the next entity state and
// the ledger entry for one update.
func applyPatch(current *models.Registration, patch models.Patch, meta models.HistoryMeta, now time.Time) (*models.Registration, *models.HistoryRecord, error) {
	if current.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("registration %s is cancelled: %w", current.ID, sentinel.ErrInvalidState)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return nil, nil, err
	}
	changes := models.Diff(current, next)
	if len(changes) == 0 {
		return nil, nil, sentinel.ErrNoChanges
	}
	next.UpdatedAt = now

	action := models.ActionUpdated
	if patch.Cancels() {
		action = models.ActionCancelled
	}
	return next, newHistory(current.ID, action, changes, meta, now), nil
}

func newHistory(regID id.RegistrationID, action models.Action, changes []models.Change, meta models.HistoryMeta, at time.Time) *models.HistoryRecord {
	rec := &models.HistoryRecord{
		ID:             id.NewHistoryID(),
		RegistrationID: regID,
		UserID:         meta.UserID,
		Action:         action,
		Changes:        changes,
		Reason:         meta.Reason,
		CreatedAt:      at,
	}
	if len(meta.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(meta.Metadata))
		for k, v := range meta.Metadata {
			rec.Metadata[k] = v
		}
	}
	return rec
}
