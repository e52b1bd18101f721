// Package lock serializes the duplicate-check and create region per
// (user, event) pair.
package lock

import (
	"context"
	"time"

	dErrors "sangha/pkg/domain-errors"
)

// Release frees a held lock. It is safe to call more than once.
type Release func()

// defaultAcquireTimeout bounds waiting for a lock when ctx has no deadline.
const defaultAcquireTimeout = 15 * time.Second

// Key builds the lock key for a user and event.
func Key(userID, eventID string) string {
	return "registration:" + userID + ":" + eventID
}

func withAcquireDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultAcquireTimeout)
}

func acquireTimeout(err error) error {
	return dErrors.Wrap(err, dErrors.CodeTimeout, "another request for this registration is in progress")
}
