package storage

import (
	"errors"
	"fmt"
	"time"

	"newsbot/internal/newsletter"
)

// ErrNotFound reports that the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// StatusConflictError reports a guarded status update that found the row in
// a different state than expected. This is the mechanism that makes the
// pending/sending states act as a dispatch mutex: the loser of a race sees
// the conflict instead of silently double-sending.
type StatusConflictError struct {
	ID   int64
	Want newsletter.Status
	Have newsletter.Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("newsletter %d: status is %q, not %q", e.ID, e.Have, e.Want)
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}
