// Package newsletter defines the domain model of the broadcast engine: the
// newsletter aggregate (text, optional media, inline buttons), its lifecycle
// status machine, and the per-pass delivery report.
package newsletter

import (
	"time"

	"newsbot/internal/directory"
)

// Newsletter is the unit of work: one message composed by an operator,
// delivered to every recipient of its audience in a single fan-out pass.
//
// The aggregate owns its Media and Buttons: they are created with the
// newsletter, immutable afterwards, and removed with it (storage enforces
// the cascade).
type Newsletter struct {
	ID        int64
	CreatorID int64
	Text      string
	Audience  Audience
	Kind      ContentKind
	Status    Status

	// CreatedAt is set once at creation. ScheduledAt is non-nil only for
	// deferred newsletters and is meaningful only while Status is scheduled.
	// Both are UTC instants; comparisons never cross timezone boundaries.
	CreatedAt   time.Time
	ScheduledAt *time.Time

	Media   *Media
	Buttons []Button

	// Creator is populated by aggregate fetches for completion reporting.
	Creator *directory.User
}

// Media is the at-most-one attachment of a newsletter. FileID is the opaque
// transport handle used to resend without re-uploading.
type Media struct {
	ID       int64
	FileID   string
	UniqueID string
	Kind     ContentKind
	Size     int64
	MIMEType string
	FileName string
}

// Button is one cell of the recipient-facing inline keyboard grid.
type Button struct {
	ID           int64
	Text         string
	Kind         ButtonKind
	URL          string
	CallbackData string
	Row          int
	Col          int
}
