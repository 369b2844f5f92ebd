package newsletter

import "fmt"

// UnknownValueError reports a string that does not map to any value of the
// named enum. It is returned by the ParseX functions, which are the single
// place external input (storage rows, config) is converted into enum types.
type UnknownValueError struct {
	Enum  string
	Value string
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("unknown %s value %q", e.Enum, e.Value)
}

// Status is the lifecycle state of a newsletter.
//
// Legal transitions:
//
//	draft -> pending -> sending -> sent
//	draft -> scheduled -> pending -> sending -> sent
//	pending -> scheduled (compensating revert after a failed scheduled pass)
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDraft, StatusPending, StatusScheduled, StatusSending, StatusSent:
		return Status(s), nil
	}
	return "", &UnknownValueError{Enum: "status", Value: s}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusSent }

// Audience selects the recipient subset of a newsletter by role.
type Audience string

const (
	AudienceAll        Audience = "all"
	AudienceUsers      Audience = "users"
	AudienceModerators Audience = "moderators"
	AudienceAdmins     Audience = "admins"
)

func ParseAudience(s string) (Audience, error) {
	switch Audience(s) {
	case AudienceAll, AudienceUsers, AudienceModerators, AudienceAdmins:
		return Audience(s), nil
	}
	return "", &UnknownValueError{Enum: "audience", Value: s}
}

// ContentKind selects the transport send operation for a newsletter.
type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentPhoto     ContentKind = "photo"
	ContentVideo     ContentKind = "video"
	ContentAnimation ContentKind = "animation"
	ContentDocument  ContentKind = "document"
)

func ParseContentKind(s string) (ContentKind, error) {
	switch ContentKind(s) {
	case ContentText, ContentPhoto, ContentVideo, ContentAnimation, ContentDocument:
		return ContentKind(s), nil
	}
	return "", &UnknownValueError{Enum: "content kind", Value: s}
}

// ButtonKind is the action type of an inline button. Only URL buttons are
// rendered into recipient keyboards; callback buttons are stored but skipped.
type ButtonKind string

const (
	ButtonURL      ButtonKind = "url"
	ButtonCallback ButtonKind = "callback"
)

func ParseButtonKind(s string) (ButtonKind, error) {
	switch ButtonKind(s) {
	case ButtonURL, ButtonCallback:
		return ButtonKind(s), nil
	}
	return "", &UnknownValueError{Enum: "button kind", Value: s}
}

// unavailableMarker is prefixed to the body when a media newsletter has lost
// its attachment and degrades to a plain text send.
var unavailableMarker = map[ContentKind]string{
	ContentPhoto:     "🖼️ [photo unavailable]",
	ContentVideo:     "🎬 [video unavailable]",
	ContentAnimation: "🎭 [animation unavailable]",
	ContentDocument:  "📎 [document unavailable]",
}

// UnavailableMarker returns the degraded-send prefix for a media kind, or ""
// for kinds that never degrade (text).
func UnavailableMarker(k ContentKind) string { return unavailableMarker[k] }
