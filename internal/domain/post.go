// Package domain holds the entities of the post scheduler and the errors
// shared by every layer.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

type PostID int64

type PostState string

const (
	StateScheduled PostState = "scheduled"
	StatePublished PostState = "published"
	StateFailed    PostState = "failed"
	StateCancelled PostState = "cancelled"
)

func (s PostState) Terminal() bool { return s != StateScheduled }

func (s PostState) Valid() bool {
	switch s {
	case StateScheduled, StatePublished, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ParseState accepts the state names used by /schedule filters.
func ParseState(s string) (PostState, bool) {
	st := PostState(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaNone, MediaPhoto, MediaVideo, MediaDocument:
		return true
	}
	return false
}

// Content is the payload handed to the delivery transport.
type Content struct {
	Text      string
	MediaRef  string // Telegram file id or local path
	MediaKind MediaKind
}

// Telegram limits, in characters, for a message text and a media caption.
const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024
)

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && c.MediaRef == ""
}

// TextLimit is the longest text c can carry in a single message.
func (c Content) TextLimit() int {
	if c.MediaRef != "" {
		return MaxCaptionLength
	}
	return MaxTextLength
}

// CheckLength returns a *ContentTooLongError when c does not fit in one
// message.
func (c Content) CheckLength() error {
	if n := utf8.RuneCountInString(c.Text); n > c.TextLimit() {
		return &ContentTooLongError{Length: n, Limit: c.TextLimit(), Caption: c.MediaRef != ""}
	}
	return nil
}

type Post struct {
	ID          PostID
	UserID      int64
	ChannelID   int64 // internal channel id
	Content     Content
	FireAt      time.Time
	State       PostState
	CreatedAt   time.Time
	AttemptedAt time.Time // zero until the executor starts delivery
	PublishedAt time.Time // set iff State == StatePublished
	Error       string    // set iff State == StateFailed
}

func (p Post) Attempted() bool { return !p.AttemptedAt.IsZero() }
