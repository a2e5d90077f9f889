package storage

import (
	"database/sql"
	"time"

	"postbot/internal/domain"
)

type userRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	FullName  string `db:"full_name"`
	Tier      string `db:"tier"`
	IsAdmin   bool   `db:"is_admin"`
	CreatedAt int64  `db:"created_at"`
}

func (r userRow) domain() domain.User {
	return domain.User{
		ID:        r.ID,
		Username:  r.Username,
		FullName:  r.FullName,
		Tier:      r.Tier,
		IsAdmin:   r.IsAdmin,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

type tierRow struct {
	Name        string `db:"name"`
	PriceCents  int64  `db:"price_cents"`
	MaxChannels int    `db:"max_channels"`
	PostsPerDay int    `db:"posts_per_day"`
	Description string `db:"description"`
}

func (r tierRow) domain() domain.Tier {
	return domain.Tier{
		Name:        r.Name,
		PriceCents:  r.PriceCents,
		MaxChannels: r.MaxChannels,
		PostsPerDay: r.PostsPerDay,
		Description: r.Description,
	}
}

type channelRow struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	ExternalID int64  `db:"channel_id"`
	Username   string `db:"username"`
	Title      string `db:"title"`
	AddedAt    int64  `db:"added_at"`
	Active     bool   `db:"is_active"`
}

func (r channelRow) domain() domain.Channel {
	return domain.Channel{
		ID:         r.ID,
		UserID:     r.UserID,
		ExternalID: r.ExternalID,
		Username:   r.Username,
		Title:      r.Title,
		AddedAt:    fromMillis(r.AddedAt),
		Active:     r.Active,
	}
}

const postColumns = `id, user_id, channel_id, message_text, media_path, media_type,
	scheduled_time, status, created_at, attempted_at, published_at, error_message`

type postRow struct {
	ID           int64          `db:"id"`
	UserID       int64          `db:"user_id"`
	ChannelID    int64          `db:"channel_id"`
	MessageText  string         `db:"message_text"`
	MediaPath    string         `db:"media_path"`
	MediaType    string         `db:"media_type"`
	ScheduledAt  int64          `db:"scheduled_time"`
	Status       string         `db:"status"`
	CreatedAt    int64          `db:"created_at"`
	AttemptedAt  sql.NullInt64  `db:"attempted_at"`
	PublishedAt  sql.NullInt64  `db:"published_at"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func (r postRow) domain() domain.Post {
	p := domain.Post{
		ID:        domain.PostID(r.ID),
		UserID:    r.UserID,
		ChannelID: r.ChannelID,
		Content: domain.Content{
			Text:      r.MessageText,
			MediaRef:  r.MediaPath,
			MediaKind: domain.MediaKind(r.MediaType),
		},
		FireAt:    fromMillis(r.ScheduledAt),
		State:     domain.PostState(r.Status),
		CreatedAt: fromMillis(r.CreatedAt),
		Error:     r.ErrorMessage.String,
	}
	if r.AttemptedAt.Valid {
		p.AttemptedAt = fromMillis(r.AttemptedAt.Int64)
	}
	if r.PublishedAt.Valid {
		p.PublishedAt = fromMillis(r.PublishedAt.Int64)
	}
	return p
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
