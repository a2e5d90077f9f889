package domain

import "time"

const DefaultTier = "free"

type User struct {
	ID        int64
	Username  string
	FullName  string
	Tier      string
	IsAdmin   bool
	CreatedAt time.Time
}

// DisplayName prefers the full name, then @username, then the id.
func (u User) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Username != "":
		return "@" + u.Username
	}
	return "user"
}

type Tier struct {
	Name        string
	PriceCents  int64
	MaxChannels int
	PostsPerDay int
	Description string
}

type Channel struct {
	ID         int64
	UserID     int64
	ExternalID int64 // Telegram chat id
	Username   string
	Title      string
	AddedAt    time.Time
	Active     bool
}

// Usage is today's quota position of a user.
type Usage struct {
	Tier  string
	Used  int
	Limit int
}

func (u Usage) Remaining() int {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

type Stats struct {
	Users        int
	Channels     int
	PostsByState map[PostState]int
	PostsToday   int
}
