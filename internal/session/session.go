// Package session keeps the per-user state of the post composition dialog.
//
// A session expires TTL after its last write. Expired sessions read as
// absent, so a user who walks away mid-dialog starts over.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

type Step string

const (
	StepContent Step = "content"
	StepTime    Step = "time"
	StepChannel Step = "channel"
)

// Draft is a post being composed.
type Draft struct {
	Step      Step             `json:"step"`
	Text      string           `json:"text,omitempty"`
	MediaRef  string           `json:"media_ref,omitempty"`
	MediaKind domain.MediaKind `json:"media_kind,omitempty"`
	FireAt    time.Time        `json:"fire_at,omitzero"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (d Draft) Content() domain.Content {
	return domain.Content{Text: strings.TrimSpace(d.Text), MediaRef: d.MediaRef, MediaKind: d.MediaKind}
}

// Store holds one draft per user.
type Store interface {
	Get(ctx context.Context, userID int64) (Draft, bool, error)
	Put(ctx context.Context, userID int64, d Draft) error
	Delete(ctx context.Context, userID int64) error
	Close() error
}

type Config struct {
	Driver   string // "memory" (default) or "redis"
	TTL      time.Duration
	RedisURL string
	Prefix   string
}

var ErrUnknownDriver = errors.New("session: unknown driver")

// Open builds the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
