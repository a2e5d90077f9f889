// Package broadcast sends one message to many chats at a bounded rate.
// It backs the admin /broadcast command.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

var (
	ErrNotRunning = errors.New("broadcast: not running")
	ErrQueueFull  = errors.New("broadcast: queue full")
	ErrNoTargets  = errors.New("broadcast: no targets")
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
	// StatusMax and StatusTTL bound how many finished job statuses are kept.
	StatusMax int
	StatusTTL time.Duration
}

// Job is one broadcast. OnDone, when set, runs on the worker after the
// last target has been tried.
type Job struct {
	Name    string
	Targets []kit.ChatTarget
	Text    string
	Opt     *kit.SendOptions
	OnDone  func(ctx context.Context, st JobStatus)
}

type queued struct {
	id string
	Job
}

type JobStatus struct {
	ID        string
	Name      string
	Total     int
	Done      int
	Failed    int
	Failures  []kit.ChatTarget
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  kit.TextSender
	log     logx.Logger
	limiter *rate.Limiter

	queue   chan queued
	sup     *rtsup.Supervisor
	running bool

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}
