// Package feed is the live change-feed boundary: typed job events delivered
// asynchronously with at-least-once, not-strictly-ordered semantics. After
// any direct write, callers must treat the write's own result as
// authoritative and only let feed payloads advance local state.
package feed

import (
	"context"
	"time"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// Event types carried on the feed.
const (
	TypeJobCreated       = "job.created"
	TypeJobStatusChanged = "job.status_changed"
)

// Event is one row-level notification.
type Event struct {
	Type string     `json:"type"`
	Job  models.Job `json:"job"`
	At   time.Time  `json:"at"`
}

// Subscription is one open feed channel. Every subscription must be closed
// on session teardown or reconnection will deliver duplicates forever.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Feed is the subscribe side, consumed by provider sessions.
type Feed interface {
	// SubscribeCategory delivers events for all jobs in one category.
	SubscribeCategory(ctx context.Context, cat models.ServiceCategory) (Subscription, error)
	// SubscribeJob delivers events scoped to a single job id, used to track
	// the current job after acceptance.
	SubscribeJob(ctx context.Context, jobID string) (Subscription, error)
	// Ping is the health-probe check for the event channel.
	Ping(ctx context.Context) error
}

// Publisher is the announce side, used after a committed store write.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func categoryChannel(cat models.ServiceCategory) string { return "jobs.category." + string(cat) }
func jobChannel(jobID string) string                    { return "jobs.id." + jobID }
