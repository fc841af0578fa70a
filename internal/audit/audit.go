// Package audit records privileged actions in an append-only durable log.
// Audit is not best-effort: when the sink is down, the triggering mutation
// fails rather than completing un-audited.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carevault.org/internal/ids"
	"carevault.org/internal/obs"
	"carevault.org/internal/stream"
)

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

const defaultQueryLimit = 200

// ErrUnavailable indicates the durable sink rejected the append.
var ErrUnavailable = fmt.Errorf("audit: sink unavailable")

// Entry is an immutable record of a privileged action. Entries are never
// mutated or deleted; timestamps are non-decreasing in insertion order.
type Entry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"`
	Outcome    string    `json:"outcome"`
}

// Store is the durable append-only sink.
type Store interface {
	Append(ctx context.Context, entry *Entry) error

	// Tail returns entries newest-first, substring-matched against action
	// and details when filter is non-empty.
	Tail(ctx context.Context, filter string, limit int) ([]Entry, error)
}

// Recorder writes entries and mirrors them to the JSON log and live feed.
type Recorder struct {
	store Store
	feed  *stream.Feed
	now   func() time.Time
}

// RecorderOption configures Recorder behavior.
type RecorderOption func(*Recorder)

// WithFeed mirrors recorded entries to the live feed.
func WithFeed(feed *stream.Feed) RecorderOption {
	return func(r *Recorder) { r.feed = feed }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder over the durable sink.
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store is required")
	}
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record appends one entry. On sink failure the caller must treat its own
// operation as failed.
func (r *Recorder) Record(ctx context.Context, actorID, action, details, outcome string) (Entry, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return Entry{}, fmt.Errorf("audit: action is required")
	}
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	entry := Entry{
		ID:         ids.New(),
		OccurredAt: r.now().UTC(),
		ActorID:    actorID,
		Action:     action,
		Details:    details,
		Outcome:    outcome,
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	obs.ObserveAuditAppend()
	obs.LogEvent(map[string]any{
		"ts":       entry.OccurredAt.Format(time.RFC3339Nano),
		"type":     "audit",
		"actor_id": entry.ActorID,
		"action":   entry.Action,
		"outcome":  entry.Outcome,
	})
	if r.feed != nil {
		r.feed.Publish(stream.Event{
			ID:         entry.ID,
			OccurredAt: entry.OccurredAt,
			ActorID:    entry.ActorID,
			Action:     entry.Action,
			Outcome:    entry.Outcome,
		})
	}
	return entry, nil
}

// Query returns matching entries newest-first.
func (r *Recorder) Query(ctx context.Context, filter string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	return r.store.Tail(ctx, strings.TrimSpace(filter), limit)
}

// NewEntry builds an entry for stores that persist audit rows atomically with
// the mutation they describe (bulk import commit).
func (r *Recorder) NewEntry(actorID, action, details string) *Entry {
	return &Entry{
		ID:         ids.New(),
		OccurredAt: r.now().UTC(),
		ActorID:    actorID,
		Action:     action,
		Details:    details,
		Outcome:    OutcomeSuccess,
	}
}
