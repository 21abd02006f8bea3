// Package runlog implements the Resumable Event Log: a
// per-run append-only list of events plus a pub/sub notification channel,
// giving subscribers cursor-based reconnect semantics on top of the broker
// (C1). The Event/page shape and cursor-based List contract follow this
// codebase's broader event-log conventions, adapted from a generic store
// interface onto the broker's rpush/lrange/publish primitives.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/driftloom/agentcore/agent"
	"github.com/driftloom/agentcore/broker"
)

// Control tokens published on the notification channel in addition to the
// plain "new" sentinel.
const (
	sentinelNew = "new"
	TokenEndStream = "END_STREAM"
	TokenError     = "ERROR"
	TokenStop      = "STOP"
)

// DefaultTTL is the default list retention window after a run reaches a
// terminal state.
const DefaultTTL = 24 * time.Hour

// Log appends events for a run and notifies subscribers, backed by the
// broker's list (`responses:<run_id>`) and pub/sub channel
// (`new_event:<run_id>`).
type Log struct {
	b broker.Broker
}

// New constructs a Log backed by the given broker.
func New(b broker.Broker) *Log {
	return &Log{b: b}
}

func responsesKey(runID string) string { return "responses:" + runID }
func newEventChannel(runID string) string { return "new_event:" + runID }

// Append persists e to the run's list and publishes the "new" sentinel.
// Publish never blocks on the absence of subscribers.
func (l *Log) Append(ctx context.Context, runID string, e agent.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("runlog: encode event: %w", err)
	}
	if err := l.b.RPush(ctx, responsesKey(runID), string(payload)); err != nil {
		return fmt.Errorf("runlog: append event: %w", err)
	}
	if err := l.b.Publish(ctx, newEventChannel(runID), sentinelNew); err != nil {
		return fmt.Errorf("runlog: notify subscribers: %w", err)
	}
	return nil
}

// PublishControl publishes a terminal control token on the run's
// notification channel (END_STREAM, ERROR, or STOP).
func (l *Log) PublishControl(ctx context.Context, runID, token string) error {
	return l.b.Publish(ctx, newEventChannel(runID), token)
}

// ExpireAfterTerminal sets the list TTL once a run reaches a terminal state.
func (l *Log) ExpireAfterTerminal(ctx context.Context, runID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return l.b.Expire(ctx, responsesKey(runID), ttl)
}

// Heartbeat refreshes the list TTL for a still-running run so it survives
// until the next heartbeat, preventing premature expiry of live runs.
func (l *Log) Heartbeat(ctx context.Context, runID string, ttl time.Duration) error {
	return l.b.Expire(ctx, responsesKey(runID), ttl)
}

// Flush returns all events from cursor (inclusive, 0-based index into the
// list) through the end of the log, plus the cursor value to resume from on
// the next call.
func (l *Log) Flush(ctx context.Context, runID string, cursor int64) ([]agent.Event, int64, error) {
	raw, err := l.b.LRange(ctx, responsesKey(runID), cursor, -1)
	if err != nil {
		return nil, cursor, fmt.Errorf("runlog: read events: %w", err)
	}
	events := make([]agent.Event, 0, len(raw))
	for _, r := range raw {
		var e agent.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, cursor, fmt.Errorf("runlog: decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, cursor + int64(len(events)), nil
}

// Subscription is a live, cursor-tracking view onto a run's event log. It
// implements the subscriber read path: replay from the list, then follow
// "new" notifications, flushing the list again on each one, and finally
// terminate on a control token.
type Subscription struct {
	log    *Log
	runID  string
	cursor int64
	sub    broker.Subscription
}

// Subscribe opens a Subscription starting at the given cursor (use 0 for a
// fresh subscriber, or the last received cursor to resume after a
// disconnect).
func (l *Log) Subscribe(ctx context.Context, runID string, cursor int64) (*Subscription, error) {
	sub, err := l.b.Subscribe(ctx, newEventChannel(runID))
	if err != nil {
		return nil, fmt.Errorf("runlog: subscribe: %w", err)
	}
	return &Subscription{log: l, runID: runID, cursor: cursor, sub: sub}, nil
}

// Cursor returns the subscriber's current read position.
func (s *Subscription) Cursor() int64 { return s.cursor }

// Close releases the underlying broker subscription.
func (s *Subscription) Close() error { return s.sub.Close() }

// Next blocks until new events are available or a terminal control token is
// observed, returning the flushed events and whether the stream has ended.
// Callers should call Next in a loop; on the first call it performs the
// initial catch-up flush before waiting on notifications, so a late
// subscriber immediately receives full history without waiting for a new
// event to arrive.
func (s *Subscription) Next(ctx context.Context) (events []agent.Event, done bool, err error) {
	events, next, err := s.log.Flush(ctx, s.runID, s.cursor)
	if err != nil {
		return nil, false, err
	}
	if len(events) > 0 {
		s.cursor = next
		return events, false, nil
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case msg, ok := <-s.sub.Channel():
		if !ok {
			return nil, true, nil
		}
		switch msg.Payload {
		case TokenEndStream, TokenError, TokenStop:
			final, next, ferr := s.log.Flush(ctx, s.runID, s.cursor)
			if ferr != nil {
				return nil, false, ferr
			}
			s.cursor = next
			return final, true, nil
		default:
			// sentinelNew, or an unrecognized token: re-flush on the next
			// Next() call by returning an empty, non-terminal result.
			return nil, false, nil
		}
	}
}

// CursorToString / CursorFromString allow callers to expose the cursor as an
// opaque string over an external transport (e.g. an SSE query parameter).
func CursorToString(cursor int64) string { return strconv.FormatInt(cursor, 10) }

func CursorFromString(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
