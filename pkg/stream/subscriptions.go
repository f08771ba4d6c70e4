package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scribefeed/scribefeed/pkg/types"
)

// directive is a client-to-server control frame.
type directive struct {
	Action   string      `json:"action"`
	Meetings []meetingID `json:"meetings,omitempty"`
}

type meetingID struct {
	ID int64 `json:"id"`
}

// Subscriptions tracks which meetings are subscribed on a [Client].
//
// The tracker clears itself whenever the transport disconnects, because the
// server forgets subscriptions with the connection. It deliberately does NOT
// replay subscriptions after a reconnect: a reconnect may coincide with a
// meeting-view change, so re-subscription is owned by the session layer,
// which knows the current meeting.
type Subscriptions struct {
	client *Client

	mu     sync.Mutex
	active map[int64]types.MeetingRef
}

// NewSubscriptions creates a subscription tracker bound to client. The
// tracker registers a lifecycle callback so its bookkeeping resets on every
// disconnect.
func NewSubscriptions(client *Client) *Subscriptions {
	s := &Subscriptions{
		client: client,
		active: make(map[int64]types.MeetingRef),
	}
	client.Notify(Lifecycle{OnDisconnect: func(bool) { s.reset() }})
	return s
}

// Subscribe issues a subscribe directive for ref. Fails with
// [ErrNotConnected] when the transport is not open. Subscribing to an
// already-subscribed ref is a no-op.
func (s *Subscriptions) Subscribe(ctx context.Context, ref types.MeetingRef) error {
	if !ref.Subscribable() {
		return fmt.Errorf("stream: meeting ref %s has no internal ID", ref)
	}

	s.mu.Lock()
	if _, ok := s.active[ref.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.client.Send(ctx, directive{
		Action:   "subscribe",
		Meetings: []meetingID{{ID: ref.ID}},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active[ref.ID] = ref
	s.mu.Unlock()
	return nil
}

// Unsubscribe issues an unsubscribe directive for ref. Best-effort: when the
// transport is already closed there is nothing to unsubscribe from and the
// call silently succeeds.
func (s *Subscriptions) Unsubscribe(ctx context.Context, ref types.MeetingRef) error {
	s.mu.Lock()
	delete(s.active, ref.ID)
	s.mu.Unlock()

	if !ref.Subscribable() {
		return nil
	}
	err := s.client.Send(ctx, directive{
		Action:   "unsubscribe",
		Meetings: []meetingID{{ID: ref.ID}},
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Active returns the currently subscribed meeting refs.
func (s *Subscriptions) Active() []types.MeetingRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]types.MeetingRef, 0, len(s.active))
	for _, ref := range s.active {
		refs = append(refs, ref)
	}
	return refs
}

// Count returns the number of currently subscribed meetings.
func (s *Subscriptions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Subscribed reports whether ref's meeting is currently subscribed.
func (s *Subscriptions) Subscribed(ref types.MeetingRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[ref.ID]
	return ok
}

func (s *Subscriptions) reset() {
	s.mu.Lock()
	s.active = make(map[int64]types.MeetingRef)
	s.mu.Unlock()
}
