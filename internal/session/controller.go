// Package session orchestrates one meeting view at a time: it binds the
// streaming transport, the subscription bookkeeping, the REST history fetch,
// and the segment reconciler into a single generation-tagged session, and
// publishes reconciled transcript snapshots to consumers.
//
// Inbound frames for a session are processed strictly one at a time, in
// arrival order, by the single [Controller.Run] goroutine. The transport's
// keepalive and reconnect timers never touch session state; they surface as
// lifecycle events on the same queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scribefeed/scribefeed/internal/history"
	"github.com/scribefeed/scribefeed/internal/observe"
	"github.com/scribefeed/scribefeed/internal/reconcile"
	"github.com/scribefeed/scribefeed/pkg/stream"
	"github.com/scribefeed/scribefeed/pkg/types"
)

// teardownTimeout bounds the best-effort unsubscribe sent while leaving a
// meeting view.
const teardownTimeout = 5 * time.Second

// Config configures a [Controller].
type Config struct {
	// Transport is the streaming client. Required. Its OnFrame callback must
	// be wired to [Controller.HandleFrame].
	Transport *stream.Client

	// Subscriptions tracks per-meeting subscriptions on the transport.
	// Built from Transport when nil.
	Subscriptions *stream.Subscriptions

	// History is the REST client used for the initial transcript fetch,
	// stop, and language-update calls. Optional: without it the controller
	// serves live views only.
	History *history.Client

	// Metrics receives controller instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// QueueSize is the inbound frame queue capacity. Defaults to 256.
	QueueSize int

	// SnapshotBuffer is the snapshot channel capacity. When a consumer lags,
	// the oldest snapshot is dropped in favour of the newest. Defaults to 8.
	SnapshotBuffer int

	// WarningBuffer is the warning channel capacity. Defaults to 8.
	WarningBuffer int
}

// Controller owns at most one meeting view session at a time. Selecting a
// meeting tears the previous session down first, so stale events can never
// corrupt a fresh session's transcript.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	transport *stream.Client
	subs      *stream.Subscriptions
	history   *history.Client
	metrics   *observe.Metrics

	inputs    chan input
	snapshots chan Snapshot
	warnings  chan Warning
	done      chan struct{}
	stopOnce  sync.Once

	// gen tags every queued input with the session generation current at
	// enqueue time; the consumer discards inputs from superseded generations.
	gen atomic.Uint64

	mu  sync.Mutex
	cur *viewSession
}

// viewSession is the per-meeting state owned exclusively by one generation.
type viewSession struct {
	gen    uint64
	uid    string
	ref    types.MeetingRef
	state  State
	status types.MeetingStatus
	rec    *reconcile.Reconciler

	// dropped is the reconciler drop count after the previous merge, for
	// per-merge metric deltas.
	dropped uint64
}

type inputKind int

const (
	inputFrame inputKind = iota
	inputOpen
	inputDisconnect
)

// input is one unit of work on the single-consumer queue.
type input struct {
	kind     inputKind
	gen      uint64
	data     []byte
	terminal bool
}

// New creates a Controller and registers its lifecycle callbacks on the
// transport. The caller must start [Controller.Run] before connecting.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: Transport must not be nil")
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = stream.NewSubscriptions(cfg.Transport)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if err := cfg.Metrics.ObserveSubscriptions(cfg.Subscriptions.Count); err != nil {
		return nil, fmt.Errorf("session: register subscription gauge: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SnapshotBuffer <= 0 {
		cfg.SnapshotBuffer = 8
	}
	if cfg.WarningBuffer <= 0 {
		cfg.WarningBuffer = 8
	}

	c := &Controller{
		transport: cfg.Transport,
		subs:      cfg.Subscriptions,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		inputs:    make(chan input, cfg.QueueSize),
		snapshots: make(chan Snapshot, cfg.SnapshotBuffer),
		warnings:  make(chan Warning, cfg.WarningBuffer),
		done:      make(chan struct{}),
	}
	c.transport.Notify(stream.Lifecycle{
		OnOpen: func() {
			c.enqueue(input{kind: inputOpen, gen: c.gen.Load()})
		},
		OnDisconnect: func(terminal bool) {
			c.enqueue(input{kind: inputDisconnect, gen: c.gen.Load(), terminal: terminal})
		},
	})
	return c, nil
}

// Snapshots returns the channel on which reconciled transcript snapshots are
// published. When the consumer lags, older snapshots are replaced by newer
// ones; the channel always converges on the latest state.
func (c *Controller) Snapshots() <-chan Snapshot {
	return c.snapshots
}

// Warnings returns the channel for non-fatal session problems.
func (c *Controller) Warnings() <-chan Warning {
	return c.warnings
}

// HandleFrame enqueues one raw inbound frame for processing. Wire this to
// [stream.Config.OnFrame]. A full queue backpressures the transport's read
// loop rather than dropping or reordering frames.
func (c *Controller) HandleFrame(data []byte) {
	c.enqueue(input{kind: inputFrame, gen: c.gen.Load(), data: data})
}

// enqueue submits an input unless the controller has shut down.
func (c *Controller) enqueue(in input) {
	select {
	case c.inputs <- in:
	case <-c.done:
	}
}

// Run processes the input queue until ctx is cancelled. It is the single
// consumer: no two session mutations ever run concurrently.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.inputs:
			c.process(ctx, in)
		}
	}
}

// Select binds the controller to a live meeting: the previous session is
// torn down, per-session state is reset, an initial transcript page is
// fetched when a history client is configured, and the meeting is subscribed
// on the transport.
//
// Transient connect failures are surfaced as warnings while the transport
// retries with backoff; only credential rejection fails the call.
func (c *Controller) Select(ctx context.Context, ref types.MeetingRef) error {
	if !ref.Subscribable() {
		return fmt.Errorf("session: meeting %s carries no internal ID", ref)
	}

	ctx, span := observe.StartSpan(ctx, "session.select")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	// The old binding must be fully closed before the new one initialises.
	c.closeLocked()

	s := &viewSession{
		gen:   c.gen.Add(1),
		uid:   uuid.NewString(),
		ref:   ref,
		state: StateConnecting,
		rec:   reconcile.New(),
	}
	c.cur = s
	observe.Logger(ctx).Info("session: selected meeting",
		"meeting", ref.String(),
		"session_uid", s.uid,
	)

	if c.history != nil {
		page, err := c.history.Transcript(ctx, ref)
		if err != nil {
			c.warnLocked(s, fmt.Sprintf("initial transcript fetch: %v", err))
		} else {
			s.rec.MergeHistory(page.Segments)
			s.status = page.Status
			c.metrics.RecordMerge(ctx, "history", int64(len(page.Segments)), int64(s.rec.Dropped()))
			s.dropped = s.rec.Dropped()
		}
	}

	start := time.Now()
	if err := c.transport.Connect(ctx); err != nil {
		if errors.Is(err, stream.ErrAuth) {
			s.state = StateDegraded
			c.publishLocked(s)
			return fmt.Errorf("session: connect: %w", err)
		}
		// The transport retries with backoff on its own; the open lifecycle
		// event triggers the subscription.
		c.warnLocked(s, fmt.Sprintf("connect: %v", err))
		c.publishLocked(s)
		return nil
	}
	c.metrics.RecordConnect(ctx, time.Since(start))

	if err := c.subs.Subscribe(ctx, ref); err != nil {
		c.warnLocked(s, fmt.Sprintf("subscribe: %v", err))
	}
	c.publishLocked(s)
	return nil
}

// Load binds the controller to a historical meeting view: a one-shot REST
// fetch with no streaming subscription.
func (c *Controller) Load(ctx context.Context, ref types.MeetingRef) error {
	if c.history == nil {
		return errors.New("session: no history client configured")
	}

	ctx, span := observe.StartSpan(ctx, "session.load")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	s := &viewSession{
		gen: c.gen.Add(1),
		uid: uuid.NewString(),
		ref: ref,
		rec: reconcile.New(),
	}
	c.cur = s

	page, err := c.history.Transcript(ctx, ref)
	if err != nil {
		s.state = StateDegraded
		c.publishLocked(s)
		return fmt.Errorf("session: load transcript: %w", err)
	}
	s.rec.MergeHistory(page.Segments)
	s.status = page.Status
	c.metrics.RecordMerge(ctx, "history", int64(len(page.Segments)), int64(s.rec.Dropped()))
	s.dropped = s.rec.Dropped()

	if s.status.Live() {
		s.state = StateActive
	} else {
		s.state = StateDegraded
	}
	c.publishLocked(s)
	return nil
}

// UpdateLanguage changes the recognition language for the bound meeting. The
// upstream call happens first; local transcript state is cleared only after
// the service confirms, so a failure leaves the view untouched.
func (c *Controller) UpdateLanguage(ctx context.Context, language string) error {
	if c.history == nil {
		return errors.New("session: no history client configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cur
	if s == nil || s.state == StateClosed {
		return errors.New("session: no meeting bound")
	}
	if err := c.history.UpdateLanguage(ctx, s.ref, language); err != nil {
		return fmt.Errorf("session: update language: %w", err)
	}
	s.rec.Reset()
	s.dropped = 0
	observe.Logger(ctx).Info("session: language updated, transcript reset",
		"meeting", s.ref.String(),
		"language", language,
	)
	c.publishLocked(s)
	return nil
}

// Stop ends the bound meeting server-side and closes the binding. A failed
// upstream call leaves the session untouched.
func (c *Controller) Stop(ctx context.Context) error {
	if c.history == nil {
		return errors.New("session: no history client configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.cur
	if s == nil || s.state == StateClosed {
		return errors.New("session: no meeting bound")
	}
	if err := c.history.Stop(ctx, s.ref); err != nil {
		return fmt.Errorf("session: stop meeting: %w", err)
	}
	s.status = types.StatusStopped
	c.closeLocked()
	return nil
}

// Search runs a fuzzy search over the bound session's transcript.
func (c *Controller) Search(query string) []reconcile.Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.rec.Search(query)
}

// Close tears down the current meeting binding: best-effort unsubscribe,
// transition to closed, final snapshot. The shared transport stays up.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Shutdown closes the current binding and disconnects the transport.
func (c *Controller) Shutdown() {
	c.Close()
	c.transport.Disconnect()
	c.stopOnce.Do(func() { close(c.done) })
}

// closeLocked tears down the current session. Caller holds c.mu.
func (c *Controller) closeLocked() {
	s := c.cur
	if s == nil {
		return
	}
	c.cur = nil
	if s.state == StateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.subs.Unsubscribe(ctx, s.ref); err != nil {
		slog.Warn("session: unsubscribe on close failed",
			"meeting", s.ref.String(),
			"err", err,
		)
	}
	s.state = StateClosed
	c.publishLocked(s)
	slog.Info("session: closed meeting view",
		"meeting", s.ref.String(),
		"session_uid", s.uid,
	)
}

// process applies one queued input to the current session. Inputs tagged
// with a superseded generation are provably inert: they are discarded here
// without touching any state.
func (c *Controller) process(ctx context.Context, in input) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.cur
	if s == nil || in.gen != s.gen {
		slog.Debug("session: discarding stale input", "input_gen", in.gen)
		return
	}
	if s.state == StateClosed {
		return
	}

	switch in.kind {
	case inputFrame:
		c.processFrameLocked(ctx, s, in.data)
	case inputOpen:
		// A fresh open means server-side subscriptions are gone; re-issue
		// the current meeting's subscription.
		s.state = StateConnecting
		subCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
		err := c.subs.Subscribe(subCtx, s.ref)
		cancel()
		if err != nil {
			c.warnLocked(s, fmt.Sprintf("re-subscribe after reconnect: %v", err))
		}
		c.publishLocked(s)
	case inputDisconnect:
		if in.terminal {
			s.state = StateDegraded
			c.warnLocked(s, "stream disconnected and gave up retrying; reselect the meeting to resume")
		} else {
			c.metrics.ReconnectAttempts.Add(ctx, 1)
			c.warnLocked(s, "stream connection lost; reconnecting")
		}
		c.publishLocked(s)
	}
}

// processFrameLocked decodes and applies one inbound frame. Caller holds c.mu.
func (c *Controller) processFrameLocked(ctx context.Context, s *viewSession, data []byte) {
	ev := stream.Decode(data)
	c.metrics.RecordFrame(ctx, ev.Kind.String())

	// Frames addressed to a different meeting can arrive briefly after a
	// view change, before the unsubscribe takes effect server-side.
	if ev.Meeting != 0 && ev.Meeting != s.ref.ID {
		slog.Debug("session: discarding frame for unbound meeting",
			"frame_meeting", ev.Meeting,
			"bound_meeting", s.ref.ID,
		)
		return
	}

	switch ev.Kind {
	case stream.KindUnknown:
		slog.Warn("session: dropping undecodable frame", "diagnostic", ev.Diagnostic)
	case stream.KindPong:
		// Keepalive acknowledgement; resets no deadline.
	case stream.KindSubscribed:
		if s.state == StateConnecting {
			s.state = StateSubscribed
			c.publishLocked(s)
		}
	case stream.KindTranscriptMutable:
		s.rec.MergeMutable(ev.Segments)
		c.recordMergeLocked(ctx, s, "mutable", len(ev.Segments))
		c.publishLocked(s)
	case stream.KindTranscriptFinalized:
		s.rec.MergeFinalized(ev.Segments)
		c.recordMergeLocked(ctx, s, "finalized", len(ev.Segments))
		c.publishLocked(s)
	case stream.KindMeetingStatus:
		s.status = ev.Status
		switch {
		case ev.Status.Terminal():
			// The meeting has permanently ended: release the subscription
			// and close the binding. The transport may serve other views.
			c.warnLocked(s, fmt.Sprintf("meeting ended with status %q", ev.Status))
			c.closeLocked()
		case ev.Status.Live():
			s.state = StateActive
			c.publishLocked(s)
		default:
			s.state = StateDegraded
			c.publishLocked(s)
		}
	case stream.KindError:
		c.warnLocked(s, "server error: "+ev.Message)
	}
}

// recordMergeLocked records merge metrics using the reconciler's cumulative
// drop counter delta. Caller holds c.mu.
func (c *Controller) recordMergeLocked(ctx context.Context, s *viewSession, source string, batch int) {
	dropped := s.rec.Dropped()
	c.metrics.RecordMerge(ctx, source, int64(batch), int64(dropped-s.dropped))
	s.dropped = dropped
}

// publishLocked emits a snapshot of s, replacing the oldest buffered
// snapshot when the consumer lags. Caller holds c.mu.
func (c *Controller) publishLocked(s *viewSession) {
	snap := Snapshot{
		SessionUID: s.uid,
		Meeting:    s.ref,
		State:      s.state,
		Status:     s.status,
		Blocks:     s.rec.Blocks(),
		Changed:    s.rec.RecentlyChanged(),
		Dropped:    s.rec.Dropped(),
	}
	for {
		select {
		case c.snapshots <- snap:
			return
		default:
		}
		select {
		case <-c.snapshots:
		default:
		}
	}
}

// warnLocked emits a non-fatal warning. Caller holds c.mu.
func (c *Controller) warnLocked(s *viewSession, msg string) {
	slog.Warn("session: "+msg, "meeting", s.ref.String(), "session_uid", s.uid)
	w := Warning{SessionUID: s.uid, Message: msg}
	select {
	case c.warnings <- w:
	default:
		// A lagging consumer loses old warnings rather than blocking frame
		// processing.
		select {
		case <-c.warnings:
		default:
		}
		select {
		case c.warnings <- w:
		default:
		}
	}
}
