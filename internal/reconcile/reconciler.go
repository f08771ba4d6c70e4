// Package reconcile maintains the authoritative, time-ordered view of a
// meeting's transcript while segments arrive out of order, overlapping, and
// revised, from both the event stream and the one-shot history fetch.
//
// Both sources are normalized to the same segment shape before merging, so
// the merge never special-cases where a batch came from. The only difference
// between a mutable and a finalized batch is the bookkeeping of which keys
// remain revisable.
package reconcile

import (
	"sort"
	"sync"

	"github.com/scribefeed/scribefeed/pkg/types"
)

// Reconciler folds segment batches into one deduplicated, ordered sequence
// and tracks which segments the source may still revise.
//
// Merge operations are cheap in-memory transforms; callers serialize event
// application per meeting view, but reads (Segments, Blocks, Search) may
// come from other goroutines, so the reconciler locks internally.
type Reconciler struct {
	mu      sync.Mutex
	seq     map[types.Key]types.Segment
	mutable map[types.Key]struct{}
	changed map[types.Key]struct{}
	dropped uint64
}

// New creates an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{
		seq:     make(map[types.Key]types.Segment),
		mutable: make(map[types.Key]struct{}),
		changed: make(map[types.Key]struct{}),
	}
}

// MergeMutable merges a provisional batch. Every merged key is marked
// revisable. An empty batch (after filtering) signals the server has nothing
// pending: the mutable and recent-change sets are cleared wholesale.
func (r *Reconciler) MergeMutable(segments []types.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.mergeLocked(segments)
	if len(keys) == 0 {
		r.mutable = make(map[types.Key]struct{})
		return
	}
	for _, k := range keys {
		r.mutable[k] = struct{}{}
	}
}

// MergeFinalized merges a finalized batch. Every merged key is promoted to
// permanent: removed from the mutable set regardless of prior state.
func (r *Reconciler) MergeFinalized(segments []types.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.mergeLocked(segments) {
		delete(r.mutable, k)
	}
}

// MergeHistory merges a one-shot REST batch. Historical segments carry no
// revisability signal, so the mutable set is untouched.
func (r *Reconciler) MergeHistory(segments []types.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLocked(segments)
}

// mergeLocked applies the merge rules to one batch and returns the keys of
// every segment that survived filtering (whether or not it replaced the
// occupant). Caller holds r.mu.
//
// Rules, in order, per incoming segment:
//  1. Normalize text and speaker.
//  2. Derive the identity key from the absolute start time; unkeyable
//     segments are excluded outright (no fallback key).
//  3. A revision no newer than the current occupant (both carrying
//     updatedAt) is discarded as stale; ties keep the existing occupant.
//     Otherwise the incoming segment replaces it.
//
// The recent-change set is rebuilt on every call: it reflects only the keys
// whose text this batch revised.
func (r *Reconciler) mergeLocked(segments []types.Segment) []types.Key {
	r.changed = make(map[types.Key]struct{})
	keys := make([]types.Key, 0, len(segments))
	for _, in := range segments {
		in = in.Normalize()
		k, ok := in.Key()
		if !ok {
			r.dropped++
			continue
		}
		keys = append(keys, k)

		existing, exists := r.seq[k]
		if exists && !existing.UpdatedAt.IsZero() && !in.UpdatedAt.IsZero() &&
			!in.UpdatedAt.After(existing.UpdatedAt) {
			// Stale revision or same-revision replay.
			continue
		}
		if !exists || existing.Text != in.Text {
			r.changed[k] = struct{}{}
		}
		r.seq[k] = in
	}
	return keys
}

// Reset clears the sequence and all bookkeeping. Used when the recognition
// language changes or the meeting view is rebound.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = make(map[types.Key]types.Segment)
	r.mutable = make(map[types.Key]struct{})
	r.changed = make(map[types.Key]struct{})
}

// Len returns the number of segments in the sequence.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seq)
}

// Dropped returns how many segments were excluded for lacking an absolute
// start time since the reconciler was created.
func (r *Reconciler) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Provisional reports whether key is still subject to revision.
func (r *Reconciler) Provisional(k types.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mutable[k]
	return ok
}

// RecentlyChanged returns the keys whose text the most recent merge revised,
// for consumers that highlight fresh text. Each merge replaces the set.
func (r *Reconciler) RecentlyChanged() []types.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]types.Key, 0, len(r.changed))
	for k := range r.changed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Segments returns the sequence ordered ascending by absolute start time.
func (r *Reconciler) Segments() []types.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderedLocked()
}

func (r *Reconciler) orderedLocked() []types.Segment {
	out := make([]types.Segment, 0, len(r.seq))
	for _, s := range r.seq {
		out = append(out, s)
	}
	// Keys encode the absolute start time, so sorting by start is total and
	// deterministic. Segments without one cannot enter the map, but sort
	// them last anyway so a future policy change cannot scramble the view.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Start, out[j].Start
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		}
		return a.Before(b)
	})
	return out
}

// Blocks computes the presentation grouping: consecutive segments sharing a
// speaker collapse into one block with concatenated text spanning from the
// first segment's start to the last segment's end. Segments whose normalized
// text is empty are skipped entirely. The projection is a pure function of
// the current sequence and mutable set.
func (r *Reconciler) Blocks() []types.Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blocks []types.Block
	for _, seg := range r.orderedLocked() {
		if seg.Text == "" {
			continue
		}
		k, _ := seg.Key()
		provisional := false
		if _, ok := r.mutable[k]; ok {
			provisional = true
		}

		if n := len(blocks); n > 0 && blocks[n-1].Speaker == seg.Speaker {
			b := &blocks[n-1]
			b.Text += " " + seg.Text
			b.End = seg.End
			b.Provisional = b.Provisional || provisional
			b.Keys = append(b.Keys, k)
			continue
		}
		blocks = append(blocks, types.Block{
			Speaker:     seg.Speaker,
			Text:        seg.Text,
			Start:       seg.Start,
			End:         seg.End,
			Provisional: provisional,
			Keys:        []types.Key{k},
		})
	}
	return blocks
}
