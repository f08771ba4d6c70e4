package reconcile

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/scribefeed/scribefeed/pkg/types"
)

// Match is one transcript search hit.
type Match struct {
	// Key identifies the matched segment so a consumer can scroll to and
	// highlight it.
	Key types.Key

	// Segment is the matched segment.
	Segment types.Segment

	// Score ranks the hit in [0, 1]; exact substring hits score 1.
	Score float64
}

// maxEditDistance bounds how fuzzy a per-word match may be relative to the
// query length before it stops counting as a hit.
func maxEditDistance(query string) int {
	d := len(query) / 3
	if d < 1 {
		d = 1
	}
	return d
}

// Search finds segments whose text matches query, case-insensitively.
// Substring hits rank first; otherwise words within edit distance of the
// query (Levenshtein) qualify, ranked by closeness. Results are ordered by
// score descending, then by start time, so equal inputs always produce the
// same ranking.
func (r *Reconciler) Search(query string) []Match {
	query = strings.ToLower(types.NormalizeText(query))
	if query == "" {
		return nil
	}

	r.mu.Lock()
	segments := r.orderedLocked()
	r.mu.Unlock()

	budget := maxEditDistance(query)
	var matches []Match
	for _, seg := range segments {
		k, ok := seg.Key()
		if !ok || seg.Text == "" {
			continue
		}
		text := strings.ToLower(seg.Text)

		if strings.Contains(text, query) {
			matches = append(matches, Match{Key: k, Segment: seg, Score: 1})
			continue
		}

		// Fuzzy fallback: closest word in the segment to the query.
		best := budget + 1
		for _, word := range strings.Fields(text) {
			if d := matchr.Levenshtein(word, query); d < best {
				best = d
			}
		}
		if best <= budget {
			matches = append(matches, Match{
				Key:     k,
				Segment: seg,
				Score:   1 - float64(best)/float64(len(query)),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	return matches
}
