package domain

import (
	"math/rand/v2"
)

type PlayMode string

const (
	ModeSequential PlayMode = "sequential"
	ModeRepeatAll  PlayMode = "repeat_all"
	ModeRepeatOne  PlayMode = "repeat_one"
	ModeShuffle    PlayMode = "shuffle"
)

// ParsePlayMode maps user-facing mode names onto PlayMode values.
func ParsePlayMode(raw string) (PlayMode, bool) {
	switch raw {
	case "off", "sequential":
		return ModeSequential, true
	case "all", "repeat_all":
		return ModeRepeatAll, true
	case "one", "repeat_one":
		return ModeRepeatOne, true
	case "shuffle":
		return ModeShuffle, true
	}
	return "", false
}

// PlayQueue holds the per-guild track list and advance cursor.
//
// CurrentIndex may equal len(Songs) after a sequential queue runs out; every
// other state keeps 0 <= CurrentIndex < len(Songs). ShuffleHistory records
// past shuffle picks, trimmed to the queue length, and backs the anti-repeat
// window and Previous().
type PlayQueue struct {
	Songs          []Track  `json:"songs"`
	CurrentIndex   int      `json:"currentIndex"`
	Mode           PlayMode `json:"mode"`
	ShuffleHistory []int    `json:"shuffleHistory,omitempty"`

	// rng is swappable so shuffle behavior is deterministic in tests.
	rng func(n int) int
}

func (q *PlayQueue) intn(n int) int {
	if q.rng != nil {
		return q.rng(n)
	}
	return rand.IntN(n)
}

// SetRand replaces the shuffle random source. Nil restores the default.
func (q *PlayQueue) SetRand(fn func(n int) int) { q.rng = fn }

// Add inserts a track at position, or appends when position is out of range.
func (q *PlayQueue) Add(t Track, position int) {
	if position < 0 || position >= len(q.Songs) {
		q.Songs = append(q.Songs, t)
		return
	}
	q.Songs = append(q.Songs[:position], append([]Track{t}, q.Songs[position:]...)...)
	if position <= q.CurrentIndex {
		q.CurrentIndex++
	}
}

// Remove deletes the track at index and keeps CurrentIndex pointing at the
// same song where possible.
func (q *PlayQueue) Remove(index int) bool {
	if index < 0 || index >= len(q.Songs) {
		return false
	}
	q.Songs = append(q.Songs[:index], q.Songs[index+1:]...)
	switch {
	case index < q.CurrentIndex:
		q.CurrentIndex--
	case index == q.CurrentIndex && q.CurrentIndex >= len(q.Songs):
		q.CurrentIndex = 0
	}
	q.ShuffleHistory = nil
	return true
}

// Clear empties the queue and resets the cursor and shuffle history.
func (q *PlayQueue) Clear() {
	q.Songs = nil
	q.CurrentIndex = 0
	q.ShuffleHistory = nil
}

// Current returns the track under the cursor, if any.
func (q *PlayQueue) Current() (Track, bool) {
	if q.CurrentIndex < 0 || q.CurrentIndex >= len(q.Songs) {
		return Track{}, false
	}
	return q.Songs[q.CurrentIndex], true
}

// HasNext reports whether Next would yield a track.
func (q *PlayQueue) HasNext() bool {
	if len(q.Songs) == 0 {
		return false
	}
	switch q.Mode {
	case ModeRepeatOne, ModeRepeatAll:
		return true
	case ModeShuffle:
		return len(q.Songs) > 1
	default:
		return q.CurrentIndex+1 < len(q.Songs)
	}
}

// Next advances the cursor per the play mode and returns the new current
// track. A sequential queue that runs past the end returns false and leaves
// CurrentIndex == len(Songs).
func (q *PlayQueue) Next() (Track, bool) {
	if len(q.Songs) == 0 {
		return Track{}, false
	}
	switch q.Mode {
	case ModeRepeatOne:
		return q.Current()
	case ModeShuffle:
		return q.nextShuffle()
	case ModeRepeatAll:
		q.CurrentIndex = (q.CurrentIndex + 1) % len(q.Songs)
		return q.Current()
	default:
		if q.CurrentIndex+1 < len(q.Songs) {
			q.CurrentIndex++
			return q.Current()
		}
		q.CurrentIndex = len(q.Songs)
		return Track{}, false
	}
}

// Previous moves the cursor backwards. Sequential refuses to go below zero;
// shuffle pops its history instead of picking randomly.
func (q *PlayQueue) Previous() (Track, bool) {
	if len(q.Songs) == 0 {
		return Track{}, false
	}
	switch q.Mode {
	case ModeRepeatOne:
		return q.Current()
	case ModeShuffle:
		if len(q.ShuffleHistory) > 1 {
			q.ShuffleHistory = q.ShuffleHistory[:len(q.ShuffleHistory)-1]
			q.CurrentIndex = q.ShuffleHistory[len(q.ShuffleHistory)-1]
		}
		return q.Current()
	case ModeRepeatAll:
		q.CurrentIndex = (q.CurrentIndex - 1 + len(q.Songs)) % len(q.Songs)
		return q.Current()
	default:
		if q.CurrentIndex-1 < 0 {
			return Track{}, false
		}
		q.CurrentIndex--
		return q.Current()
	}
}

// nextShuffle picks a random index excluding the current one and, once the
// history covers half the queue, excluding the trailing len/3 picks so short
// queues do not immediately repeat.
func (q *PlayQueue) nextShuffle() (Track, bool) {
	n := len(q.Songs)
	if n <= 1 {
		return q.Current()
	}

	excluded := map[int]struct{}{q.CurrentIndex: {}}
	if len(q.ShuffleHistory) >= n/2 {
		window := n / 3
		if window > len(q.ShuffleHistory) {
			window = len(q.ShuffleHistory)
		}
		for _, idx := range q.ShuffleHistory[len(q.ShuffleHistory)-window:] {
			excluded[idx] = struct{}{}
		}
	}

	candidates := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if _, skip := excluded[i]; !skip {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		// Anti-repeat window swallowed everything; fall back to anyone but current.
		for i := 0; i < n; i++ {
			if i != q.CurrentIndex {
				candidates = append(candidates, i)
			}
		}
	}

	q.CurrentIndex = candidates[q.intn(len(candidates))]
	q.ShuffleHistory = append(q.ShuffleHistory, q.CurrentIndex)
	if len(q.ShuffleHistory) > n {
		q.ShuffleHistory = q.ShuffleHistory[len(q.ShuffleHistory)-n:]
	}
	return q.Current()
}

// ShuffleAll reorders the whole queue in place and repositions the cursor on
// the track that was current before the shuffle.
func (q *PlayQueue) ShuffleAll() {
	if len(q.Songs) == 0 {
		return
	}
	current, hasCurrent := q.Current()
	for i := len(q.Songs) - 1; i > 0; i-- {
		j := q.intn(i + 1)
		q.Songs[i], q.Songs[j] = q.Songs[j], q.Songs[i]
	}
	if hasCurrent {
		for i, t := range q.Songs {
			if t.ID == current.ID {
				q.CurrentIndex = i
				break
			}
		}
	} else {
		q.CurrentIndex = 0
	}
	q.ShuffleHistory = nil
}
