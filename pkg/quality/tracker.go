package quality

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/turns"
)

const stagnationDelta = 0.01

// Tracker keeps per-stage snapshot history and decides whether to run
// another refinement iteration.
type Tracker struct {
	mu      sync.Mutex
	history map[string][]Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{history: map[string][]Snapshot{}}
}

// Record appends a snapshot to its stage history.
func (t *Tracker) Record(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[snap.Stage] = append(t.history[snap.Stage], snap)
}

// History returns the recorded snapshots for a stage, oldest first.
func (t *Tracker) History(stage string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Snapshot(nil), t.history[stage]...)
}

// Best returns the highest-scoring snapshot recorded for a stage.
func (t *Tracker) Best(stage string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hist := t.history[stage]
	if len(hist) == 0 {
		return Snapshot{}, false
	}
	best := hist[0]
	for _, s := range hist[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best, true
}

// ShouldContinue reports whether another iteration should run after the given
// snapshot. It is false once the stage threshold is met, the turn budget is
// exhausted, or the last three snapshots show no movement.
func (t *Tracker) ShouldContinue(snap Snapshot, state turns.State) bool {
	if snap.Met() {
		return false
	}
	if state.IsFinal() {
		log.Debug().
			Str("stage", snap.Stage).
			Int("counter", state.Counter).
			Msg("quality: turn budget exhausted")
		return false
	}
	if t.stagnated(snap.Stage) {
		log.Debug().
			Str("stage", snap.Stage).
			Float64("score", snap.Score).
			Msg("quality: score stagnated, stopping refinement")
		return false
	}
	return true
}

func (t *Tracker) stagnated(stage string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	hist := t.history[stage]
	if len(hist) < 3 {
		return false
	}
	last := hist[len(hist)-1].Score
	prev := hist[len(hist)-2].Score
	before := hist[len(hist)-3].Score
	return math.Abs(last-prev) < stagnationDelta && math.Abs(prev-before) < stagnationDelta
}
