package session

import (
	"sync"
	"time"

	"github.com/compresr/turnstile/internal/monitoring"
)

// Tracker accumulates usage for one session. Finalize runs exactly once.
type Tracker struct {
	startedAt time.Time

	upstreamBytes int64
	frames        int
	events        int

	estimatedInput int
	reported       Usage
	reportedSeen   bool
	estimatedOut   int

	once      sync.Once
	completed monitoring.Completion
}

func newTracker(start time.Time, estimatedInput int) *Tracker {
	return &Tracker{startedAt: start, estimatedInput: estimatedInput}
}

func (t *Tracker) frame(size int) {
	t.frames++
	t.upstreamBytes += int64(size)
}

func (t *Tracker) event() { t.events++ }

// usage returns the best known counts: backend-reported where available,
// estimated otherwise.
func (t *Tracker) usage() Usage {
	u := Usage{InputTokens: t.estimatedInput, OutputTokens: t.estimatedOut}
	if t.reportedSeen {
		if t.reported.InputTokens > 0 {
			u.InputTokens = t.reported.InputTokens
		}
		u.OutputTokens = t.reported.OutputTokens
	}
	return u
}

// Finalize builds the completion record. Later calls return the first record
// without recomputing, and report false.
func (t *Tracker) Finalize(c monitoring.Completion, end time.Time) (monitoring.Completion, bool) {
	first := false
	t.once.Do(func() {
		first = true
		u := t.usage()
		c.StartedAt = t.startedAt
		c.Duration = end.Sub(t.startedAt)
		c.InputTokens = u.InputTokens
		c.OutputTokens = u.OutputTokens
		c.Estimated = !t.reportedSeen
		c.UpstreamBytes = t.upstreamBytes
		c.Frames = t.frames
		c.Events = t.events
		t.completed = c
	})
	return t.completed, first
}
