package orchestrator

import (
	"fmt"
	"time"
)

// Phase is the coarse state of an Orchestrator.
type Phase int

const (
	Idle Phase = iota
	FastLoading
	DeepLoading
	Paused
	Completed
	Failed
)

var phaseNames = [...]string{
	Idle:        "idle",
	FastLoading: "fast_loading",
	DeepLoading: "deep_loading",
	Paused:      "paused",
	Completed:   "completed",
	Failed:      "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Loading reports whether batches are being issued.
func (p Phase) Loading() bool {
	return p == FastLoading || p == DeepLoading
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Snapshot is a read-only copy of the orchestration state.
type Snapshot struct {
	Seq           uint64       `json:"seq"` // orders snapshots of one orchestrator
	Generation    uint64       `json:"generation"`
	Phase         Phase        `json:"phase"`
	Keyword       string       `json:"keyword,omitempty"`
	Searched      bool         `json:"searched"`
	FastComplete  bool         `json:"fast_complete"`
	PausedAtBatch int          `json:"paused_at_batch"`
	DeepBatches   int          `json:"deep_batches"`
	Merged        MergedByType `json:"merged_by_type"`
	Total         int          `json:"total"`
	Error         string       `json:"error,omitempty"`
	ElapsedMs     int64        `json:"elapsed_ms"`
}

// Elapsed returns ElapsedMs as a duration.
func (s Snapshot) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMs) * time.Millisecond
}

// clock accumulates active time only; it is stopped while paused.
type clock struct {
	acc   time.Duration
	since time.Time
}

func (c *clock) start(now time.Time) {
	if c.since.IsZero() {
		c.since = now
	}
}

func (c *clock) stop(now time.Time) {
	if !c.since.IsZero() {
		c.acc += now.Sub(c.since)
		c.since = time.Time{}
	}
}

func (c *clock) elapsed(now time.Time) time.Duration {
	if c.since.IsZero() {
		return c.acc
	}
	return c.acc + now.Sub(c.since)
}
