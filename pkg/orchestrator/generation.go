package orchestrator

import "sync/atomic"

// Generation identifies the current logical search. Work spawned under an
// older token must not touch live state.
type Generation struct {
	n atomic.Uint64
}

// Begin invalidates every earlier token and returns the new one.
func (g *Generation) Begin() uint64 {
	return g.n.Add(1)
}

// Current returns the live token.
func (g *Generation) Current() uint64 {
	return g.n.Load()
}

// IsCurrent reports whether tok is still the live token.
func (g *Generation) IsCurrent(tok uint64) bool {
	return g.n.Load() == tok
}
