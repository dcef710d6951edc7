// Package discovery polls the runtime's /json endpoint, classifies targets
// into channels, and signals each channel when its best target changes.
package discovery

import (
	"github.com/samber/lo"

	"github.com/hmitools/winccdbg/internal/cdp"
)

// Selector picks the target a channel should attach to. Selection is a
// pure function of the candidate set plus the appearance order the selector
// accumulates across polls; it never consults the wall clock, so an
// unchanged candidate set always yields the same choice.
type Selector struct {
	seen map[string]int // target key -> appearance sequence
	seq  int
}

// NewSelector returns an empty selector.
func NewSelector() *Selector {
	return &Selector{seen: make(map[string]int)}
}

// Select returns the best of the candidates, or nil when there are none.
//
// Ranking: highest runtime activity hint (the VCS counter in the title)
// wins; ties go to the identifier that appeared most recently across
// polls, since a freshly created context is the one the user is debugging;
// identifiers that appeared in the same poll are broken by the
// lexicographically greatest key so equally-ranked candidates never
// oscillate between polls.
func (s *Selector) Select(candidates []cdp.Target) *cdp.Target {
	s.observe(candidates)
	if len(candidates) == 0 {
		return nil
	}

	best := lo.MaxBy(candidates, func(a, b cdp.Target) bool {
		return s.outranks(a, b)
	})
	return &best
}

// observe records newly appeared identifiers and forgets vanished ones. A
// key that vanishes and returns counts as newly appeared, which is exactly
// the "most recent" semantic the ranking wants.
func (s *Selector) observe(candidates []cdp.Target) {
	present := make(map[string]bool, len(candidates))
	for _, t := range candidates {
		present[t.Key()] = true
	}
	for key := range s.seen {
		if !present[key] {
			delete(s.seen, key)
		}
	}
	// All keys first seen in the same poll share one sequence number, so
	// the ranking does not depend on the order the runtime lists them in.
	newSeq := s.seq + 1
	added := false
	for _, t := range candidates {
		key := t.Key()
		if _, ok := s.seen[key]; !ok {
			s.seen[key] = newSeq
			added = true
		}
	}
	if added {
		s.seq = newSeq
	}
}

func (s *Selector) outranks(a, b cdp.Target) bool {
	ah, _ := a.ActivityHint()
	bh, _ := b.ActivityHint()
	if ah != bh {
		return ah > bh
	}
	if as, bs := s.seen[a.Key()], s.seen[b.Key()]; as != bs {
		return as > bs
	}
	return a.Key() > b.Key()
}
