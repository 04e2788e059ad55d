package ingestion

import "sync"

// PriceSequenceGuard tracks the last applied oracle sequence per market.
// Older or repeated sequences are ignored; gaps are accepted and counted.
type PriceSequenceGuard struct {
	mu   sync.Mutex
	last map[string]int64
	gaps map[string]int64
}

func NewPriceSequenceGuard() *PriceSequenceGuard {
	return &PriceSequenceGuard{
		last: make(map[string]int64),
		gaps: make(map[string]int64),
	}
}

// Check reports whether seq is newer than the last applied sequence for
// market and whether applying it skips at least one. The first observation
// is never a gap.
func (g *PriceSequenceGuard) Check(market string, seq int64) (accept, gap bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(market, seq)
}

func (g *PriceSequenceGuard) check(market string, seq int64) (accept, gap bool) {
	last, seen := g.last[market]
	if !seen {
		return true, false
	}
	if seq <= last {
		return false, false
	}
	return true, seq > last+1
}

// Commit records seq as applied. Stale sequences are ignored.
func (g *PriceSequenceGuard) Commit(market string, seq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	accept, gap := g.check(market, seq)
	if !accept {
		return
	}
	if gap {
		g.gaps[market]++
	}
	g.last[market] = seq
}

// Last returns the highest applied sequence for market.
func (g *PriceSequenceGuard) Last(market string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seq, ok := g.last[market]
	return seq, ok
}

// Gaps returns how many gaps were applied for market.
func (g *PriceSequenceGuard) Gaps(market string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gaps[market]
}
