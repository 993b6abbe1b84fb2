package lib

// sackScoreboard keeps a bounded set of disjoint, sequence-ordered
// ranges. The receive side uses it for data that arrived above rcv_nxt;
// the send side uses it for spans of in-flight data the peer has SACKed.
// It is exclusively owned by one connection.
type sackScoreboard struct {
	blocks    []SackBlock // disjoint, ascending by left edge
	maxRanges int
}

func newSackScoreboard(maxRanges int) *sackScoreboard {
	return &sackScoreboard{maxRanges: maxRanges}
}

// add merges [left, right) into the scoreboard. When the range budget is
// exceeded the range furthest from the low end of the window is evicted:
// nearby ranges are the ones about to become contiguous, far ones can be
// retransmitted by the peer.
func (s *sackScoreboard) add(left, right uint32) {
	if !isLess(left, right) {
		return
	}
	merged := make([]SackBlock, 0, len(s.blocks)+1)
	inserted := false
	for _, b := range s.blocks {
		switch {
		case isLess(b.RightEdge, left):
			merged = append(merged, b)
		case isLess(right, b.LeftEdge):
			if !inserted {
				merged = append(merged, SackBlock{LeftEdge: left, RightEdge: right})
				inserted = true
			}
			merged = append(merged, b)
		default:
			// overlapping or adjacent, widen the incoming range
			if isLess(b.LeftEdge, left) {
				left = b.LeftEdge
			}
			if isGreater(b.RightEdge, right) {
				right = b.RightEdge
			}
		}
	}
	if !inserted {
		merged = append(merged, SackBlock{LeftEdge: left, RightEdge: right})
	}
	if len(merged) > s.maxRanges {
		merged = merged[:s.maxRanges]
	}
	s.blocks = merged
}

// trimBefore drops everything below seq, clipping a range that straddles
// it. Called when the cumulative ACK point advances.
func (s *sackScoreboard) trimBefore(seq uint32) {
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		if isLessOrEqual(b.RightEdge, seq) {
			continue
		}
		if isLess(b.LeftEdge, seq) {
			b.LeftEdge = seq
		}
		kept = append(kept, b)
	}
	s.blocks = kept
}

// covers reports whether [left, right) is fully inside one recorded range.
func (s *sackScoreboard) covers(left, right uint32) bool {
	for _, b := range s.blocks {
		if isGreaterOrEqual(left, b.LeftEdge) && isLessOrEqual(right, b.RightEdge) {
			return true
		}
	}
	return false
}

// firstHole returns the gap between start and the first recorded range,
// which is the span a SACK-based fast retransmit resends.
func (s *sackScoreboard) firstHole(start uint32) (SackBlock, bool) {
	if len(s.blocks) == 0 {
		return SackBlock{}, false
	}
	first := s.blocks[0]
	if isLess(start, first.LeftEdge) {
		return SackBlock{LeftEdge: start, RightEdge: first.LeftEdge}, true
	}
	return SackBlock{}, false
}

// ranges returns the recorded ranges, most recent candidates first kept
// in ascending order for the wire option.
func (s *sackScoreboard) ranges() []SackBlock {
	out := make([]SackBlock, len(s.blocks))
	copy(out, s.blocks)
	return out
}

func (s *sackScoreboard) isEmpty() bool { return len(s.blocks) == 0 }

func (s *sackScoreboard) clear() { s.blocks = nil }
