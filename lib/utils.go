package lib

// Sequence number arithmetic with wraparound in mind. All comparisons are
// only meaningful when the two numbers are within 2^31 of each other,
// which holds for any pair of live sequence numbers on one connection.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc // implicit modulo operation included
}

// seqDiff returns seq1 - seq2 interpreted as a signed distance.
func seqDiff(seq1, seq2 uint32) int32 {
	return int32(seq1 - seq2)
}

func isGreater(seq1, seq2 uint32) bool {
	return seqDiff(seq1, seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqDiff(seq1, seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return seqDiff(seq1, seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return seqDiff(seq1, seq2) <= 0
}

// inWindow reports whether seq falls within [start, start+size).
// A zero-size window accepts only seq == start, per RFC 793 segment
// acceptability tests.
func inWindow(seq, start uint32, size uint32) bool {
	if size == 0 {
		return seq == start
	}
	return isGreaterOrEqual(seq, start) && isLess(seq, SeqIncrementBy(start, size))
}
