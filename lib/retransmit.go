package lib

import (
	"time"

	"github.com/google/btree"
)

// inflightSegment is one transmitted-but-unacknowledged segment retained
// for retransmission.
type inflightSegment struct {
	seg         *Segment
	endSeq      uint32 // sequence number just past this segment's data
	lastSentAt  time.Time
	resendCount int
	sacked      bool
}

func (a *inflightSegment) Less(than btree.Item) bool {
	return isLess(a.seg.SequenceNumber, than.(*inflightSegment).seg.SequenceNumber)
}

// retransmissionQueue is the ordered map of unacknowledged segments,
// keyed by starting sequence number. Every entry's start is at or above
// snd_una; entries leave exactly when fully acknowledged. Exclusively
// owned by one connection.
type retransmissionQueue struct {
	tree          *btree.BTree
	bytesInFlight uint32
}

func newRetransmissionQueue() *retransmissionQueue {
	return &retransmissionQueue{tree: btree.New(8)}
}

func (q *retransmissionQueue) add(seg *Segment, endSeq uint32, now time.Time) {
	q.tree.ReplaceOrInsert(&inflightSegment{
		seg:        seg,
		endSeq:     endSeq,
		lastSentAt: now,
	})
	q.bytesInFlight += uint32(len(seg.Payload))
}

func (q *retransmissionQueue) len() int { return q.tree.Len() }

func (q *retransmissionQueue) inFlight() uint32 { return q.bytesInFlight }

// oldest returns the entry with the lowest sequence number.
func (q *retransmissionQueue) oldest() *inflightSegment {
	item := q.tree.Min()
	if item == nil {
		return nil
	}
	return item.(*inflightSegment)
}

// ackThrough removes every entry fully covered by ack and returns the
// payload bytes freed plus an RTT sample from the most recent covered
// entry that was never retransmitted (Karn's rule), or zero.
func (q *retransmissionQueue) ackThrough(ack uint32, now time.Time) (freed uint32, rttSample time.Duration) {
	var done []*inflightSegment
	q.tree.Ascend(func(item btree.Item) bool {
		entry := item.(*inflightSegment)
		if isGreater(entry.endSeq, ack) {
			return false
		}
		done = append(done, entry)
		return true
	})
	for _, entry := range done {
		q.tree.Delete(entry)
		freed += uint32(len(entry.seg.Payload))
		if entry.resendCount == 0 {
			rttSample = now.Sub(entry.lastSentAt)
		}
		entry.seg.ReturnChunk()
	}
	if freed > q.bytesInFlight {
		q.bytesInFlight = 0
	} else {
		q.bytesInFlight -= freed
	}
	return freed, rttSample
}

// markSacked flags every entry fully inside one of the peer-reported
// blocks so retransmissions skip it.
func (q *retransmissionQueue) markSacked(blocks []SackBlock) {
	q.tree.Ascend(func(item btree.Item) bool {
		entry := item.(*inflightSegment)
		for _, b := range blocks {
			if isGreaterOrEqual(entry.seg.SequenceNumber, b.LeftEdge) && isLessOrEqual(entry.endSeq, b.RightEdge) {
				entry.sacked = true
				break
			}
		}
		return true
	})
}

// oldestUnsacked returns the first entry the peer has not SACKed, which
// is what a fast retransmit resends.
func (q *retransmissionQueue) oldestUnsacked() *inflightSegment {
	var found *inflightSegment
	q.tree.Ascend(func(item btree.Item) bool {
		entry := item.(*inflightSegment)
		if !entry.sacked {
			found = entry
			return false
		}
		return true
	})
	return found
}

// drop releases every retained segment, returning chunks to the pool.
// Called on RST or local abort.
func (q *retransmissionQueue) drop() {
	q.tree.Ascend(func(item btree.Item) bool {
		item.(*inflightSegment).seg.ReturnChunk()
		return true
	})
	q.tree.Clear(false)
	q.bytesInFlight = 0
}
