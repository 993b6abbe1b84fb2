package lib

import (
	"bytes"
	"testing"
	"time"
)

func TestRetransmissionQueueAckThrough(t *testing.T) {
	q := newRetransmissionQueue()
	now := time.Unix(1700000000, 0)

	seg1 := &Segment{SequenceNumber: 1000, Payload: []byte("aaaa")}
	seg2 := &Segment{SequenceNumber: 1004, Payload: []byte("bbbb")}
	seg3 := &Segment{SequenceNumber: 1008, Payload: []byte("cccc")}
	q.add(seg1, 1004, now)
	q.add(seg2, 1008, now.Add(10*time.Millisecond))
	q.add(seg3, 1012, now.Add(20*time.Millisecond))

	if q.inFlight() != 12 {
		t.Fatalf("inFlight = %d, want 12", q.inFlight())
	}

	freed, sample := q.ackThrough(1008, now.Add(100*time.Millisecond))
	if freed != 8 {
		t.Errorf("freed = %d, want 8", freed)
	}
	// Sample comes from the most recent fully covered entry: seg2, sent
	// at +10ms and acked at +100ms.
	if sample != 90*time.Millisecond {
		t.Errorf("rtt sample = %v, want 90ms", sample)
	}
	if q.len() != 1 || q.oldest().seg.SequenceNumber != 1008 {
		t.Fatalf("queue should hold only seg3, len = %d", q.len())
	}

	// A partial ACK into seg3 removes nothing.
	freed, _ = q.ackThrough(1010, now.Add(200*time.Millisecond))
	if freed != 0 || q.len() != 1 {
		t.Fatalf("partial ack freed %d bytes and left %d entries, want 0 and 1", freed, q.len())
	}
}

func TestRetransmissionQueueKarnsRule(t *testing.T) {
	q := newRetransmissionQueue()
	now := time.Unix(1700000000, 0)

	seg := &Segment{SequenceNumber: 2000, Payload: []byte("xxxx")}
	q.add(seg, 2004, now)
	q.oldest().resendCount = 1 // retransmitted once

	_, sample := q.ackThrough(2004, now.Add(50*time.Millisecond))
	if sample != 0 {
		t.Fatalf("rtt sample = %v from a retransmitted segment, want none", sample)
	}
}

func TestRetransmissionQueueSackMarking(t *testing.T) {
	q := newRetransmissionQueue()
	now := time.Unix(1700000000, 0)
	for i := uint32(0); i < 4; i++ {
		seg := &Segment{SequenceNumber: 1000 + i*100, Payload: make([]byte, 100)}
		q.add(seg, 1100+i*100, now)
	}

	q.markSacked([]SackBlock{{LeftEdge: 1100, RightEdge: 1300}})

	first := q.oldestUnsacked()
	if first == nil || first.seg.SequenceNumber != 1000 {
		t.Fatalf("oldest unsacked = %v, want seq 1000", first)
	}
	q.tree.Delete(first)
	next := q.oldestUnsacked()
	if next == nil || next.seg.SequenceNumber != 1300 {
		t.Fatalf("next unsacked seq = %v, want 1300 (1100 and 1200 are sacked)", next)
	}
}

func TestRtoBackoffAndMaxRetries(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.MaxRetries = 3
		cfg.InitialRTO = 500 * time.Millisecond
		cfg.RtoMax = 3 * time.Second
	})
	p.wire.dropAll = true
	p.wire.clearSent()

	if err := p.client.Send(make([]byte, 500)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantRTOs := []time.Duration{
		1 * time.Second, // doubled from 500ms
		2 * time.Second,
		3 * time.Second, // capped at RtoMax
	}
	for i, want := range wantRTOs {
		before := p.client.Stats().SegmentsRetransmitted
		p.advance(p.client.rtt.rto())
		after := p.client.Stats().SegmentsRetransmitted
		if after != before+1 {
			t.Fatalf("firing %d retransmitted %d segments, want exactly 1", i+1, after-before)
		}
		if got := p.client.rtt.rto(); got != want {
			t.Fatalf("RTO after firing %d = %v, want %v", i+1, got, want)
		}
	}

	// One more expiry exceeds MaxRetries and kills the connection.
	p.advance(p.client.rtt.rto())
	if p.client.State() != StateClosed {
		t.Fatalf("state = %v after exhausting retries, want Closed", p.client.State())
	}
	if _, err := p.client.Receive(make([]byte, 10)); err != ErrMaxRetries {
		t.Fatalf("Receive = %v, want ErrMaxRetries", err)
	}
}

func TestTimeoutRetransmitsOldestOnly(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.PreferredMSS = 100
	})
	p.wire.dropAll = true
	p.wire.clearSent()

	if err := p.client.Send(make([]byte, 300)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	firstSeq := p.wire.sent[0].seg.SequenceNumber
	p.wire.clearSent()

	p.advance(p.client.rtt.rto())

	if len(p.wire.sent) != 1 {
		t.Fatalf("RTO expiry sent %d segments, want 1 (oldest only)", len(p.wire.sent))
	}
	if got := p.wire.sent[0].seg.SequenceNumber; got != firstSeq {
		t.Fatalf("retransmitted seq %d, want the oldest %d", got, firstSeq)
	}
}

func TestFastRetransmitViaSack(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.PreferredMSS = 100
	})

	// Grow the window so six segments can be in flight.
	warmup := make([]byte, 300)
	if err := p.client.Send(warmup); err != nil {
		t.Fatalf("warmup Send: %v", err)
	}
	p.wire.deliverAll()
	receiveAll(t, p.server)
	if cwnd := p.client.cc.Cwnd(); cwnd < 600 {
		t.Fatalf("cwnd = %d after warmup, want at least 600", cwnd)
	}
	p.wire.clearSent()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	dropped := false
	p.wire.drop = func(seg *Segment) bool {
		if len(seg.Payload) > 0 && !dropped {
			dropped = true
			return true
		}
		return false
	}
	if err := p.client.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cwndBefore := p.client.cc.Cwnd()
	p.wire.deliverAll() // data out, SACK-bearing dup ACKs back, hole resent
	p.wire.drop = nil
	p.wire.deliverAll()

	if got := p.client.Stats().SegmentsRetransmitted; got != 1 {
		t.Fatalf("retransmitted %d segments, want exactly 1 (the hole)", got)
	}
	if got := receiveAll(t, p.server); !bytes.Equal(got, payload) {
		t.Fatalf("server reassembled %d bytes, want %d intact", len(got), len(payload))
	}
	// Multiplicative decrease, not the timeout collapse to one MSS.
	cwndAfter := p.client.cc.Cwnd()
	if cwndAfter >= cwndBefore {
		t.Fatalf("cwnd did not shrink on loss: %d -> %d", cwndBefore, cwndAfter)
	}
	if cwndAfter < 200 {
		t.Fatalf("cwnd = %d, collapsed like a timeout instead of halving", cwndAfter)
	}
	if p.client.inFastRecovery {
		t.Fatal("still in fast recovery after the cumulative ACK passed the loss point")
	}
}

func TestFastRetransmitViaDupAcks(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.PreferredMSS = 100
		cfg.SackEnabled = false
	})

	warmup := make([]byte, 300)
	if err := p.client.Send(warmup); err != nil {
		t.Fatalf("warmup Send: %v", err)
	}
	p.wire.deliverAll()
	receiveAll(t, p.server)
	p.wire.clearSent()

	payload := make([]byte, 600)
	dropped := false
	p.wire.drop = func(seg *Segment) bool {
		if len(seg.Payload) > 0 && !dropped {
			dropped = true
			return true
		}
		return false
	}
	if err := p.client.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.wire.deliverAll()
	p.wire.drop = nil
	p.wire.deliverAll()

	if got := p.client.Stats().DupAcksReceived; got < 3 {
		t.Fatalf("counted %d duplicate ACKs, want at least 3", got)
	}
	if got := p.client.Stats().SegmentsRetransmitted; got != 1 {
		t.Fatalf("retransmitted %d segments, want exactly 1", got)
	}
	if got := receiveAll(t, p.server); len(got) != len(payload) {
		t.Fatalf("server reassembled %d bytes, want %d", len(got), len(payload))
	}
}

func TestOneRetransmitPerRecoveryEpisode(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.PreferredMSS = 100
	})

	warmup := make([]byte, 300)
	if err := p.client.Send(warmup); err != nil {
		t.Fatalf("warmup Send: %v", err)
	}
	p.wire.deliverAll()
	receiveAll(t, p.server)
	p.wire.clearSent()

	// The lost segment stays lost: every transmission of it is eaten, so
	// the sender sits in fast recovery while more ACKs arrive.
	var lostSeq uint32
	sawFirst := false
	p.wire.drop = func(seg *Segment) bool {
		if len(seg.Payload) == 0 {
			return false
		}
		if !sawFirst {
			lostSeq = seg.SequenceNumber
			sawFirst = true
		}
		return seg.SequenceNumber == lostSeq
	}
	if err := p.client.Send(make([]byte, 600)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.wire.deliverAll()

	if !p.client.inFastRecovery {
		t.Fatal("SACK reports did not start fast recovery")
	}
	if got := p.client.Stats().SegmentsRetransmitted; got != 1 {
		t.Fatalf("retransmitted %d segments, want exactly 1", got)
	}
	cwndInRecovery := p.client.cc.Cwnd()

	// Three more pure duplicate ACKs trip the dup-ACK counter too. The
	// episode already resent the hole and reduced the window once; the
	// second trigger must be a no-op.
	for i := 0; i < 3; i++ {
		dup := &Segment{
			SrcAddr:           testServerAddr,
			DstAddr:           testClientAddr,
			SourcePort:        testServerPort,
			DestinationPort:   p.client.params.LocalPort,
			SequenceNumber:    p.client.rcvNxt,
			AcknowledgmentNum: p.client.sndUna,
			Flags:             ACKFlag,
			WindowSize:        uint16(p.client.sndWnd),
		}
		p.clientEngine.ProcessSegment(frameOf(t, dup), testServerAddr, testClientAddr)
	}

	if got := p.client.Stats().SegmentsRetransmitted; got != 1 {
		t.Fatalf("retransmitted %d segments after crossed loss signals, want exactly 1", got)
	}
	if got := p.client.cc.Cwnd(); got != cwndInRecovery {
		t.Fatalf("cwnd reduced twice in one episode: %d -> %d", cwndInRecovery, got)
	}
}

func TestZeroWindowPersistTimer(t *testing.T) {
	p := newTestPair(t, nil)

	// The peer's window closes and the update reopening it never arrives.
	zeroWin := &Segment{
		SrcAddr:           testServerAddr,
		DstAddr:           testClientAddr,
		SourcePort:        testServerPort,
		DestinationPort:   p.client.params.LocalPort,
		SequenceNumber:    p.client.rcvNxt,
		AcknowledgmentNum: p.client.sndNxt,
		Flags:             ACKFlag,
		WindowSize:        0,
	}
	p.clientEngine.ProcessSegment(frameOf(t, zeroWin), testServerAddr, testClientAddr)
	if p.client.sndWnd != 0 {
		t.Fatalf("snd_wnd = %d, want 0", p.client.sndWnd)
	}

	payload := []byte("held back by the window")
	if err := p.client.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if frames := p.wire.dataFrames(); len(frames) != 0 {
		t.Fatalf("sent %d data segments into a zero window", len(frames))
	}
	if p.client.persistDeadline.IsZero() {
		t.Fatal("persist timer not armed on a zero-window stall")
	}

	// The timer fires, the peer answers with its real window, and the
	// stalled bytes flow.
	sndNxt := p.client.sndNxt
	p.wire.clearSent()
	p.advance(p.client.rtt.rto())

	sentPersist := false
	for _, f := range p.wire.sent {
		if len(f.seg.Payload) == 0 && f.seg.SequenceNumber == SeqIncrementBy(sndNxt, ^uint32(0)) {
			sentPersist = true
		}
	}
	if !sentPersist {
		t.Fatal("persist expiry did not send a window inquiry at snd_nxt-1")
	}
	if got := receiveAll(t, p.server); !bytes.Equal(got, payload) {
		t.Fatalf("server received %q after the window reopened, want %q", got, payload)
	}
	if !p.client.persistDeadline.IsZero() {
		t.Fatal("persist timer still armed after the window reopened")
	}
}

func TestKeepaliveProbesThenAbort(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.KeepaliveIdle = 1 * time.Second
		cfg.KeepaliveInterval = 500 * time.Millisecond
		cfg.KeepaliveProbes = 2
	})
	p.wire.dropAll = true
	p.wire.clearSent()

	sndNxt := p.client.sndNxt
	p.advance(1 * time.Second) // idle threshold: probe 1
	p.advance(500 * time.Millisecond)
	p.advance(500 * time.Millisecond) // third firing exceeds the probe budget

	var probes int
	for _, f := range p.wire.sent {
		if len(f.seg.Payload) == 0 && f.seg.SequenceNumber == SeqIncrementBy(sndNxt, ^uint32(0)) {
			probes++
		}
	}
	if probes != 2 {
		t.Fatalf("sent %d keepalive probes (seq snd_nxt-1), want 2", probes)
	}
	if p.client.State() != StateClosed {
		t.Fatalf("state = %v after unanswered probes, want Closed", p.client.State())
	}
	if _, err := p.client.Receive(make([]byte, 10)); err != ErrKeepaliveTimeout {
		t.Fatalf("Receive = %v, want ErrKeepaliveTimeout", err)
	}
}

func TestKeepaliveAnsweredResetsProbes(t *testing.T) {
	p := newTestPair(t, func(cfg *ConnectionConfig) {
		cfg.KeepaliveIdle = 1 * time.Second
		cfg.KeepaliveInterval = 500 * time.Millisecond
		cfg.KeepaliveProbes = 2
	})

	// Probes get through and the peer's ACKs come back, so the
	// connection must stay up indefinitely.
	for i := 0; i < 10; i++ {
		p.advance(1 * time.Second)
	}
	if p.client.State() != StateEstablished {
		t.Fatalf("state = %v with answered keepalives, want Established", p.client.State())
	}
}
