package lib

import (
	"fmt"
	"io"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
)

// ConnectionId is the 4-tuple uniquely identifying a connection for the
// lifetime of the connection.
type ConnectionId struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (id ConnectionId) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort)
}

// ConnectionConfig carries the per-connection tunables.
type ConnectionConfig struct {
	SendBufferSize    uint32
	RecvBufferSize    uint32
	PreferredMSS      uint16
	MaxRetries        int
	MaxSynRetries     int
	InitialRTO        time.Duration
	RtoMin            time.Duration
	RtoMax            time.Duration
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveProbes   int
	DelayedAckDelay   time.Duration
	NoDelay           bool
	CongestionControl string
	SackEnabled       bool
	TimestampEnabled  bool
	WindowScale       uint8
	MaxSackRanges     int
	TimeWaitDuration  time.Duration
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		SendBufferSize:    64 * 1024,
		RecvBufferSize:    64 * 1024,
		PreferredMSS:      1460,
		MaxRetries:        5,
		MaxSynRetries:     5,
		InitialRTO:        500 * time.Millisecond,
		RtoMin:            200 * time.Millisecond,
		RtoMax:            60 * time.Second,
		KeepaliveIdle:     7200 * time.Second,
		KeepaliveInterval: 75 * time.Second,
		KeepaliveProbes:   9,
		DelayedAckDelay:   40 * time.Millisecond,
		CongestionControl: CongestionNewReno,
		SackEnabled:       true,
		TimestampEnabled:  true,
		WindowScale:       0,
		MaxSackRanges:     16,
		TimeWaitDuration:  60 * time.Second,
	}
}

// ConnectionStats counts per-connection traffic. Snapshot via Stats().
type ConnectionStats struct {
	SegmentsSent          uint64
	SegmentsReceived      uint64
	SegmentsRetransmitted uint64
	BytesSent             uint64
	BytesReceived         uint64
	DupAcksReceived       uint64
}

// oooChunk is one out-of-order payload parked above rcv_nxt.
type oooChunk struct {
	seq  uint32
	data []byte
}

func (a *oooChunk) Less(than btree.Item) bool {
	return isLess(a.seq, than.(*oooChunk).seq)
}

// Connection is the aggregate root: state machine, sequence and window
// accounting, buffers, congestion controller, retransmission queue and
// SACK scoreboards. All mutable state is protected by mu; segment
// processing and timer firings for one connection never interleave.
type Connection struct {
	params ConnectionId
	config *ConnectionConfig
	engine *Engine
	clock  Clock

	mu    sync.Mutex
	state State

	// send side
	iss            uint32
	sndUna         uint32
	sndNxt         uint32
	sndWnd         uint32 // peer-advertised window, already scaled
	sndWndShift    uint8
	sendBuf        []byte
	rtxq           *retransmissionQueue
	peerSacks      *sackScoreboard // spans of our data the peer reported
	dupAckCount    int
	lastSackEdge   uint32
	lastHoleStart  uint32
	holeReports    int
	inFastRecovery bool
	recoverSeq     uint32
	finSent        bool
	finSeq         uint32
	closePending   bool // FIN waits for the send queue to drain

	// receive side
	irs         uint32
	rcvNxt      uint32
	rcvWndShift uint8
	recvBuf     []byte
	oooQueue    *btree.BTree
	oooBytes    uint32
	recvSacks   *sackScoreboard // ranges received above rcv_nxt
	finReceived bool

	// negotiated options
	mss              uint16
	sackPermitted    bool
	timestampEnabled bool
	tsRecent         uint32

	// congestion control and timers; deadlines only, the engine's timer
	// queue does the scheduling
	cc                 CongestionControl
	rtt                *rttEstimator
	retransmitDeadline time.Time
	retries            int
	connSignalDeadline time.Time
	synRetries         int
	keepaliveDeadline  time.Time
	keepaliveProbes    int
	persistDeadline    time.Time
	delayedAckDeadline time.Time
	ackPending         bool
	timeWaitDeadline   time.Time
	lastActivity       time.Time

	// lifecycle
	fatalErr       error
	fatalDelivered bool
	wakeChan       chan struct{}
	isClosed       bool
	ephemeral      bool      // local port came from the engine's pool
	listener       *Listener // set while pending accept on a passive open

	stats ConnectionStats
}

func newConnection(params ConnectionId, config *ConnectionConfig, engine *Engine) *Connection {
	c := &Connection{
		params:    params,
		config:    config,
		engine:    engine,
		clock:     engine.clock,
		state:     StateClosed,
		rtxq:      newRetransmissionQueue(),
		peerSacks: newSackScoreboard(config.MaxSackRanges),
		recvSacks: newSackScoreboard(config.MaxSackRanges),
		oooQueue:  btree.New(8),
		mss:       config.PreferredMSS,
		rtt:       newRttEstimator(config.RtoMin, config.RtoMax, config.InitialRTO),
		wakeChan:  make(chan struct{}, 1),
	}
	c.cc = newCongestionControl(config.CongestionControl, uint32(config.PreferredMSS), c.clock)
	c.lastActivity = c.clock.Now()
	return c
}

// LocalAddr and friends identify the connection.
func (c *Connection) Id() ConnectionId { return c.params }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitChannel returns the edge-triggered wake notification: one token is
// posted on any state change. Spurious wakeups are possible, callers must
// re-check state after waking.
func (c *Connection) WaitChannel() <-chan struct{} {
	return c.wakeChan
}

func (c *Connection) wake() {
	select {
	case c.wakeChan <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ---- opening ----

// openActive starts the three-way handshake from our side.
func (c *Connection) openActive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.iss = c.engine.isn.generate(c.params.LocalAddr, c.params.LocalPort, c.params.RemoteAddr, c.params.RemotePort)
	c.sndUna = c.iss
	c.sndNxt = SeqIncrement(c.iss) // SYN consumes one sequence number
	c.state = StateSynSent
	c.sendSyn(SYNFlag)
	c.armConnSignal()
}

// openPassive reacts to a SYN matched against a listener.
func (c *Connection) openPassive(syn *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.irs = syn.SequenceNumber
	c.rcvNxt = SeqIncrement(syn.SequenceNumber)
	c.negotiateOptions(&syn.Options)

	c.iss = c.engine.isn.generate(c.params.LocalAddr, c.params.LocalPort, c.params.RemoteAddr, c.params.RemotePort)
	c.sndUna = c.iss
	c.sndNxt = SeqIncrement(c.iss)
	c.sndWnd = uint32(syn.WindowSize) // no scaling on the SYN itself
	c.state = StateSynReceived
	c.sendSyn(SYNFlag | ACKFlag)
	c.armConnSignal()
}

// negotiateOptions folds the peer's SYN options into the connection.
func (c *Connection) negotiateOptions(opts *Options) {
	if opts.MSS > 0 && opts.MSS < c.mss {
		c.mss = opts.MSS
	}
	c.sackPermitted = c.config.SackEnabled && opts.PermitSack
	c.timestampEnabled = c.config.TimestampEnabled && opts.TimestampEnabled
	if opts.TimestampEnabled {
		c.tsRecent = opts.Timestamp
	}
	if opts.WindowScaleShiftCount > 0 && c.config.WindowScale > 0 {
		c.sndWndShift = opts.WindowScaleShiftCount
		c.rcvWndShift = c.config.WindowScale
	}
}

// ---- segment processing ----

// processSegment applies one inbound segment to the state machine. It is
// a run-to-completion transition: no blocking, outbound segments are
// handed straight to the IP-send interface.
func (c *Connection) processSegment(seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return
	}
	c.stats.SegmentsReceived++
	c.lastActivity = c.clock.Now()
	if c.state == StateEstablished && c.config.KeepaliveIdle > 0 {
		c.armTimer(timerKeepalive, c.lastActivity.Add(c.config.KeepaliveIdle), &c.keepaliveDeadline)
		c.keepaliveProbes = 0
	}

	// 1. RST first: in-window RST kills the connection with no reply.
	if seg.Flags&RSTFlag != 0 {
		c.handleRst(seg)
		return
	}

	switch c.state {
	case StateSynSent:
		c.handleSynSent(seg)
		return
	case StateSynReceived:
		c.handleSynReceived(seg)
		return
	case StateClosed:
		// Segment to a dead connection still in the table.
		c.engine.sendResetFor(seg)
		return
	case StateTimeWait:
		// Re-ACK anything the peer retransmits during quiescence.
		c.sendAck()
		return
	}

	// 2. An unexpected SYN on a synchronized connection is answered with
	// a challenge ACK (RFC 5961 style), never processed as a new open.
	if seg.Flags&SYNFlag != 0 {
		c.sendAck()
		return
	}

	if c.timestampEnabled && seg.Options.TimestampEnabled {
		c.tsRecent = seg.Options.Timestamp
	}

	if seg.Flags&ACKFlag != 0 {
		if !c.handleAck(seg) {
			return
		}
	}

	if len(seg.Payload) == 0 && seg.Flags&FINFlag == 0 && seg.SequenceNumber != c.rcvNxt {
		// Zero-length segment off the expected point: a keepalive probe
		// or a stale ACK. Answer so the peer resynchronizes.
		c.sendAck()
		return
	}

	c.handlePayload(seg)

	if seg.Flags&FINFlag != 0 {
		c.handleFin(seg)
	}

	c.flushSendLocked()
	c.maybeSendAck()
}

func (c *Connection) handleRst(seg *Segment) {
	// During the handshake the RST is validated against the ACK number
	// instead of the not-yet-synchronized receive window.
	switch c.state {
	case StateSynSent:
		if seg.Flags&ACKFlag == 0 || seg.AcknowledgmentNum != c.sndNxt {
			return
		}
	case StateTimeWait:
		// RFC 1337: a RST must not cut TIME-WAIT short, or the next
		// incarnation of the tuple inherits our old sequence space.
		return
	default:
		if !inWindow(seg.SequenceNumber, c.rcvNxt, c.receiveWindow()) {
			return
		}
	}
	c.engine.stats.ResetConnections.Add(1)
	c.teardown(ErrConnectionReset)
}

// teardown moves the connection to Closed, discards buffers and wakes
// waiters. err is surfaced exactly once; nil means a clean close.
func (c *Connection) teardown(err error) {
	c.state = StateClosed
	c.sendBuf = nil
	c.recvBuf = c.recvBuf[:0:0]
	c.rtxq.drop()
	c.oooQueue.Clear(false)
	c.oooBytes = 0
	c.recvSacks.clear()
	c.peerSacks.clear()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.retransmitDeadline = time.Time{}
	c.keepaliveDeadline = time.Time{}
	c.connSignalDeadline = time.Time{}
	c.delayedAckDeadline = time.Time{}
	c.persistDeadline = time.Time{}
	c.closePending = false
	c.isClosed = true
	if c.listener != nil {
		c.listener.connectionFailed(c)
		c.listener = nil
	}
	c.engine.removeConnection(c)
	c.wake()
}

func (c *Connection) handleSynSent(seg *Segment) {
	if seg.Flags&(SYNFlag|ACKFlag) == SYNFlag|ACKFlag {
		if seg.AcknowledgmentNum != c.sndNxt {
			// Does not acknowledge our SYN; answer with RST carrying
			// the bogus ACK number and stay in SynSent.
			c.engine.sendResetFor(seg)
			return
		}
		c.irs = seg.SequenceNumber
		c.rcvNxt = SeqIncrement(seg.SequenceNumber)
		c.sndUna = seg.AcknowledgmentNum
		c.negotiateOptions(&seg.Options)
		c.sndWnd = uint32(seg.WindowSize)
		c.state = StateEstablished
		c.connSignalDeadline = time.Time{}
		c.synRetries = 0
		c.sendAck()
		c.engine.log("Connection %s established (active open)", c.params)
		if c.config.KeepaliveIdle > 0 {
			c.armTimer(timerKeepalive, c.clock.Now().Add(c.config.KeepaliveIdle), &c.keepaliveDeadline)
		}
		c.flushSendLocked()
		c.wake()
		return
	}
	if seg.Flags&SYNFlag != 0 {
		// Simultaneous open.
		c.irs = seg.SequenceNumber
		c.rcvNxt = SeqIncrement(seg.SequenceNumber)
		c.negotiateOptions(&seg.Options)
		c.state = StateSynReceived
		c.sendSyn(SYNFlag | ACKFlag)
		c.armConnSignal()
	}
}

func (c *Connection) handleSynReceived(seg *Segment) {
	if seg.Flags&SYNFlag != 0 && seg.Flags&ACKFlag == 0 {
		// Duplicate SYN from the peer, repeat the SYN-ACK.
		c.sendSyn(SYNFlag | ACKFlag)
		return
	}
	// A SYN-ACK lands here on simultaneous open; its ACK completes the
	// handshake like a pure ACK would.
	if seg.Flags&ACKFlag == 0 {
		return
	}
	if seg.AcknowledgmentNum != c.sndNxt {
		c.engine.sendResetFor(seg)
		return
	}
	c.sndUna = seg.AcknowledgmentNum
	c.sndWnd = uint32(seg.WindowSize) << c.sndWndShift
	c.state = StateEstablished
	c.connSignalDeadline = time.Time{}
	c.synRetries = 0
	c.engine.log("Connection %s established (passive open)", c.params)
	if c.listener != nil {
		c.listener.connectionReady(c)
		c.listener = nil
	}
	if c.config.KeepaliveIdle > 0 {
		c.armTimer(timerKeepalive, c.clock.Now().Add(c.config.KeepaliveIdle), &c.keepaliveDeadline)
	}
	c.flushSendLocked()
	c.wake()
	// The completing ACK may carry data; fall through to regular
	// processing for its payload.
	c.handlePayload(seg)
	if seg.Flags&FINFlag != 0 {
		c.handleFin(seg)
	}
	c.maybeSendAck()
}

// handleAck validates and applies the acknowledgment number. Returns
// false when the segment must not be processed further.
func (c *Connection) handleAck(seg *Segment) bool {
	ack := seg.AcknowledgmentNum

	if isGreater(ack, c.sndNxt) {
		// Acknowledges data we never sent: answer with the current
		// snd_nxt and drop.
		c.sendAck()
		return false
	}

	newSackInfo := false
	if c.sackPermitted && len(seg.Options.SackBlocks) > 0 {
		for _, b := range seg.Options.SackBlocks {
			if isGreater(b.RightEdge, c.lastSackEdge) {
				c.lastSackEdge = b.RightEdge
				newSackInfo = true
			}
			c.peerSacks.add(b.LeftEdge, b.RightEdge)
		}
		c.rtxq.markSacked(seg.Options.SackBlocks)
		c.checkSackHole()
	}

	if ack == c.sndUna {
		// Pure duplicate: no new byte acknowledged. Counted for fast
		// retransmit only when it carries no payload, no window change
		// and no new SACK information.
		if len(seg.Payload) == 0 && !newSackInfo && c.rtxq.len() > 0 &&
			uint32(seg.WindowSize)<<c.sndWndShift == c.sndWnd {
			c.dupAckCount++
			c.stats.DupAcksReceived++
			if c.dupAckCount == dupAckThreshold {
				c.fastRetransmit()
			}
		}
		c.sndWnd = uint32(seg.WindowSize) << c.sndWndShift
		return true
	}

	if isLess(ack, c.sndUna) {
		// Too old, ignore silently.
		return true
	}

	// New data acknowledged.
	now := c.clock.Now()
	freed, rttSample := c.rtxq.ackThrough(ack, now)
	c.sndUna = ack
	c.dupAckCount = 0
	c.retries = 0
	c.peerSacks.trimBefore(ack)
	if rttSample > 0 {
		c.rtt.addSample(rttSample)
	}
	c.rtt.resetBackoff()
	c.cc.OnAck(freed, rttSample)
	if c.inFastRecovery && isGreaterOrEqual(ack, c.recoverSeq) {
		c.cc.OnExitRecovery()
		c.inFastRecovery = false
		c.holeReports = 0
	}
	c.sndWnd = uint32(seg.WindowSize) << c.sndWndShift

	if c.rtxq.len() == 0 {
		c.retransmitDeadline = time.Time{}
	} else {
		c.armTimer(timerRetransmit, now.Add(c.rtt.rto()), &c.retransmitDeadline)
	}

	if c.finSent && ack == SeqIncrement(c.finSeq) {
		c.onFinAcked()
	}
	c.wake() // send window opened, writers may proceed
	return true
}

// checkSackHole implements the SACK-based fast retransmit trigger: the
// same hole reported three times resends the missing range without
// waiting for the timer.
func (c *Connection) checkSackHole() {
	hole, ok := c.peerSacks.firstHole(c.sndUna)
	if !ok {
		c.holeReports = 0
		return
	}
	if hole.LeftEdge == c.lastHoleStart {
		c.holeReports++
	} else {
		c.lastHoleStart = hole.LeftEdge
		c.holeReports = 1
	}
	if c.holeReports == dupAckThreshold && !c.inFastRecovery {
		c.fastRetransmit()
	}
}

// fastRetransmit resends the oldest unSACKed segment and applies the
// duplicate-ACK loss path of the congestion controller. The timeout-style
// window collapse does not apply here.
func (c *Connection) fastRetransmit() {
	if c.inFastRecovery {
		// The other trigger already fired for this loss episode; one
		// resend and one window reduction per episode.
		return
	}
	entry := c.rtxq.oldestUnsacked()
	if entry == nil {
		return
	}
	c.cc.OnDupAckLoss()
	c.inFastRecovery = true
	c.recoverSeq = c.sndNxt
	c.resendEntry(entry)
}

func (c *Connection) resendEntry(entry *inflightSegment) {
	now := c.clock.Now()
	entry.resendCount++
	entry.lastSentAt = now
	entry.seg.AcknowledgmentNum = c.rcvNxt
	entry.seg.WindowSize = c.advertisedWindow()
	c.stats.SegmentsRetransmitted++
	c.engine.stats.SegmentsRetransmitted.Add(1)
	c.engine.transmit(entry.seg)
}

func (c *Connection) handlePayload(seg *Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	segSeq := seg.SequenceNumber
	segEnd := SeqIncrementBy(segSeq, uint32(len(seg.Payload)))

	if segSeq == c.rcvNxt {
		accepted := c.appendToRecvBuf(seg.Payload)
		c.rcvNxt = SeqIncrementBy(c.rcvNxt, accepted)
		if accepted == uint32(len(seg.Payload)) {
			c.drainOutOfOrder()
		}
		c.stats.BytesReceived += uint64(accepted)
		c.scheduleAck(false)
		c.wake()
		return
	}

	if isLess(segSeq, c.rcvNxt) {
		// Old duplicate (possibly partially new). Take any new tail,
		// then ACK immediately so the peer resynchronizes.
		if isGreater(segEnd, c.rcvNxt) {
			offset := c.rcvNxt - segSeq
			accepted := c.appendToRecvBuf(seg.Payload[offset:])
			c.rcvNxt = SeqIncrementBy(c.rcvNxt, accepted)
			c.drainOutOfOrder()
			c.stats.BytesReceived += uint64(accepted)
			c.wake()
		}
		c.scheduleAck(true)
		return
	}

	// Ahead of rcv_nxt: out-of-order. Park it, record the range, and ACK
	// immediately so the peer sees the duplicate and can fast-retransmit.
	if !inWindow(segSeq, c.rcvNxt, c.receiveWindow()) {
		c.scheduleAck(true)
		return
	}
	c.storeOutOfOrder(segSeq, seg.Payload)
	c.scheduleAck(true)
}

// appendToRecvBuf queues payload for the application, bounded by the
// configured receive buffer. Overflow is dropped here and recovered by
// retransmission once the window reopens; it is never silently truncated
// from the stream.
func (c *Connection) appendToRecvBuf(payload []byte) uint32 {
	room := int(c.config.RecvBufferSize) - len(c.recvBuf)
	if room <= 0 {
		return 0
	}
	if len(payload) > room {
		payload = payload[:room]
	}
	c.recvBuf = append(c.recvBuf, payload...)
	return uint32(len(payload))
}

func (c *Connection) storeOutOfOrder(seq uint32, payload []byte) {
	end := SeqIncrementBy(seq, uint32(len(payload)))
	if c.recvSacks.covers(seq, end) {
		return // duplicate of data already parked
	}
	if c.oooBytes+uint32(len(payload)) > c.config.RecvBufferSize {
		return // no room to park it; the peer will retransmit
	}
	chunk := &oooChunk{seq: seq, data: append([]byte(nil), payload...)}
	if existing := c.oooQueue.Get(chunk); existing != nil {
		return // duplicate of a parked segment
	}
	c.oooQueue.ReplaceOrInsert(chunk)
	c.oooBytes += uint32(len(payload))
	c.recvSacks.add(seq, SeqIncrementBy(seq, uint32(len(payload))))
}

// drainOutOfOrder pulls parked segments that became contiguous after
// rcv_nxt advanced.
func (c *Connection) drainOutOfOrder() {
	for {
		item := c.oooQueue.Min()
		if item == nil {
			break
		}
		chunk := item.(*oooChunk)
		if isGreater(chunk.seq, c.rcvNxt) {
			break
		}
		c.oooQueue.Delete(chunk)
		c.oooBytes -= uint32(len(chunk.data))
		if end := SeqIncrementBy(chunk.seq, uint32(len(chunk.data))); isGreater(end, c.rcvNxt) {
			offset := c.rcvNxt - chunk.seq
			accepted := c.appendToRecvBuf(chunk.data[offset:])
			c.rcvNxt = SeqIncrementBy(c.rcvNxt, accepted)
			c.stats.BytesReceived += uint64(accepted)
		}
	}
	c.recvSacks.trimBefore(c.rcvNxt)
}

func (c *Connection) handleFin(seg *Segment) {
	finSeq := SeqIncrementBy(seg.SequenceNumber, uint32(len(seg.Payload)))
	if finSeq != c.rcvNxt {
		// FIN beyond a gap; it will be reprocessed once the gap fills.
		c.scheduleAck(true)
		return
	}
	if c.finReceived {
		c.scheduleAck(true)
		return
	}
	c.finReceived = true
	c.rcvNxt = SeqIncrement(c.rcvNxt)

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		// Our FIN is not yet acknowledged: simultaneous close.
		c.state = StateClosing
	case StateFinWait2:
		c.state = StateTimeWait
		c.enterTimeWait()
	}
	c.scheduleAck(true)
	c.wake()
}

// onFinAcked advances the close path when the peer acknowledges our FIN.
func (c *Connection) onFinAcked() {
	c.connSignalDeadline = time.Time{}
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
	case StateClosing:
		c.state = StateTimeWait
		c.enterTimeWait()
	case StateLastAck:
		c.engine.log("Connection %s closed", c.params)
		c.teardown(nil)
	}
	c.wake()
}

func (c *Connection) enterTimeWait() {
	c.armTimer(timerTimeWait, c.clock.Now().Add(c.config.TimeWaitDuration), &c.timeWaitDeadline)
}

// ---- local operations ----

// Send queues bytes for transmission. The queue is bounded by the send
// buffer size; overflow is rejected with ErrBufferFull, never truncated.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.takeFatal(); err != nil {
		return err
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynReceived:
		// Queued until the handshake completes.
	default:
		return ErrConnectionClosed
	}
	if uint32(len(c.sendBuf)+len(data)) > c.config.SendBufferSize {
		return ErrBufferFull
	}
	c.sendBuf = append(c.sendBuf, data...)
	c.flushSendLocked()
	return nil
}

// Receive copies queued in-order bytes into buf without blocking. It
// returns 0, nil when nothing is available; callers wanting to wait use
// WaitChannel and re-check. io.EOF reports a clean peer close after the
// stream is drained; a protocol-fatal error is returned exactly once.
func (c *Connection) Receive(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.recvBuf) > 0 {
		n := copy(buf, c.recvBuf)
		c.recvBuf = c.recvBuf[n:]
		// The window may have reopened; let the peer know promptly
		// when a full segment's worth of space came back.
		if uint32(n) >= uint32(c.mss) {
			c.scheduleAck(false)
		}
		return n, nil
	}
	if err := c.takeFatal(); err != nil {
		return 0, err
	}
	if c.finReceived {
		return 0, io.EOF
	}
	if c.state == StateClosed {
		return 0, ErrConnectionClosed
	}
	return 0, nil
}

// takeFatal surfaces the protocol-fatal error exactly once.
func (c *Connection) takeFatal() error {
	if c.fatalErr != nil && !c.fatalDelivered {
		c.fatalDelivered = true
		return c.fatalErr
	}
	if c.fatalErr != nil {
		return ErrConnectionClosed
	}
	return nil
}

// Close starts an orderly shutdown from our side.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil
	case StateListen, StateSynSent:
		c.teardown(nil)
		return nil
	case StateSynReceived, StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		return nil // close already in progress
	}
	// The FIN must sequence after every queued byte. flushSendLocked
	// emits it once the last byte is carved into a segment.
	c.closePending = true
	c.flushSendLocked()
	return nil
}

// Abort terminates immediately: RST to the peer, local teardown.
func (c *Connection) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.engine.sendReset(c.params, c.sndNxt, c.rcvNxt)
	c.teardown(ErrConnectionReset)
}

// abortLocked is the internal protocol-fatal path (max retries,
// keepalive exhaustion). Lock already held.
func (c *Connection) abortLocked(err error) {
	c.engine.log("Connection %s aborted: %v", c.params, err)
	c.engine.stats.FailedConnectionAttempts.Add(1)
	c.teardown(err)
}

// ---- transmit path ----

// flushSendLocked carves queued bytes into MSS-sized segments within the
// usable window. Nagle-style coalescing holds a trailing small segment
// while data is in flight, unless NoDelay is set.
func (c *Connection) flushSendLocked() {
	if c.state != StateEstablished && c.state != StateCloseWait &&
		c.state != StateFinWait1 && c.state != StateClosing && c.state != StateLastAck {
		return
	}
	for len(c.sendBuf) > 0 {
		window := c.usableWindow()
		if window == 0 {
			break
		}
		size := uint32(c.mss)
		if size > window {
			size = window
		}
		if uint32(len(c.sendBuf)) < size {
			size = uint32(len(c.sendBuf))
			if !c.config.NoDelay && !c.closePending && c.rtxq.len() > 0 {
				break // hold the runt until in-flight data is acked
			}
		}

		seg := c.newSegment(c.sndNxt, ACKFlag)
		if uint32(len(c.sendBuf)) == size {
			seg.Flags |= PSHFlag
		}
		if err := seg.CopyToPayload(c.sendBuf[:size]); err != nil {
			log.Println("flushSend: cannot retain payload:", err)
			return
		}
		c.sendBuf = c.sendBuf[size:]
		endSeq := SeqIncrementBy(c.sndNxt, size)
		c.rtxq.add(seg, endSeq, c.clock.Now())
		c.sndNxt = endSeq
		c.stats.BytesSent += uint64(size)
		c.transmitLocked(seg)
		if c.retransmitDeadline.IsZero() {
			c.armTimer(timerRetransmit, c.clock.Now().Add(c.rtt.rto()), &c.retransmitDeadline)
		}
		c.ackPending = false // this segment carries the ACK
	}

	if len(c.sendBuf) == 0 {
		c.persistDeadline = time.Time{}
		if c.closePending {
			c.closePending = false
			c.sendFin()
		}
		return
	}
	// Bytes remain, nothing is in flight and the peer closed its window:
	// no ACK is coming, so only a probe can reopen the stream.
	if c.sndWnd == 0 && c.rtxq.len() == 0 {
		if c.persistDeadline.IsZero() {
			c.armTimer(timerPersist, c.clock.Now().Add(c.rtt.rto()), &c.persistDeadline)
		}
	} else {
		c.persistDeadline = time.Time{}
	}
}

// onPersistTimeout sends a zero-window probe one byte below snd_nxt,
// which the peer must answer with an ACK carrying its current window.
// Re-armed until the window reopens or the queue drains.
func (c *Connection) onPersistTimeout() {
	if len(c.sendBuf) == 0 || c.sndWnd > 0 || c.rtxq.len() > 0 {
		c.persistDeadline = time.Time{}
		return
	}
	probe := c.newSegment(SeqIncrementBy(c.sndNxt, ^uint32(0)), ACKFlag)
	c.transmitLocked(probe)
	c.armTimer(timerPersist, c.clock.Now().Add(c.rtt.rto()), &c.persistDeadline)
}

// usableWindow is how many more bytes may be in flight right now.
func (c *Connection) usableWindow() uint32 {
	window := c.cc.Cwnd()
	if c.sndWnd < window {
		window = c.sndWnd
	}
	inFlight := c.rtxq.inFlight()
	if inFlight >= window {
		return 0
	}
	return window - inFlight
}

// receiveWindow is the space we can advertise, before scaling. Parked
// out-of-order bytes are not charged against it: they already fit inside
// the window the peer was shown, and charging them would make every
// duplicate ACK carry a different window, defeating duplicate detection
// on the other side.
func (c *Connection) receiveWindow() uint32 {
	used := uint32(len(c.recvBuf))
	if used >= c.config.RecvBufferSize {
		return 0
	}
	return c.config.RecvBufferSize - used
}

// advertisedWindow is the receive window as carried in the header,
// right-shifted by the negotiated scale.
func (c *Connection) advertisedWindow() uint16 {
	window := c.receiveWindow() >> c.rcvWndShift
	if window > 0xFFFF {
		window = 0xFFFF
	}
	return uint16(window)
}

func (c *Connection) newSegment(seq uint32, flags uint8) *Segment {
	seg := &Segment{
		SrcAddr:           c.params.LocalAddr,
		DstAddr:           c.params.RemoteAddr,
		SourcePort:        c.params.LocalPort,
		DestinationPort:   c.params.RemotePort,
		SequenceNumber:    seq,
		AcknowledgmentNum: c.rcvNxt,
		Flags:             flags,
		WindowSize:        c.advertisedWindow(),
	}
	if c.timestampEnabled {
		seg.Options.TimestampEnabled = true
		seg.Options.Timestamp = uint32(c.clock.Now().UnixMilli())
		seg.Options.TsEchoReplyValue = c.tsRecent
	}
	return seg
}

// sendSyn emits the SYN or SYN-ACK with the handshake options.
func (c *Connection) sendSyn(flags uint8) {
	seg := c.newSegment(c.iss, flags)
	if flags&ACKFlag == 0 {
		seg.AcknowledgmentNum = 0
	}
	seg.Options.MSS = c.config.PreferredMSS
	seg.Options.PermitSack = c.config.SackEnabled
	if c.config.WindowScale > 0 {
		seg.Options.WindowScaleShiftCount = c.config.WindowScale
	}
	c.transmitLocked(seg)
}

func (c *Connection) sendFin() {
	c.finSent = true
	c.finSeq = c.sndNxt
	seg := c.newSegment(c.sndNxt, FINFlag|ACKFlag)
	c.sndNxt = SeqIncrement(c.sndNxt)
	c.transmitLocked(seg)
	c.armConnSignal()
}

func (c *Connection) sendAck() {
	seg := c.newSegment(c.sndNxt, ACKFlag)
	if c.sackPermitted && !c.recvSacks.isEmpty() {
		seg.Options.SackBlocks = c.recvSacks.ranges()
	}
	c.ackPending = false
	c.delayedAckDeadline = time.Time{}
	c.transmitLocked(seg)
}

// scheduleAck applies the delayed-ACK policy: state-advancing events are
// coalesced within the delayed-ACK window, except quick-ACK situations
// (out-of-order receipt, FIN, window resync) which must go out now so the
// peer can react.
func (c *Connection) scheduleAck(immediate bool) {
	if immediate || c.config.DelayedAckDelay == 0 {
		c.sendAck()
		return
	}
	if c.ackPending {
		// Second eligible event inside the window: ACK at once, which
		// also bounds ACK starvation to every other segment.
		c.sendAck()
		return
	}
	c.ackPending = true
	c.armTimer(timerDelayedAck, c.clock.Now().Add(c.config.DelayedAckDelay), &c.delayedAckDeadline)
}

func (c *Connection) maybeSendAck() {
	if c.ackPending && c.delayedAckDeadline.IsZero() {
		c.sendAck()
	}
}

func (c *Connection) transmitLocked(seg *Segment) {
	c.stats.SegmentsSent++
	c.engine.transmit(seg)
}

// ---- timers ----

// armTimer records the deadline on the connection and schedules it on the
// engine's queue. Re-arming just overwrites the recorded deadline; the
// superseded queue entry fires as a no-op.
func (c *Connection) armTimer(kind timerKind, deadline time.Time, slot *time.Time) {
	*slot = deadline
	c.engine.scheduleTimer(c, kind, deadline)
}

func (c *Connection) armConnSignal() {
	c.armTimer(timerConnSignal, c.clock.Now().Add(c.rtt.rto()), &c.connSignalDeadline)
}

// onTimer dispatches one fired deadline. Stale entries (deadline no
// longer matches the armed slot) are dropped.
func (c *Connection) onTimer(kind timerKind, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed && kind != timerTimeWait {
		return
	}
	switch kind {
	case timerRetransmit:
		if !deadline.Equal(c.retransmitDeadline) {
			return
		}
		c.onRetransmitTimeout()
	case timerKeepalive:
		if !deadline.Equal(c.keepaliveDeadline) {
			return
		}
		c.onKeepaliveTimeout()
	case timerDelayedAck:
		if !deadline.Equal(c.delayedAckDeadline) {
			return
		}
		c.delayedAckDeadline = time.Time{}
		if c.ackPending {
			c.sendAck()
		}
	case timerTimeWait:
		if !deadline.Equal(c.timeWaitDeadline) {
			return
		}
		if c.state == StateTimeWait {
			c.engine.log("Connection %s left TIME-WAIT", c.params)
			c.teardown(nil)
		}
	case timerConnSignal:
		if !deadline.Equal(c.connSignalDeadline) {
			return
		}
		c.onConnSignalTimeout()
	case timerPersist:
		if !deadline.Equal(c.persistDeadline) {
			return
		}
		c.onPersistTimeout()
	}
}

// onRetransmitTimeout retransmits the oldest unacknowledged segment
// exactly once, doubles the RTO and re-arms. The congestion controller
// collapses to its safety floor.
func (c *Connection) onRetransmitTimeout() {
	entry := c.rtxq.oldest()
	if entry == nil {
		c.retransmitDeadline = time.Time{}
		return
	}
	c.retries++
	if c.retries > c.config.MaxRetries {
		c.abortLocked(ErrMaxRetries)
		return
	}
	c.cc.OnTimeout()
	c.inFastRecovery = false
	c.rtt.backoff()
	c.resendEntry(entry)
	c.armTimer(timerRetransmit, c.clock.Now().Add(c.rtt.rto()), &c.retransmitDeadline)
}

// onKeepaliveTimeout sends a zero-length probe after the idle interval;
// a bounded number of unanswered probes aborts the connection.
func (c *Connection) onKeepaliveTimeout() {
	if c.state != StateEstablished {
		c.keepaliveDeadline = time.Time{}
		return
	}
	idle := c.clock.Now().Sub(c.lastActivity)
	if idle < c.config.KeepaliveIdle && c.keepaliveProbes == 0 {
		// Traffic arrived since arming; push the deadline out.
		c.armTimer(timerKeepalive, c.lastActivity.Add(c.config.KeepaliveIdle), &c.keepaliveDeadline)
		return
	}
	c.keepaliveProbes++
	if c.keepaliveProbes > c.config.KeepaliveProbes {
		c.abortLocked(ErrKeepaliveTimeout)
		return
	}
	// The probe sits one byte below snd_nxt so the peer must answer
	// with its current ACK.
	probe := c.newSegment(SeqIncrementBy(c.sndNxt, ^uint32(0)), ACKFlag)
	c.transmitLocked(probe)
	c.armTimer(timerKeepalive, c.clock.Now().Add(c.config.KeepaliveInterval), &c.keepaliveDeadline)
}

// onConnSignalTimeout retransmits handshake and close signals (SYN,
// SYN-ACK, FIN) which are not tracked by the data retransmission queue.
func (c *Connection) onConnSignalTimeout() {
	switch c.state {
	case StateSynSent, StateSynReceived:
		c.synRetries++
		if c.synRetries > c.config.MaxSynRetries {
			c.abortLocked(ErrMaxRetries)
			return
		}
		flags := uint8(SYNFlag)
		if c.state == StateSynReceived {
			flags |= ACKFlag
		}
		c.rtt.backoff()
		c.stats.SegmentsRetransmitted++
		c.engine.stats.SegmentsRetransmitted.Add(1)
		c.sendSyn(flags)
		c.armConnSignal()
	case StateFinWait1, StateClosing, StateLastAck:
		c.retries++
		if c.retries > c.config.MaxRetries {
			c.abortLocked(ErrMaxRetries)
			return
		}
		seg := c.newSegment(c.finSeq, FINFlag|ACKFlag)
		c.rtt.backoff()
		c.stats.SegmentsRetransmitted++
		c.engine.stats.SegmentsRetransmitted.Add(1)
		c.transmitLocked(seg)
		c.armConnSignal()
	default:
		c.connSignalDeadline = time.Time{}
	}
}
