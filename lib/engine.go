package lib

import (
	"log"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
)

// EngineConfig carries the engine-wide tunables. Per-connection settings
// live in Connection and are copied to each new connection.
type EngineConfig struct {
	EphemeralPortLower uint16
	EphemeralPortUpper uint16
	PayloadPoolSize    int
	PoolDebug          bool
	Debug              bool
	Connection         *ConnectionConfig
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		EphemeralPortLower: 49152,
		EphemeralPortUpper: 65535,
		PayloadPoolSize:    2000,
		Connection:         DefaultConnectionConfig(),
	}
}

// TcpStats aggregates engine-wide counters. All fields are atomics so the
// hot path never takes the table lock for accounting.
type TcpStats struct {
	ActiveOpens              atomic.Uint64
	PassiveOpens             atomic.Uint64
	FailedConnectionAttempts atomic.Uint64
	ResetConnections         atomic.Uint64
	CurrentConnections       atomic.Int64
	SegmentsSent             atomic.Uint64
	SegmentsReceived         atomic.Uint64
	SegmentsRetransmitted    atomic.Uint64
	BadSegmentsReceived      atomic.Uint64
	ResetSegmentsSent        atomic.Uint64
}

// TcpStatsSnapshot is a plain-value copy of the counters.
type TcpStatsSnapshot struct {
	ActiveOpens              uint64
	PassiveOpens             uint64
	FailedConnectionAttempts uint64
	ResetConnections         uint64
	CurrentConnections       int64
	SegmentsSent             uint64
	SegmentsReceived         uint64
	SegmentsRetransmitted    uint64
	BadSegmentsReceived      uint64
	ResetSegmentsSent        uint64
}

var poolOnce sync.Once

// Engine owns the connection table, the listener table, the ephemeral
// port pool, the ISN generator and the shared timer queue. It is the
// demultiplexer between the IP layer below and connections above.
type Engine struct {
	config *EngineConfig
	sender PacketSender
	clock  Clock
	isn    *isnGenerator

	mu          sync.RWMutex // guards the two tables; read-mostly
	connections map[ConnectionId]*Connection
	listeners   map[uint16]*Listener

	ports *portPool

	timerMu sync.Mutex
	timers  *timerQueue

	stats  TcpStats
	closed bool
}

// NewEngine creates an engine bound to the given IP-send interface and
// clock. Pass RealClock{} outside of tests.
func NewEngine(config *EngineConfig, sender PacketSender, clock Clock) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.Connection == nil {
		config.Connection = DefaultConnectionConfig()
	}
	poolOnce.Do(func() {
		rp.Debug = config.PoolDebug
		Pool = rp.NewRingPool("TCP: ", config.PayloadPoolSize, NewPayload, int(config.Connection.PreferredMSS))
		Pool.Debug = config.PoolDebug
	})
	return &Engine{
		config:      config,
		sender:      sender,
		clock:       clock,
		isn:         newIsnGenerator(clock),
		connections: make(map[ConnectionId]*Connection),
		listeners:   make(map[uint16]*Listener),
		ports:       newPortPool(config.EphemeralPortLower, config.EphemeralPortUpper),
		timers:      newTimerQueue(),
	}
}

func (e *Engine) log(format string, v ...interface{}) {
	if e.config.Debug {
		log.Printf(format, v...)
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() TcpStatsSnapshot {
	return TcpStatsSnapshot{
		ActiveOpens:              e.stats.ActiveOpens.Load(),
		PassiveOpens:             e.stats.PassiveOpens.Load(),
		FailedConnectionAttempts: e.stats.FailedConnectionAttempts.Load(),
		ResetConnections:         e.stats.ResetConnections.Load(),
		CurrentConnections:       e.stats.CurrentConnections.Load(),
		SegmentsSent:             e.stats.SegmentsSent.Load(),
		SegmentsReceived:         e.stats.SegmentsReceived.Load(),
		SegmentsRetransmitted:    e.stats.SegmentsRetransmitted.Load(),
		BadSegmentsReceived:      e.stats.BadSegmentsReceived.Load(),
		ResetSegmentsSent:        e.stats.ResetSegmentsSent.Load(),
	}
}

// ---- ingress ----

// ProcessSegment is the entry point from the IP layer. A frame failing
// checksum verification or parsing is dropped silently; a parsed segment
// matching no connection draws a RST unless it is itself a RST.
func (e *Engine) ProcessSegment(frame []byte, srcAddr, dstAddr netip.Addr) {
	e.stats.SegmentsReceived.Add(1)

	if !VerifyChecksum(frame, srcAddr, dstAddr) {
		e.stats.BadSegmentsReceived.Add(1)
		return
	}
	seg := &Segment{}
	if err := seg.Unmarshal(frame, srcAddr, dstAddr); err != nil {
		e.stats.BadSegmentsReceived.Add(1)
		e.log("Dropping unparsable segment from %s: %v", srcAddr, err)
		return
	}

	id := ConnectionId{
		LocalAddr:  dstAddr,
		LocalPort:  seg.DestinationPort,
		RemoteAddr: srcAddr,
		RemotePort: seg.SourcePort,
	}

	e.mu.RLock()
	conn := e.connections[id]
	var listener *Listener
	if conn == nil {
		if l, ok := e.listeners[seg.DestinationPort]; ok && l.matches(dstAddr) {
			listener = l
		}
	}
	e.mu.RUnlock()

	switch {
	case conn != nil:
		conn.processSegment(seg)
	case listener != nil:
		if seg.Flags&SYNFlag != 0 && seg.Flags&ACKFlag == 0 {
			listener.handleSyn(id, seg)
		} else if seg.Flags&RSTFlag == 0 {
			e.sendResetFor(seg)
		}
	case seg.Flags&RSTFlag == 0:
		// No connection, no listener. Tell the peer.
		e.sendResetFor(seg)
	}
}

// ---- local operations ----

// Listen binds a passive open point. addr may be the unspecified address
// to accept on any local address.
func (e *Engine) Listen(addr netip.Addr, port uint16, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = 8
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrConnectionClosed
	}
	if _, ok := e.listeners[port]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "listen on port %d", port)
	}
	l := &Listener{
		engine:   e,
		addr:     addr,
		port:     port,
		backlog:  backlog,
		wakeChan: make(chan struct{}, 1),
	}
	e.listeners[port] = l
	e.log("Listening on %s:%d", addr, port)
	return l, nil
}

// Connect starts an active open to the remote endpoint. The local port is
// drawn from the ephemeral range; ports bound by listeners or existing
// connections to the same remote are vetoed.
func (e *Engine) Connect(localAddr, remoteAddr netip.Addr, remotePort uint16) (*Connection, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	port, err := e.ports.allocate(func(candidate uint16) bool {
		if _, ok := e.listeners[candidate]; ok {
			return true
		}
		probe := ConnectionId{LocalAddr: localAddr, LocalPort: candidate, RemoteAddr: remoteAddr, RemotePort: remotePort}
		_, ok := e.connections[probe]
		return ok
	})
	if err != nil {
		e.mu.Unlock()
		return nil, errors.Wrap(err, "connect")
	}
	id := ConnectionId{LocalAddr: localAddr, LocalPort: port, RemoteAddr: remoteAddr, RemotePort: remotePort}
	conn := newConnection(id, e.config.Connection, e)
	conn.ephemeral = true
	e.connections[id] = conn
	e.mu.Unlock()

	e.stats.ActiveOpens.Add(1)
	e.stats.CurrentConnections.Add(1)
	conn.openActive()
	return conn, nil
}

// ---- timer driver ----

// scheduleTimer queues a deadline for a connection. Called by connections
// with their own lock held; only timerMu is taken here.
func (e *Engine) scheduleTimer(conn *Connection, kind timerKind, deadline time.Time) {
	e.timerMu.Lock()
	e.timers.schedule(conn, kind, deadline)
	e.timerMu.Unlock()
}

// Advance fires every deadline due at or before now. The caller drives
// this from its event loop; nothing here blocks.
func (e *Engine) Advance(now time.Time) {
	for {
		e.timerMu.Lock()
		entry := e.timers.popDue(now)
		e.timerMu.Unlock()
		if entry == nil {
			return
		}
		entry.conn.onTimer(entry.kind, entry.deadline)
	}
}

// NextWake returns the earliest scheduled deadline, so the driver knows
// how long it may sleep.
func (e *Engine) NextWake() (time.Time, bool) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.timers.nextDeadline()
}

// ---- egress ----

// transmit serializes one segment and hands it to the IP-send interface.
func (e *Engine) transmit(seg *Segment) {
	buffer := make([]byte, seg.PseudoHeaderLength()+TcpHeaderLength+TcpOptionsMaxLength+len(seg.Payload))
	frameLength, err := seg.Marshal(buffer)
	if err != nil {
		log.Println("Engine transmit: marshal failed:", err)
		return
	}
	frame := buffer[seg.PseudoHeaderLength() : seg.PseudoHeaderLength()+frameLength]
	e.stats.SegmentsSent.Add(1)
	if err := e.sender.SendIPPacket(frame, seg.SrcAddr, seg.DstAddr, ProtocolTCP); err != nil {
		log.Println("Engine transmit: send failed:", err)
	}
}

// sendResetFor answers an unmatched or unacceptable segment with a RST
// derived from it per RFC 793: echo the ACK as our sequence when present,
// otherwise ACK everything the segment occupied.
func (e *Engine) sendResetFor(seg *Segment) {
	rst := &Segment{
		SrcAddr:         seg.DstAddr,
		DstAddr:         seg.SrcAddr,
		SourcePort:      seg.DestinationPort,
		DestinationPort: seg.SourcePort,
	}
	if seg.Flags&ACKFlag != 0 {
		rst.Flags = RSTFlag
		rst.SequenceNumber = seg.AcknowledgmentNum
	} else {
		rst.Flags = RSTFlag | ACKFlag
		ack := SeqIncrementBy(seg.SequenceNumber, uint32(len(seg.Payload)))
		if seg.Flags&SYNFlag != 0 {
			ack = SeqIncrement(ack)
		}
		if seg.Flags&FINFlag != 0 {
			ack = SeqIncrement(ack)
		}
		rst.AcknowledgmentNum = ack
	}
	e.stats.ResetSegmentsSent.Add(1)
	e.transmit(rst)
}

// sendReset emits a RST from an established connection's own numbers,
// used by Abort.
func (e *Engine) sendReset(id ConnectionId, seq, ack uint32) {
	rst := &Segment{
		SrcAddr:           id.LocalAddr,
		DstAddr:           id.RemoteAddr,
		SourcePort:        id.LocalPort,
		DestinationPort:   id.RemotePort,
		SequenceNumber:    seq,
		AcknowledgmentNum: ack,
		Flags:             RSTFlag | ACKFlag,
	}
	e.stats.ResetSegmentsSent.Add(1)
	e.transmit(rst)
}

// ---- table maintenance ----

// addConnection inserts a passively opened connection. Called by the
// listener with no connection lock held.
func (e *Engine) addConnection(conn *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, ok := e.connections[conn.params]; ok {
		return false
	}
	e.connections[conn.params] = conn
	e.stats.CurrentConnections.Add(1)
	return true
}

// removeConnection drops a connection from the table and returns its
// ephemeral port, if any, to the pool. Safe to call more than once.
func (e *Engine) removeConnection(conn *Connection) {
	e.mu.Lock()
	_, present := e.connections[conn.params]
	if present {
		delete(e.connections, conn.params)
	}
	e.mu.Unlock()
	if !present {
		return
	}
	e.stats.CurrentConnections.Add(-1)
	if conn.ephemeral {
		if err := e.ports.release(conn.params.LocalPort); err != nil {
			log.Println("Engine: port release:", err)
		}
	}
}

func (e *Engine) removeListener(l *Listener) {
	e.mu.Lock()
	if e.listeners[l.port] == l {
		delete(e.listeners, l.port)
	}
	e.mu.Unlock()
}

// Close aborts every connection and listener. The engine is unusable
// afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.listeners = make(map[uint16]*Listener)
	e.mu.Unlock()

	for _, c := range conns {
		c.Abort()
	}
}

// ---- listener ----

// Listener is one passive open point: a bound port with a bounded queue
// of connections finishing or having finished their handshake.
type Listener struct {
	engine  *Engine
	addr    netip.Addr
	port    uint16
	backlog int

	mu       sync.Mutex
	halfOpen int
	ready    []*Connection
	closed   bool
	wakeChan chan struct{}
}

func (l *Listener) matches(addr netip.Addr) bool {
	return l.addr.IsUnspecified() || l.addr == addr
}

// WaitChannel signals when a connection becomes ready to accept.
func (l *Listener) WaitChannel() <-chan struct{} {
	return l.wakeChan
}

func (l *Listener) wake() {
	select {
	case l.wakeChan <- struct{}{}:
	default:
	}
}

// handleSyn starts a passive open for one SYN. A SYN arriving while the
// backlog is full is dropped; the peer retries.
func (l *Listener) handleSyn(id ConnectionId, syn *Segment) {
	l.mu.Lock()
	if l.closed || l.halfOpen+len(l.ready) >= l.backlog {
		l.mu.Unlock()
		l.engine.log("Listener %d: backlog full, dropping SYN from %s", l.port, id.RemoteAddr)
		return
	}
	l.halfOpen++
	l.mu.Unlock()

	conn := newConnection(id, l.engine.config.Connection, l.engine)
	conn.listener = l
	if !l.engine.addConnection(conn) {
		// Raced with another SYN for the same 4-tuple.
		l.mu.Lock()
		l.halfOpen--
		l.mu.Unlock()
		return
	}
	l.engine.stats.PassiveOpens.Add(1)
	conn.openPassive(syn)
}

// connectionReady moves a connection whose handshake completed onto the
// accept queue.
func (l *Listener) connectionReady(conn *Connection) {
	l.mu.Lock()
	l.halfOpen--
	l.ready = append(l.ready, conn)
	l.mu.Unlock()
	l.wake()
}

// connectionFailed drops a half-open connection that died before the
// handshake completed.
func (l *Listener) connectionFailed(conn *Connection) {
	l.mu.Lock()
	if l.halfOpen > 0 {
		l.halfOpen--
	}
	l.mu.Unlock()
}

// Accept pops one established connection without blocking, or nil when
// none is ready. Callers wanting to wait use WaitChannel and re-check.
func (l *Listener) Accept() *Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ready) == 0 {
		return nil
	}
	conn := l.ready[0]
	l.ready = l.ready[1:]
	return conn
}

// Close unbinds the port. Established connections already accepted keep
// running; queued ones are aborted.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.ready
	l.ready = nil
	l.mu.Unlock()

	l.engine.removeListener(l)
	for _, c := range pending {
		c.Abort()
	}
}
