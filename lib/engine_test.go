package lib

import (
	"bytes"
	stderrors "errors"
	"net/netip"
	"testing"
	"time"
)

// captureSender records everything an engine transmits, for single-engine
// tests with no peer.
type captureSender struct {
	frames []testFrame
}

func (s *captureSender) SendIPPacket(frame []byte, src, dst netip.Addr, protocolId uint8) error {
	f := testFrame{frame: append([]byte(nil), frame...), src: src, dst: dst}
	if err := f.seg.Unmarshal(f.frame, src, dst); err != nil {
		panic("captureSender: engine emitted an unparsable frame: " + err.Error())
	}
	s.frames = append(s.frames, f)
	return nil
}

func newTestEngine(mutate func(*EngineConfig)) (*Engine, *captureSender, *FakeClock) {
	sender := &captureSender{}
	clock := NewFakeClock(time.Unix(1700000000, 0))
	cfg := DefaultEngineConfig()
	cfg.Connection = testConnConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return NewEngine(cfg, sender, clock), sender, clock
}

func TestListenPortInUse(t *testing.T) {
	engine, _, _ := newTestEngine(nil)

	if _, err := engine.Listen(testServerAddr, 9000, 8); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	_, err := engine.Listen(testServerAddr, 9000, 8)
	if !stderrors.Is(err, ErrPortInUse) {
		t.Fatalf("second Listen = %v, want ErrPortInUse", err)
	}
}

func TestListenReleasesPortOnClose(t *testing.T) {
	engine, _, _ := newTestEngine(nil)

	l, err := engine.Listen(testServerAddr, 9000, 8)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.Close()
	if _, err := engine.Listen(testServerAddr, 9000, 8); err != nil {
		t.Fatalf("Listen after Close: %v", err)
	}
}

func TestConnectEphemeralPortExhaustion(t *testing.T) {
	engine, _, _ := newTestEngine(func(cfg *EngineConfig) {
		cfg.EphemeralPortLower = 50000
		cfg.EphemeralPortUpper = 50001
	})

	remote := netip.MustParseAddr("10.9.9.9")
	for i := 0; i < 2; i++ {
		if _, err := engine.Connect(testClientAddr, remote, 80); err != nil {
			t.Fatalf("Connect %d: %v", i+1, err)
		}
	}
	_, err := engine.Connect(testClientAddr, remote, 80)
	if !stderrors.Is(err, ErrPortsExhausted) {
		t.Fatalf("third Connect = %v, want ErrPortsExhausted", err)
	}
}

func TestPortReturnsToPoolAfterTeardown(t *testing.T) {
	engine, _, _ := newTestEngine(func(cfg *EngineConfig) {
		cfg.EphemeralPortLower = 50000
		cfg.EphemeralPortUpper = 50000
	})

	remote := netip.MustParseAddr("10.9.9.9")
	conn, err := engine.Connect(testClientAddr, remote, 80)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Abort()
	if _, err := engine.Connect(testClientAddr, remote, 80); err != nil {
		t.Fatalf("Connect after teardown: %v", err)
	}
}

func TestUnmatchedSegmentDrawsRst(t *testing.T) {
	tests := []struct {
		name     string
		seg      Segment
		wantSeq  func(s *Segment) uint32
		wantAck  func(s *Segment) uint32
		wantAckd bool // RST carries an ACK number
	}{
		{
			name: "data with ACK echoes the ACK as sequence",
			seg: Segment{
				SequenceNumber:    4000,
				AcknowledgmentNum: 7777,
				Flags:             ACKFlag,
				Payload:           []byte("hello"),
			},
			wantSeq: func(s *Segment) uint32 { return s.AcknowledgmentNum },
		},
		{
			name: "SYN without ACK acknowledges the SYN",
			seg: Segment{
				SequenceNumber: 4000,
				Flags:          SYNFlag,
			},
			wantAck:  func(s *Segment) uint32 { return SeqIncrement(s.SequenceNumber) },
			wantAckd: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, sender, _ := newTestEngine(nil)
			seg := tc.seg
			seg.SrcAddr = testClientAddr
			seg.DstAddr = testServerAddr
			seg.SourcePort = 33333
			seg.DestinationPort = 9000

			engine.ProcessSegment(frameOf(t, &seg), testClientAddr, testServerAddr)

			if len(sender.frames) != 1 {
				t.Fatalf("engine sent %d segments, want 1 RST", len(sender.frames))
			}
			rst := sender.frames[0].seg
			if rst.Flags&RSTFlag == 0 {
				t.Fatalf("reply flags = %#x, want RST set", rst.Flags)
			}
			if rst.SourcePort != 9000 || rst.DestinationPort != 33333 {
				t.Fatalf("reply ports %d->%d, want 9000->33333", rst.SourcePort, rst.DestinationPort)
			}
			if tc.wantSeq != nil {
				if got, want := rst.SequenceNumber, tc.wantSeq(&seg); got != want {
					t.Errorf("RST seq = %d, want %d", got, want)
				}
			}
			if tc.wantAckd {
				if rst.Flags&ACKFlag == 0 {
					t.Fatal("RST should carry an ACK")
				}
				if got, want := rst.AcknowledgmentNum, tc.wantAck(&seg); got != want {
					t.Errorf("RST ack = %d, want %d", got, want)
				}
			}
		})
	}
}

func TestUnmatchedRstIsNotAnswered(t *testing.T) {
	engine, sender, _ := newTestEngine(nil)
	seg := Segment{
		SrcAddr:         testClientAddr,
		DstAddr:         testServerAddr,
		SourcePort:      33333,
		DestinationPort: 9000,
		SequenceNumber:  4000,
		Flags:           RSTFlag,
	}
	engine.ProcessSegment(frameOf(t, &seg), testClientAddr, testServerAddr)
	if len(sender.frames) != 0 {
		t.Fatalf("engine answered a RST with %d segments, want silence", len(sender.frames))
	}
}

func TestBadChecksumDroppedSilently(t *testing.T) {
	engine, sender, _ := newTestEngine(nil)
	seg := Segment{
		SrcAddr:         testClientAddr,
		DstAddr:         testServerAddr,
		SourcePort:      33333,
		DestinationPort: 9000,
		SequenceNumber:  4000,
		Flags:           ACKFlag,
		Payload:         []byte("corrupt me"),
	}
	frame := frameOf(t, &seg)
	frame[len(frame)-1] ^= 0xFF

	engine.ProcessSegment(frame, testClientAddr, testServerAddr)

	if len(sender.frames) != 0 {
		t.Fatalf("engine replied to a corrupt frame with %d segments, want none", len(sender.frames))
	}
	if got := engine.Stats().BadSegmentsReceived; got != 1 {
		t.Fatalf("BadSegmentsReceived = %d, want 1", got)
	}
}

func TestIsnGeneration(t *testing.T) {
	clock := NewFakeClock(time.Unix(1700000000, 0))
	gen := newIsnGenerator(clock)

	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	isn1 := gen.generate(a, 1000, b, 2000)
	isn2 := gen.generate(a, 1001, b, 2000)
	if isn1 == isn2 {
		t.Error("different 4-tuples produced the same ISN")
	}

	// The clock contributes one tick per 4 microseconds, so the same
	// tuple 4ms later lands exactly 1000 higher.
	clock.Advance(4 * time.Millisecond)
	isn3 := gen.generate(a, 1000, b, 2000)
	if got := isn3 - isn1; got != 1000 {
		t.Errorf("ISN advance over 4ms = %d, want 1000", got)
	}

	// A second generator has its own secret: same tuple, unrelated ISN.
	gen2 := newIsnGenerator(clock)
	if gen2.generate(a, 1000, b, 2000) == isn3 {
		t.Error("two generators with distinct secrets agreed on an ISN")
	}
}

func TestDemuxRoutesByFourTuple(t *testing.T) {
	wire := newTestWire()
	clock := NewFakeClock(time.Unix(1700000000, 0))
	cfg := DefaultEngineConfig()
	cfg.Connection = testConnConfig()
	serverEngine := NewEngine(cfg, wire, clock)
	clientEngine := NewEngine(cfg, wire, clock)
	wire.engines[testServerAddr] = serverEngine
	wire.engines[testClientAddr] = clientEngine

	listener, err := serverEngine.Listen(testServerAddr, testServerPort, 8)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientA, err := clientEngine.Connect(testClientAddr, testServerAddr, testServerPort)
	if err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	clientB, err := clientEngine.Connect(testClientAddr, testServerAddr, testServerPort)
	if err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	wire.deliverAll()

	serverA := listener.Accept()
	serverB := listener.Accept()
	if serverA == nil || serverB == nil {
		t.Fatal("expected two accepted connections")
	}
	// Accept order follows SYN arrival order.
	if serverA.params.RemotePort != clientA.params.LocalPort {
		serverA, serverB = serverB, serverA
	}

	if err := clientA.Send([]byte("for A")); err != nil {
		t.Fatalf("Send A: %v", err)
	}
	if err := clientB.Send([]byte("for B")); err != nil {
		t.Fatalf("Send B: %v", err)
	}
	wire.deliverAll()

	if got := receiveAll(t, serverA); !bytes.Equal(got, []byte("for A")) {
		t.Errorf("connection A received %q", got)
	}
	if got := receiveAll(t, serverB); !bytes.Equal(got, []byte("for B")) {
		t.Errorf("connection B received %q", got)
	}
}

func TestListenerBacklogDropsSyn(t *testing.T) {
	wire := newTestWire()
	clock := NewFakeClock(time.Unix(1700000000, 0))
	cfg := DefaultEngineConfig()
	cfg.Connection = testConnConfig()
	serverEngine := NewEngine(cfg, wire, clock)
	clientEngine := NewEngine(cfg, wire, clock)
	wire.engines[testServerAddr] = serverEngine
	wire.engines[testClientAddr] = clientEngine

	listener, err := serverEngine.Listen(testServerAddr, testServerPort, 2)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := clientEngine.Connect(testClientAddr, testServerAddr, testServerPort); err != nil {
			t.Fatalf("Connect %d: %v", i+1, err)
		}
	}
	wire.deliverAll()

	accepted := 0
	for listener.Accept() != nil {
		accepted++
	}
	if accepted != 2 {
		t.Fatalf("accepted %d connections with backlog 2, want 2", accepted)
	}
}

func TestEngineStatsCounters(t *testing.T) {
	p := newTestPair(t, nil)

	stats := p.clientEngine.Stats()
	if stats.ActiveOpens != 1 {
		t.Errorf("client ActiveOpens = %d, want 1", stats.ActiveOpens)
	}
	if stats.CurrentConnections != 1 {
		t.Errorf("client CurrentConnections = %d, want 1", stats.CurrentConnections)
	}
	serverStats := p.serverEngine.Stats()
	if serverStats.PassiveOpens != 1 {
		t.Errorf("server PassiveOpens = %d, want 1", serverStats.PassiveOpens)
	}

	rst := &Segment{
		SrcAddr:         testServerAddr,
		DstAddr:         testClientAddr,
		SourcePort:      testServerPort,
		DestinationPort: p.client.params.LocalPort,
		SequenceNumber:  p.client.rcvNxt,
		Flags:           RSTFlag,
	}
	p.clientEngine.ProcessSegment(frameOf(t, rst), testServerAddr, testClientAddr)

	stats = p.clientEngine.Stats()
	if stats.ResetConnections != 1 {
		t.Errorf("ResetConnections = %d, want 1", stats.ResetConnections)
	}
	if stats.CurrentConnections != 0 {
		t.Errorf("CurrentConnections = %d after teardown, want 0", stats.CurrentConnections)
	}
}
