package lib

import (
	"log"
	"time"
)

// CongestionControl is the pluggable congestion control strategy. An
// instance is exclusively owned by one connection and never shared; it is
// selected at connection creation and not swappable afterwards.
//
// All variants share the timeout path as a safety floor: on RTO expiry
// ssthresh drops to half the congestion window and the window collapses
// to one MSS, regardless of which growth algorithm is active.
type CongestionControl interface {
	// OnAck consumes newly acknowledged bytes plus an RTT sample
	// (zero when the ACK did not time a segment).
	OnAck(bytesAcked uint32, rtt time.Duration)

	// OnDupAckLoss handles loss signaled by three duplicate ACKs or an
	// thrice-reported SACK hole: multiplicative decrease, fast recovery.
	OnDupAckLoss()

	// OnExitRecovery is called when a cumulative ACK moves past the
	// recovery point.
	OnExitRecovery()

	// OnTimeout handles retransmission timer expiry.
	OnTimeout()

	Cwnd() uint32
	Ssthresh() uint32
	State() CongestionState
}

// Congestion control algorithm names accepted in configuration.
const (
	CongestionNewReno = "newreno"
	CongestionCubic   = "cubic"
	CongestionBBR     = "bbr"
)

const initialSsthresh = 0xFFFF

// newCongestionControl builds the controller selected by name. Unknown
// names fall back to NewReno.
func newCongestionControl(name string, mss uint32, clock Clock) CongestionControl {
	switch name {
	case CongestionCubic:
		return newCubicControl(mss, clock)
	case CongestionBBR:
		return newBbrControl(mss, clock)
	case CongestionNewReno, "":
		return newRenoControl(mss)
	default:
		log.Printf("Unknown congestion control algorithm %q, falling back to %s\n", name, CongestionNewReno)
		return newRenoControl(mss)
	}
}

// timeoutCollapse is the shared safety floor. Never lets cwnd fall below
// one MSS or ssthresh below two, which would stall the connection.
func timeoutCollapse(cwnd, mss uint32) (newCwnd, newSsthresh uint32) {
	newSsthresh = cwnd / 2
	if newSsthresh < 2*mss {
		newSsthresh = 2 * mss
	}
	return mss, newSsthresh
}
