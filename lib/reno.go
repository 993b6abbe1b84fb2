package lib

import "time"

// renoControl is the classic additive-increase/multiplicative-decrease
// baseline (RFC 5681), counted in bytes.
type renoControl struct {
	mss        uint32
	cwnd       uint32
	ssthresh   uint32
	caAckCount uint32 // bytes acknowledged while in congestion avoidance
	inRecovery bool
}

func newRenoControl(mss uint32) *renoControl {
	return &renoControl{
		mss:      mss,
		cwnd:     3 * mss,
		ssthresh: initialSsthresh,
	}
}

func (r *renoControl) OnAck(bytesAcked uint32, _ time.Duration) {
	if r.inRecovery {
		return
	}
	if r.cwnd < r.ssthresh {
		// Slow start: grow by the bytes acknowledged, never crossing
		// into the congestion avoidance range.
		newCwnd := r.cwnd + bytesAcked
		if newCwnd >= r.ssthresh {
			bytesAcked = newCwnd - r.ssthresh
			newCwnd = r.ssthresh
			r.caAckCount = 0
		} else {
			bytesAcked = 0
		}
		r.cwnd = newCwnd
		if bytesAcked == 0 {
			return
		}
	}
	// Congestion avoidance: about one MSS per window's worth of ACKs.
	r.caAckCount += bytesAcked
	if r.caAckCount >= r.cwnd {
		r.caAckCount -= r.cwnd
		r.cwnd += r.mss
	}
}

func (r *renoControl) OnDupAckLoss() {
	r.ssthresh = r.cwnd / 2
	if r.ssthresh < 2*r.mss {
		r.ssthresh = 2 * r.mss
	}
	// Window inflation per RFC 5681: the three duplicate ACKs indicate
	// three segments left the network.
	r.cwnd = r.ssthresh + dupAckThreshold*r.mss
	r.inRecovery = true
}

func (r *renoControl) OnExitRecovery() {
	if r.inRecovery {
		r.cwnd = r.ssthresh
		r.caAckCount = 0
		r.inRecovery = false
	}
}

func (r *renoControl) OnTimeout() {
	r.cwnd, r.ssthresh = timeoutCollapse(r.cwnd, r.mss)
	r.caAckCount = 0
	r.inRecovery = false
}

func (r *renoControl) Cwnd() uint32     { return r.cwnd }
func (r *renoControl) Ssthresh() uint32 { return r.ssthresh }

func (r *renoControl) State() CongestionState {
	switch {
	case r.inRecovery:
		return FastRecovery
	case r.cwnd < r.ssthresh:
		return SlowStart
	default:
		return CongestionAvoidance
	}
}
