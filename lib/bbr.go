package lib

import "time"

// bbrControl is a bandwidth/RTT-probing controller. Instead of ssthresh
// it bounds the window by the estimated bandwidth-delay product: a
// windowed maximum of delivery-rate samples times a windowed minimum of
// observed RTTs. It still degrades to the shared safety floor on timeout.
type bbrControl struct {
	mss      uint32
	clock    Clock
	cwnd     uint32
	ssthresh uint32

	btlBw        float64 // bottleneck bandwidth estimate, bytes/second
	bwSamples    []bbrSample
	minRtt       time.Duration
	minRttSeen   time.Time
	startupCwnd  uint32 // highest cwnd reached while probing
	fullBwCount  int
	fullBwFound  bool
	lastBw       float64
	inRecovery   bool
	recoveryCwnd uint32
}

type bbrSample struct {
	bw   float64
	when time.Time
}

const (
	bbrStartupGain     = 2.885 // 2/ln(2), the startup pacing gain
	bbrCruiseGain      = 2.0   // steady state cwnd gain over the BDP
	bbrBwWindow        = 10 * time.Second
	bbrMinRttWindow    = 10 * time.Second
	bbrFullBwThreshold = 1.25
	bbrFullBwRounds    = 3
)

func newBbrControl(mss uint32, clock Clock) *bbrControl {
	return &bbrControl{
		mss:      mss,
		clock:    clock,
		cwnd:     3 * mss,
		ssthresh: initialSsthresh,
	}
}

func (b *bbrControl) OnAck(bytesAcked uint32, rtt time.Duration) {
	now := b.clock.Now()
	if rtt > 0 {
		if b.minRtt == 0 || rtt < b.minRtt || now.Sub(b.minRttSeen) > bbrMinRttWindow {
			b.minRtt = rtt
			b.minRttSeen = now
		}
		b.recordBandwidth(float64(bytesAcked)/rtt.Seconds(), now)
	}

	if b.inRecovery {
		return
	}

	if !b.fullBwFound {
		// Startup: exponential growth like slow start while the
		// bandwidth estimate keeps improving.
		b.cwnd += bytesAcked
		b.checkFullBandwidth()
	}

	if bdp := b.bdp(); bdp > 0 {
		gain := bbrCruiseGain
		if !b.fullBwFound {
			gain = bbrStartupGain
		}
		target := uint32(float64(bdp) * gain)
		if target < 4*b.mss {
			target = 4 * b.mss
		}
		if b.fullBwFound || b.cwnd > target {
			b.cwnd = target
		}
	}
	if b.cwnd < b.mss {
		b.cwnd = b.mss
	}
}

func (b *bbrControl) recordBandwidth(bw float64, now time.Time) {
	// Drop samples that fell out of the estimation window, then keep
	// the windowed maximum as the bottleneck estimate.
	kept := b.bwSamples[:0]
	for _, s := range b.bwSamples {
		if now.Sub(s.when) <= bbrBwWindow {
			kept = append(kept, s)
		}
	}
	b.bwSamples = append(kept, bbrSample{bw: bw, when: now})
	b.btlBw = 0
	for _, s := range b.bwSamples {
		if s.bw > b.btlBw {
			b.btlBw = s.bw
		}
	}
}

func (b *bbrControl) checkFullBandwidth() {
	if b.btlBw <= b.lastBw*bbrFullBwThreshold {
		b.fullBwCount++
		if b.fullBwCount >= bbrFullBwRounds {
			b.fullBwFound = true
		}
	} else {
		b.lastBw = b.btlBw
		b.fullBwCount = 0
	}
}

// bdp is the bandwidth-delay product in bytes, zero until both estimates
// exist.
func (b *bbrControl) bdp() uint32 {
	if b.btlBw == 0 || b.minRtt == 0 {
		return 0
	}
	return uint32(b.btlBw * b.minRtt.Seconds())
}

func (b *bbrControl) OnDupAckLoss() {
	b.ssthresh = b.cwnd / 2
	if b.ssthresh < 2*b.mss {
		b.ssthresh = 2 * b.mss
	}
	b.recoveryCwnd = b.cwnd
	b.cwnd = b.ssthresh
	if b.cwnd < b.mss {
		b.cwnd = b.mss
	}
	b.inRecovery = true
}

func (b *bbrControl) OnExitRecovery() {
	if !b.inRecovery {
		return
	}
	b.inRecovery = false
	// Resume at the BDP bound rather than the pre-loss window.
	if bdp := b.bdp(); bdp > 0 {
		b.cwnd = uint32(float64(bdp) * bbrCruiseGain)
	}
	if b.cwnd < b.mss {
		b.cwnd = b.mss
	}
}

func (b *bbrControl) OnTimeout() {
	b.cwnd, b.ssthresh = timeoutCollapse(b.cwnd, b.mss)
	b.fullBwFound = false
	b.fullBwCount = 0
	b.lastBw = 0
	b.inRecovery = false
}

func (b *bbrControl) Cwnd() uint32     { return b.cwnd }
func (b *bbrControl) Ssthresh() uint32 { return b.ssthresh }

func (b *bbrControl) State() CongestionState {
	switch {
	case b.inRecovery:
		return FastRecovery
	case !b.fullBwFound:
		return SlowStart
	default:
		return CongestionAvoidance
	}
}
