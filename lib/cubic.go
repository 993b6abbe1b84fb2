package lib

import (
	"math"
	"time"
)

// cubicControl implements RFC 8312 window growth: concave towards the
// window at the last congestion event, convex beyond it. Slow start and
// the timeout collapse are shared with NewReno.
type cubicControl struct {
	mss      uint32
	clock    Clock
	cwnd     uint32
	ssthresh uint32

	// wMax and wLastMax are in MSS units, as in the RFC's formulas.
	wMax     float64
	wLastMax float64
	k        float64
	epoch    time.Time // start of the current congestion avoidance epoch
	srtt     time.Duration

	numCongestionEvents int
	inRecovery          bool
}

const (
	cubicC    = 0.4
	cubicBeta = 0.7
)

func newCubicControl(mss uint32, clock Clock) *cubicControl {
	return &cubicControl{
		mss:      mss,
		clock:    clock,
		cwnd:     3 * mss,
		ssthresh: initialSsthresh,
		epoch:    clock.Now(),
	}
}

func (c *cubicControl) OnAck(bytesAcked uint32, rtt time.Duration) {
	if c.inRecovery {
		return
	}
	if rtt > 0 {
		c.srtt = rtt
	}
	if c.cwnd < c.ssthresh {
		newCwnd := c.cwnd + bytesAcked
		if newCwnd >= c.ssthresh {
			newCwnd = c.ssthresh
			c.enterCongestionAvoidance()
		}
		c.cwnd = newCwnd
		return
	}
	c.cwnd = c.avoidanceCwnd(bytesAcked)
}

// enterCongestionAvoidance initializes the cubic epoch when slow start is
// exited without a congestion event (RFC 8312 section 4.8).
func (c *cubicControl) enterCongestionAvoidance() {
	if c.numCongestionEvents == 0 {
		c.k = 0
		c.epoch = c.clock.Now()
		c.wLastMax = c.wMax
		c.wMax = float64(c.cwnd) / float64(c.mss)
	}
}

// cubicWindow computes W_cubic(t) = C*(t-K)^3 + W_max in MSS units.
func (c *cubicControl) cubicWindow(t float64) float64 {
	return cubicC*math.Pow(t-c.k, 3.0) + c.wMax
}

func (c *cubicControl) avoidanceCwnd(bytesAcked uint32) uint32 {
	srtt := c.srtt
	if srtt <= 0 {
		srtt = 100 * time.Millisecond
	}
	elapsed := c.clock.Now().Sub(c.epoch).Seconds()
	wC := c.cubicWindow(elapsed)

	// TCP friendly estimate (RFC 8312 section 4.2).
	wEst := c.wMax*cubicBeta + 3.0*((1.0-cubicBeta)/(1.0+cubicBeta))*(elapsed/srtt.Seconds())

	cwndPkts := float64(c.cwnd) / float64(c.mss)
	if wC < wEst && cwndPkts < wEst {
		return uint32(wEst * float64(c.mss))
	}

	// In the concave/convex region, grow towards the window cubic
	// projects one RTT ahead, a fraction per acknowledged MSS.
	target := c.cubicWindow(elapsed + srtt.Seconds())
	ackedPkts := float64(bytesAcked) / float64(c.mss)
	cwndPkts += (target - cwndPkts) / cwndPkts * ackedPkts
	if cwndPkts < 1 {
		cwndPkts = 1
	}
	return uint32(cwndPkts * float64(c.mss))
}

func (c *cubicControl) OnDupAckLoss() {
	c.numCongestionEvents++
	c.epoch = c.clock.Now()
	c.wLastMax = c.wMax
	c.wMax = float64(c.cwnd) / float64(c.mss)
	c.fastConvergence()
	c.reduceSsthresh()
	c.cwnd = c.ssthresh
	c.inRecovery = true
}

func (c *cubicControl) OnExitRecovery() {
	if c.inRecovery {
		c.epoch = c.clock.Now()
		c.inRecovery = false
	}
}

func (c *cubicControl) OnTimeout() {
	c.epoch = c.clock.Now()
	c.numCongestionEvents = 0
	c.wLastMax = c.wMax
	c.wMax = float64(c.cwnd) / float64(c.mss)
	c.fastConvergence()
	c.cwnd, c.ssthresh = timeoutCollapse(c.cwnd, c.mss)
	c.inRecovery = false
}

// fastConvergence releases bandwidth sooner when window maxima are
// shrinking (RFC 8312 section 4.6).
func (c *cubicControl) fastConvergence() {
	if c.wMax < c.wLastMax {
		c.wLastMax = c.wMax
		c.wMax = c.wMax * (1.0 + cubicBeta) / 2.0
	} else {
		c.wLastMax = c.wMax
	}
	c.k = math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC)
}

func (c *cubicControl) reduceSsthresh() {
	ssthresh := uint32(float64(c.cwnd) * cubicBeta)
	if ssthresh < 2*c.mss {
		ssthresh = 2 * c.mss
	}
	c.ssthresh = ssthresh
}

func (c *cubicControl) Cwnd() uint32     { return c.cwnd }
func (c *cubicControl) Ssthresh() uint32 { return c.ssthresh }

func (c *cubicControl) State() CongestionState {
	switch {
	case c.inRecovery:
		return FastRecovery
	case c.cwnd < c.ssthresh:
		return SlowStart
	default:
		return CongestionAvoidance
	}
}
