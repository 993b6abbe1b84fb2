package lib

import "time"

// rttEstimator keeps the smoothed round-trip time and its variance and
// derives the retransmission timeout from them (RFC 6298).
type rttEstimator struct {
	srtt       time.Duration
	rttVar     time.Duration
	hasSample  bool
	rtoMin     time.Duration
	rtoMax     time.Duration
	currentRTO time.Duration
}

func newRttEstimator(rtoMin, rtoMax, initialRTO time.Duration) *rttEstimator {
	return &rttEstimator{
		rtoMin:     rtoMin,
		rtoMax:     rtoMax,
		currentRTO: initialRTO,
	}
}

// addSample folds one RTT measurement into the estimate. Samples from
// retransmitted segments must not be fed in (Karn's rule); the caller
// enforces that.
func (r *rttEstimator) addSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	if !r.hasSample {
		r.srtt = rtt
		r.rttVar = rtt / 2
		r.hasSample = true
	} else {
		diff := r.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		r.rttVar = (3*r.rttVar + diff) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.currentRTO = r.clamp(r.srtt + 4*r.rttVar)
}

// backoff doubles the RTO up to the configured maximum.
func (r *rttEstimator) backoff() {
	r.currentRTO = r.clamp(r.currentRTO * 2)
}

// resetBackoff recomputes the RTO from the current estimate, discarding
// any accumulated exponential backoff.
func (r *rttEstimator) resetBackoff() {
	if r.hasSample {
		r.currentRTO = r.clamp(r.srtt + 4*r.rttVar)
	}
}

func (r *rttEstimator) rto() time.Duration {
	return r.currentRTO
}

func (r *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < r.rtoMin {
		return r.rtoMin
	}
	if d > r.rtoMax {
		return r.rtoMax
	}
	return d
}
