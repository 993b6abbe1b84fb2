package lib

// State is the RFC 793 connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// CongestionState is the phase a congestion controller is in.
type CongestionState int

const (
	SlowStart CongestionState = iota
	CongestionAvoidance
	FastRecovery
)

func (c CongestionState) String() string {
	switch c {
	case SlowStart:
		return "SLOW-START"
	case CongestionAvoidance:
		return "CONGESTION-AVOIDANCE"
	case FastRecovery:
		return "FAST-RECOVERY"
	default:
		return "UNKNOWN"
	}
}
