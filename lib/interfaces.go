package lib

import (
	"net/netip"
	"time"
)

// PacketSender is the IP-layer transmit interface the engine hands
// finished frames to. The IP layer itself is outside this module.
type PacketSender interface {
	SendIPPacket(frame []byte, src, dst netip.Addr, protocolId uint8) error
}

// Clock supplies monotonic timestamps for RTT sampling and timer
// deadlines. Production code uses RealClock; tests drive a fake.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system monotonic clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests and simulations.
type FakeClock struct {
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

func (f *FakeClock) Now() time.Time { return f.current }

func (f *FakeClock) Advance(d time.Duration) { f.current = f.current.Add(d) }
