package lib

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"log"
	"net/netip"
)

// isnGenerator produces initial sequence numbers that are hard to predict
// from outside (RFC 6528): a one-way hash over a boot-time secret and the
// connection 4-tuple, plus a monotonically increasing clock component, so
// two connections to the same peer at different times get unrelated ISNs.
type isnGenerator struct {
	secret [32]byte
	clock  Clock
}

func newIsnGenerator(clock Clock) *isnGenerator {
	g := &isnGenerator{clock: clock}
	if _, err := rand.Read(g.secret[:]); err != nil {
		// crypto/rand failing means the platform entropy source is
		// broken; refusing to start beats predictable ISNs.
		log.Fatalln("ISN generator: cannot read random secret:", err)
	}
	return g
}

func (g *isnGenerator) generate(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) uint32 {
	h := sha256.New()
	h.Write(g.secret[:])
	local16 := localAddr.As16()
	remote16 := remoteAddr.As16()
	h.Write(local16[:])
	h.Write(remote16[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], localPort)
	binary.BigEndian.PutUint16(ports[2:4], remotePort)
	h.Write(ports[:])
	digest := h.Sum(nil)
	hashPart := binary.BigEndian.Uint32(digest[:4])

	// RFC 793 suggests a counter ticking every 4 microseconds; derive
	// the equivalent from the monotonic clock.
	timePart := uint32(g.clock.Now().UnixNano() / 4000)
	return hashPart + timePart
}
