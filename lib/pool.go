package lib

import (
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
)

var (
	// Pool holds the payload chunks backing segments retained for
	// retransmission. Initialized once by NewEngine.
	Pool *rp.RingPool

	payloadLength int
	emptySlice    []byte
)

// Payload is a fixed-size packet payload chunk.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates one pool chunk. The single parameter is the chunk
// buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: invalid number of parameters, want one: buffer length")
		return nil
	}
	length, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: buffer length parameter must be an int")
		return nil
	}
	if payloadLength == 0 {
		payloadLength = length
		emptySlice = make([]byte, length)
	}
	return &Payload{
		payloadBytes: make([]byte, length),
	}
}

// Reset clears the chunk content before it is handed back out.
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

func (p *Payload) PrintContent() {
	log.Printf("Payload content: %x\n", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return errors.Errorf("payload copy: source slice (%d) is longer than the chunk buffer (%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return errors.New("payload copy: source slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// CopyToPayload moves the segment payload into a pool chunk so the
// segment can be retained past the operation that created it.
func (s *Segment) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		return errors.New("segment CopyToPayload: source slice is empty")
	}
	s.chunk = Pool.GetElement()
	if s.chunk == nil {
		return errors.New("segment CopyToPayload: got a nil chunk")
	}
	if err := s.chunk.Data.(*Payload).Copy(src); err != nil {
		s.ReturnChunk()
		return errors.Wrap(err, "segment CopyToPayload")
	}
	s.Payload = s.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk hands the backing chunk back to the pool once the segment
// is fully acknowledged or dropped.
func (s *Segment) ReturnChunk() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
		s.Payload = nil
	}
}
