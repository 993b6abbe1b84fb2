package lib

import (
	"encoding/binary"
	"net/netip"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
)

// SackBlock is one received-but-not-cumulatively-acked range. The right
// edge is exclusive, as on the wire.
type SackBlock struct {
	LeftEdge  uint32
	RightEdge uint32
}

// Options carries the TCP options of a segment. Zero values mean "not
// present" except SackPermitted and TimestampEnabled which are explicit.
type Options struct {
	MSS                   uint16
	WindowScaleShiftCount uint8
	PermitSack            bool
	SackBlocks            []SackBlock
	TimestampEnabled      bool
	Timestamp             uint32
	TsEchoReplyValue      uint32
	FastOpenCookie        []byte
}

// Segment represents one TCP segment. Segments are value objects created
// per transmission or reception; they outlive the operation that produced
// them only when retained in the retransmission queue.
type Segment struct {
	SrcAddr, DstAddr  netip.Addr
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	Checksum          uint16
	UrgentPointer     uint16
	Options           Options
	Payload           []byte

	chunk *rp.Element // memory chunk backing Payload when retained
}

// optionsLength returns the encoded option bytes before padding.
func (s *Segment) optionsLength() int {
	length := 0
	if s.Options.MSS > 0 {
		length += 4
	}
	if s.Options.WindowScaleShiftCount > 0 {
		length += 3
	}
	if s.Options.PermitSack {
		length += 2
	}
	if len(s.Options.SackBlocks) > 0 {
		n := len(s.Options.SackBlocks)
		if n > maxSackBlocksPerSegment {
			n = maxSackBlocksPerSegment
		}
		length += 2 + n*8
	}
	if s.Options.TimestampEnabled {
		length += 10
	}
	if len(s.Options.FastOpenCookie) > 0 {
		length += 2 + len(s.Options.FastOpenCookie)
	}
	return length
}

// PseudoHeaderLength returns the checksum pseudo header size for the
// segment's address family.
func (s *Segment) PseudoHeaderLength() int {
	if s.SrcAddr.Is4() {
		return TcpPseudoHeaderLength
	}
	return TcpPseudoHeaderLengthV6
}

// Marshal serializes the segment into buffer. The first
// PseudoHeaderLength() bytes of buffer are used as pseudo header scratch
// for the checksum; the wire frame starts right after them. Returns the
// frame length.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	pseudoLen := s.PseudoHeaderLength()

	optionsLength := s.optionsLength()
	if optionsLength > TcpOptionsMaxLength {
		return 0, errors.Errorf("options occupy %d bytes, more than the %d the header can carry", optionsLength, TcpOptionsMaxLength)
	}
	padding := 0
	if optionsLength%4 != 0 {
		padding = 4 - optionsLength%4
	}
	totalHeaderLength := TcpHeaderLength + optionsLength + padding

	frameLength := totalHeaderLength + len(s.Payload)
	if frameLength+pseudoLen > len(buffer) {
		return 0, errors.Errorf("buffer size (%d) is too small to hold the frame (%d) plus pseudo header", len(buffer), frameLength)
	}

	frame := buffer[pseudoLen:]

	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AcknowledgmentNum)
	frame[12] = uint8(totalHeaderLength/4) << 4 // data offset, reserved bits zero
	frame[13] = s.Flags
	binary.BigEndian.PutUint16(frame[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(frame[16:18], 0) // checksum filled in below
	binary.BigEndian.PutUint16(frame[18:20], s.UrgentPointer)

	offset := TcpHeaderLength
	if s.Options.MSS > 0 {
		frame[offset] = OptionKindMSS
		frame[offset+1] = 4
		binary.BigEndian.PutUint16(frame[offset+2:offset+4], s.Options.MSS)
		offset += 4
	}
	if s.Options.WindowScaleShiftCount > 0 {
		frame[offset] = OptionKindWindowScale
		frame[offset+1] = 3
		frame[offset+2] = s.Options.WindowScaleShiftCount
		offset += 3
	}
	if s.Options.PermitSack {
		frame[offset] = OptionKindSackPermitted
		frame[offset+1] = 2
		offset += 2
	}
	if len(s.Options.SackBlocks) > 0 {
		n := len(s.Options.SackBlocks)
		if n > maxSackBlocksPerSegment {
			n = maxSackBlocksPerSegment
		}
		frame[offset] = OptionKindSack
		frame[offset+1] = byte(2 + n*8)
		offset += 2
		for _, block := range s.Options.SackBlocks[:n] {
			binary.BigEndian.PutUint32(frame[offset:offset+4], block.LeftEdge)
			binary.BigEndian.PutUint32(frame[offset+4:offset+8], block.RightEdge)
			offset += 8
		}
	}
	if s.Options.TimestampEnabled {
		frame[offset] = OptionKindTimestamp
		frame[offset+1] = 10
		binary.BigEndian.PutUint32(frame[offset+2:offset+6], s.Options.Timestamp)
		binary.BigEndian.PutUint32(frame[offset+6:offset+10], s.Options.TsEchoReplyValue)
		offset += 10
	}
	if len(s.Options.FastOpenCookie) > 0 {
		frame[offset] = OptionKindFastOpenCookie
		frame[offset+1] = byte(2 + len(s.Options.FastOpenCookie))
		copy(frame[offset+2:], s.Options.FastOpenCookie)
		offset += 2 + len(s.Options.FastOpenCookie)
	}
	for i := 0; i < padding; i++ {
		frame[offset+i] = OptionKindNop
	}

	copy(frame[totalHeaderLength:], s.Payload)

	if err := assemblePseudoHeader(buffer[:pseudoLen], s.SrcAddr, s.DstAddr, ProtocolTCP, uint32(frameLength)); err != nil {
		return 0, err
	}
	checksum := CalculateChecksum(buffer[:pseudoLen+frameLength])
	binary.BigEndian.PutUint16(frame[16:18], checksum)
	s.Checksum = checksum

	return frameLength, nil
}

// Unmarshal parses a wire frame into the segment. It fails on truncated
// headers, a data offset below the minimum header size, or option lengths
// exceeding the remaining bytes; unknown option kinds are skipped using
// their declared length.
func (s *Segment) Unmarshal(data []byte, srcAddr, dstAddr netip.Addr) error {
	if len(data) < TcpHeaderLength {
		return errors.Errorf("frame length (%d) is too short to be a TCP segment", len(data))
	}
	s.SrcAddr = srcAddr
	s.DstAddr = dstAddr
	s.SourcePort = binary.BigEndian.Uint16(data[0:2])
	s.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	s.SequenceNumber = binary.BigEndian.Uint32(data[4:8])
	s.AcknowledgmentNum = binary.BigEndian.Uint32(data[8:12])
	s.Flags = data[13]
	s.WindowSize = binary.BigEndian.Uint16(data[14:16])
	s.Checksum = binary.BigEndian.Uint16(data[16:18])
	s.UrgentPointer = binary.BigEndian.Uint16(data[18:20])

	headerLength := int(data[12]>>4) * 4
	if headerLength < TcpHeaderLength {
		return errors.Errorf("data offset (%d) is smaller than the minimum header size", headerLength)
	}
	if headerLength > len(data) {
		return errors.Errorf("data offset (%d) exceeds frame length (%d)", headerLength, len(data))
	}

	if err := s.parseOptions(data[TcpHeaderLength:headerLength]); err != nil {
		return err
	}

	if len(data) > headerLength {
		s.Payload = data[headerLength:]
	} else {
		s.Payload = nil
	}
	return nil
}

func (s *Segment) parseOptions(optionsBytes []byte) error {
	s.Options = Options{}
	for i := 0; i < len(optionsBytes); {
		kind := optionsBytes[i]
		if kind == OptionKindEndOfList {
			break
		}
		if kind == OptionKindNop {
			i++
			continue
		}
		if i+1 >= len(optionsBytes) {
			return errors.New("option kind without length byte")
		}
		optionLength := int(optionsBytes[i+1])
		if optionLength < 2 || i+optionLength > len(optionsBytes) {
			return errors.Errorf("option %d length (%d) exceeds remaining option bytes", kind, optionLength)
		}
		switch kind {
		case OptionKindMSS:
			if optionLength == 4 {
				s.Options.MSS = binary.BigEndian.Uint16(optionsBytes[i+2 : i+4])
			}
		case OptionKindWindowScale:
			if optionLength == 3 {
				s.Options.WindowScaleShiftCount = optionsBytes[i+2]
			}
		case OptionKindSackPermitted:
			if optionLength == 2 {
				s.Options.PermitSack = true
			}
		case OptionKindSack:
			if (optionLength-2)%8 == 0 {
				for j := i + 2; j < i+optionLength; j += 8 {
					s.Options.SackBlocks = append(s.Options.SackBlocks, SackBlock{
						LeftEdge:  binary.BigEndian.Uint32(optionsBytes[j : j+4]),
						RightEdge: binary.BigEndian.Uint32(optionsBytes[j+4 : j+8]),
					})
				}
			}
		case OptionKindTimestamp:
			if optionLength == 10 {
				s.Options.TimestampEnabled = true
				s.Options.Timestamp = binary.BigEndian.Uint32(optionsBytes[i+2 : i+6])
				s.Options.TsEchoReplyValue = binary.BigEndian.Uint32(optionsBytes[i+6 : i+10])
			}
		case OptionKindFastOpenCookie:
			if optionLength > 2 {
				s.Options.FastOpenCookie = append([]byte(nil), optionsBytes[i+2:i+optionLength]...)
			}
		default:
			// unknown option kind, skip it using its declared length
		}
		i += optionLength
	}
	return nil
}

// addChecksum accumulates buffer into a ones' complement running sum.
func addChecksum(sum uint32, buffer []byte) uint32 {
	for i := 0; i+1 < len(buffer); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	if len(buffer)%2 != 0 {
		sum += uint32(buffer[len(buffer)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// CalculateChecksum computes the Internet checksum over buffer, which must
// already contain the pseudo header followed by the frame with a zeroed
// checksum field.
func CalculateChecksum(buffer []byte) uint16 {
	return foldChecksum(addChecksum(0, buffer))
}

// VerifyChecksum validates the checksum of a received wire frame against
// the pseudo header derived from the IP addresses. The frame is not
// modified.
func VerifyChecksum(frame []byte, srcAddr, dstAddr netip.Addr) bool {
	if len(frame) < TcpHeaderLength {
		return false
	}
	var scratch [TcpPseudoHeaderLengthV6]byte
	pseudoLen := TcpPseudoHeaderLength
	if !srcAddr.Is4() {
		pseudoLen = TcpPseudoHeaderLengthV6
	}
	if err := assemblePseudoHeader(scratch[:pseudoLen], srcAddr, dstAddr, ProtocolTCP, uint32(len(frame))); err != nil {
		return false
	}
	sum := addChecksum(0, scratch[:pseudoLen])
	sum = addChecksum(sum, frame[:16]) // up to the checksum field
	sum = addChecksum(sum, frame[18:]) // past it, field counted as zero
	received := binary.BigEndian.Uint16(frame[16:18])
	return foldChecksum(sum) == received
}

// assemblePseudoHeader fills buffer with the checksum pseudo header.
// IPv4 uses 12 bytes (addresses, zero, protocol, 16-bit length); IPv6 uses
// 40 bytes (addresses, 32-bit length, zeros, next header).
func assemblePseudoHeader(buffer []byte, srcAddr, dstAddr netip.Addr, protocolId uint8, frameLength uint32) error {
	if srcAddr.Is4() != dstAddr.Is4() {
		return errors.New("pseudo header: address family mismatch")
	}
	if srcAddr.Is4() {
		if len(buffer) != TcpPseudoHeaderLength {
			return errors.Errorf("pseudo header buffer length (%d) is not %d", len(buffer), TcpPseudoHeaderLength)
		}
		src := srcAddr.As4()
		dst := dstAddr.As4()
		copy(buffer[0:4], src[:])
		copy(buffer[4:8], dst[:])
		buffer[8] = 0
		buffer[9] = protocolId
		binary.BigEndian.PutUint16(buffer[10:12], uint16(frameLength))
		return nil
	}
	if len(buffer) != TcpPseudoHeaderLengthV6 {
		return errors.Errorf("pseudo header buffer length (%d) is not %d", len(buffer), TcpPseudoHeaderLengthV6)
	}
	src := srcAddr.As16()
	dst := dstAddr.As16()
	copy(buffer[0:16], src[:])
	copy(buffer[16:32], dst[:])
	binary.BigEndian.PutUint32(buffer[32:36], frameLength)
	buffer[36] = 0
	buffer[37] = 0
	buffer[38] = 0
	buffer[39] = protocolId
	return nil
}
