package lib

// Flag constants
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	RSTFlag uint8 = 1 << 2
	PSHFlag uint8 = 1 << 3
	ACKFlag uint8 = 1 << 4
	URGFlag uint8 = 1 << 5
	ECEFlag uint8 = 1 << 6
	CWRFlag uint8 = 1 << 7
)

// TCP option kinds
const (
	OptionKindEndOfList      uint8 = 0
	OptionKindNop            uint8 = 1
	OptionKindMSS            uint8 = 2
	OptionKindWindowScale    uint8 = 3
	OptionKindSackPermitted  uint8 = 4
	OptionKindSack           uint8 = 5
	OptionKindTimestamp      uint8 = 8
	OptionKindFastOpenCookie uint8 = 34
)

const (
	TcpHeaderLength         = 20 // options not included
	TcpOptionsMaxLength     = 40
	TcpPseudoHeaderLength   = 12 // IPv4 pseudo header
	TcpPseudoHeaderLengthV6 = 40 // IPv6 pseudo header
	IpHeaderMaxLength       = 60
)

const (
	// ProtocolTCP is the IP protocol number carried in the pseudo header.
	ProtocolTCP uint8 = 6

	// dupAckThreshold triggers fast retransmit per RFC 5681/6675.
	dupAckThreshold = 3

	// maxSackBlocksPerSegment is how many SACK ranges fit in the option
	// space alongside a timestamp option.
	maxSackBlocksPerSegment = 3
)
