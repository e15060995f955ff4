package protocol

import "time"

// Generic link & message constants (platform independent). All higher layers should depend on this file.
const (
	// Message layout (fixed, 208 bytes):
	//   Label (50, NUL-terminated) | Body (150, NUL-terminated) | Sequence (int32 LE) | Timestamp (uint32 LE)
	LabelSize     = 50
	BodySize      = 150
	SequenceSize  = 4
	TimestampSize = 4
	MessageSize   = LabelSize + BodySize + SequenceSize + TimestampSize // 208 bytes

	// Usable text lengths, one byte is always reserved for the terminator
	MaxLabelLen = LabelSize - 1
	MaxBodyLen  = BodySize - 1

	// Largest datagram the link accepts (ESP-NOW v1 payload limit)
	MaxDatagramSize = 250

	// Link frame sizing
	// Layout:
	//   Length (2) | Source (6) | Type (1) | Seq (4) | Payload (0-250) | CRC32 (4) | Terminal (1)
	// Length counts everything after the length field.
	LengthFieldSize   = 2
	AddressSize       = 6
	SequenceFieldSize = 4
	CRCSize           = 4 // CRC32, little-endian
	TerminalSize      = 1

	// Length field + Source + Type + Seq = 13 bytes before payload
	FrameHeaderSize = LengthFieldSize + AddressSize + 1 + SequenceFieldSize

	// Total maximum Frame length on the wire (including length, CRC, Terminal)
	MaxFrameSize = FrameHeaderSize + MaxDatagramSize + CRCSize + TerminalSize

	// Frame types
	FrameTypeData = 0x02
	FrameTypeAck  = 0x04

	// Terminal byte value appended to the end of every Frame
	FrameTerminal = 0x55

	// Highest Wi-Fi channel a peer can be pinned to (0 means "current channel")
	MaxChannel = 14

	// internal helper (bytes in header after the length field)
	headerWithoutLen = FrameHeaderSize - LengthFieldSize
)

// Exchange defaults.
const (
	DefaultSendInterval  = 5000 * time.Millisecond
	DefaultReplyDelay    = 100 * time.Millisecond
	DefaultSendTemplate  = "Hello! This is message number %d"
	DefaultReplyTemplate = "Reply to message #%d - Thanks!"
)
