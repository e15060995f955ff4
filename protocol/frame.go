package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	sourceOffset = LengthFieldSize
	typeOffset   = sourceOffset + AddressSize
	seqOffset    = typeOffset + 1
)

// Frame is the envelope host drivers put around a datagram so the receiving
// side learns the source address and can acknowledge delivery.
// Layout: Length(2, LE) | Source(6) | Type(1) | Seq(4) | Payload(0-250) | CRC32(4) | Terminal(1)
// Length counts everything after the length field.
type Frame struct {
	Length  uint16
	Source  PeerAddress
	Type    byte
	Seq     uint32
	Payload []byte
	CRC     uint32 // decoded Frames only; ignored by encoder
}

// EncodeFrame serialises p. Payloads beyond MaxDatagramSize are truncated;
// drivers reject those earlier with ErrPayloadTooLarge.
func EncodeFrame(p *Frame) []byte {
	if p == nil {
		return make([]byte, 0)
	}

	payload := p.Payload
	if len(payload) > MaxDatagramSize {
		payload = payload[:MaxDatagramSize]
	}
	payloadLen := len(payload)

	bodyLen := headerWithoutLen + payloadLen + CRCSize + TerminalSize // bytes AFTER Length field
	totalLen := LengthFieldSize + bodyLen

	data := make([]byte, totalLen)
	binary.LittleEndian.PutUint16(data[0:LengthFieldSize], uint16(bodyLen))
	copy(data[sourceOffset:typeOffset], p.Source[:])
	data[typeOffset] = p.Type
	binary.LittleEndian.PutUint32(data[seqOffset:FrameHeaderSize], p.Seq)

	if payloadLen > 0 {
		copy(data[FrameHeaderSize:], payload)
	}

	// CRC32 over the payload only
	var crc uint32
	if payloadLen > 0 {
		crc = crc32.ChecksumIEEE(payload)
	}
	crcPos := FrameHeaderSize + payloadLen
	binary.LittleEndian.PutUint32(data[crcPos:crcPos+CRCSize], crc)

	data[totalLen-1] = FrameTerminal

	p.Length = uint16(bodyLen)

	return data
}

// DecodeFrame returns nil for anything that is not a complete, intact frame.
func DecodeFrame(data []byte) *Frame {
	// Must at least fit header + CRC + Terminal
	minLen := FrameHeaderSize + CRCSize + TerminalSize
	if len(data) < minLen {
		return nil
	}

	bodyLen := int(binary.LittleEndian.Uint16(data[0:LengthFieldSize]))
	if bodyLen == 0 || (bodyLen+LengthFieldSize) > len(data) {
		return nil
	}

	if data[LengthFieldSize+bodyLen-1] != FrameTerminal {
		return nil
	}

	payloadLen := bodyLen - headerWithoutLen - (CRCSize + TerminalSize)
	if payloadLen < 0 || payloadLen > MaxDatagramSize {
		return nil
	}

	payloadOffset := FrameHeaderSize
	crcOffset := payloadOffset + payloadLen

	recvCRC := binary.LittleEndian.Uint32(data[crcOffset : crcOffset+CRCSize])
	calcCRC := uint32(0)
	if payloadLen > 0 {
		calcCRC = crc32.ChecksumIEEE(data[payloadOffset:crcOffset])
	}
	if recvCRC != calcCRC {
		return nil
	}

	p := &Frame{
		Length: uint16(bodyLen),
		Type:   data[typeOffset],
		Seq:    binary.LittleEndian.Uint32(data[seqOffset:FrameHeaderSize]),
		CRC:    recvCRC,
	}
	copy(p.Source[:], data[sourceOffset:typeOffset])

	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[payloadOffset:crcOffset])

	return p
}
