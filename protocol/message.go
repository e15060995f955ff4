package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Message is the unit exchanged between the two nodes.
//
// Wire layout (208 bytes, no framing, no version):
//
//	+--------------+-------------+-----------+-------------+
//	| SenderLabel  | Body        | Sequence  | TimestampMs |
//	+--------------+-------------+-----------+-------------+
//	| 50 bytes NUL | 150 bytes   | int32 LE  | uint32 LE   |
//	+--------------+-------------+-----------+-------------+
type Message struct {
	SenderLabel string
	Body        string
	Sequence    int32
	TimestampMs uint32
}

// EncodeMessage writes m into a fresh MessageSize buffer. Strings longer than
// their field are cut at a rune boundary so the last byte of every field is
// always a terminator.
func EncodeMessage(m *Message) []byte {
	data := make([]byte, MessageSize)
	if m == nil {
		return data
	}

	putString(data[0:LabelSize], m.SenderLabel)
	putString(data[LabelSize:LabelSize+BodySize], m.Body)

	off := LabelSize + BodySize
	binary.LittleEndian.PutUint32(data[off:off+SequenceSize], uint32(m.Sequence))
	off += SequenceSize
	binary.LittleEndian.PutUint32(data[off:off+TimestampSize], m.TimestampMs)

	return data
}

// DecodeMessage parses exactly MessageSize bytes. Anything else is rejected
// with ErrMalformedPayload before any field is read.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) != MessageSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPayload, len(data), MessageSize)
	}

	off := LabelSize + BodySize
	m := &Message{
		SenderLabel: getString(data[0:LabelSize]),
		Body:        getString(data[LabelSize:off]),
		Sequence:    int32(binary.LittleEndian.Uint32(data[off : off+SequenceSize])),
		TimestampMs: binary.LittleEndian.Uint32(data[off+SequenceSize : off+SequenceSize+TimestampSize]),
	}
	return m, nil
}

// Truncate returns a copy of m whose strings fit their wire fields, i.e. the
// value DecodeMessage(EncodeMessage(m)) yields.
func (m Message) Truncate() Message {
	m.SenderLabel = fit(m.SenderLabel, MaxLabelLen)
	m.Body = fit(m.Body, MaxBodyLen)
	return m
}

func putString(field []byte, s string) {
	s = fit(s, len(field)-1)
	n := copy(field, s)
	clear(field[n:])
}

// getString reads up to the first NUL. A field with no terminator is read up
// to its bound only.
func getString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// fit cuts s to at most limit bytes without splitting a multi-byte rune, and
// drops anything after an embedded NUL since the receiver would stop there.
func fit(s string, limit int) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(s[cut]); i++ {
		cut--
	}
	if !utf8.RuneStart(s[cut]) {
		cut = limit
	}
	return s[:cut]
}
