// Package nowcomm provides a façade to access the two-node messaging layer.
package nowcomm

import (
	"github.com/ystepanoff/nowcomm/protocol"
	"github.com/ystepanoff/nowcomm/transport"
)

// Re-export types so simple programs need a single import
type (
	PeerAddress = protocol.PeerAddress
	PeerInfo    = protocol.PeerInfo
	Message     = protocol.Message
	Tag         = protocol.Tag
	SendResult  = protocol.SendResult
	Node        = transport.Node
	NodeConfig  = transport.NodeConfig
	LinkLayer   = transport.LinkLayer
)

// Error constants exposed in the public API
var (
	ErrMalformedPayload = protocol.ErrMalformedPayload
	ErrInitialization   = protocol.ErrInitialization
	ErrPeerRegistration = protocol.ErrPeerRegistration
	ErrSendFailure      = protocol.ErrSendFailure
	ErrPayloadTooLarge  = protocol.ErrPayloadTooLarge
	ErrTimeout          = protocol.ErrTimeout
)

// Constants exposed in the public API
const (
	MessageSize = protocol.MessageSize

	OriginPeriodic = protocol.OriginPeriodic
	OriginReply    = protocol.OriginReply

	SendSuccess = protocol.SendSuccess
	SendFailure = protocol.SendFailure
)

func ParsePeerAddress(s string) (PeerAddress, error) { return protocol.ParsePeerAddress(s) }

func EncodeMessage(m *Message) []byte { return protocol.EncodeMessage(m) }

func DecodeMessage(b []byte) (*Message, error) { return protocol.DecodeMessage(b) }
