package transport

import (
	"context"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

// LinkLayer is the interface that wraps the basic operations of an
// unreliable, connectionless datagram link between fixed peers.
//
// Send only queues a datagram. Its synchronous error means the submission
// was refused (unknown peer, oversized payload, closed link); the delivery
// outcome of an accepted submission arrives later through the completion
// callback, tagged with the Tag passed to Send. Callbacks run on the link's
// own goroutines and may run concurrently with Send.
type LinkLayer interface {
	Initialize(ctx context.Context) error
	LocalAddress() proto.PeerAddress
	RegisterPeer(peer proto.PeerInfo) error
	Send(to proto.PeerAddress, payload []byte, tag proto.Tag) error
	OnReceive(cb func(from proto.PeerAddress, payload []byte))
	OnSendComplete(cb func(proto.SendResult))
	Close() error
}
