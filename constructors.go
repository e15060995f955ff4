package nowcomm

import (
	"github.com/rs/zerolog"

	"github.com/ystepanoff/nowcomm/driver/udp"
	"github.com/ystepanoff/nowcomm/protocol"
	"github.com/ystepanoff/nowcomm/transport"
)

// NewInitiator returns the Device_A side over UDP: it sends a numbered
// message to peer at endpoint every five seconds and logs the replies.
func NewInitiator(local, peer PeerAddress, endpoint, listen string, logger zerolog.Logger) (*Node, error) {
	link := udp.New(udp.Config{Listen: listen, Address: local}, logger)
	if err := link.SetEndpoint(peer, endpoint); err != nil {
		return nil, err
	}
	return transport.NewNode(transport.NodeConfig{
		Label:        "Device_A",
		Peer:         protocol.PeerInfo{Address: peer},
		SendInterval: protocol.DefaultSendInterval,
		ListenOnly:   true,
		InitAttempts: 3,
	}, link, logger), nil
}

// NewResponder returns the Device_B side over UDP: it answers every message
// from peer after a short pause. The peer's endpoint is learned from its
// first message.
func NewResponder(local, peer PeerAddress, listen string, logger zerolog.Logger) *Node {
	link := udp.New(udp.Config{Listen: listen, Address: local}, logger)
	return transport.NewNode(transport.NodeConfig{
		Label:        "Device_B",
		Peer:         protocol.PeerInfo{Address: peer},
		ReplyDelay:   protocol.DefaultReplyDelay,
		InitAttempts: 3,
	}, link, logger)
}
