package protocol

import "fmt"

// Origin tells which path submitted a send.
type Origin uint8

const (
	OriginPeriodic Origin = 1
	OriginReply    Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginPeriodic:
		return "periodic"
	case OriginReply:
		return "reply"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Tag travels with every submission so the completion callback can be
// attributed to the logical message it belongs to. A periodic send and a
// reply may carry the same sequence, the origin tells them apart.
type Tag struct {
	Origin   Origin
	Sequence int32
}

func (t Tag) String() string { return fmt.Sprintf("%s#%d", t.Origin, t.Sequence) }

type SendStatus uint8

const (
	SendSuccess SendStatus = iota
	SendFailure
)

func (s SendStatus) String() string {
	if s == SendSuccess {
		return "success"
	}
	return "failure"
}

// SendResult is reported asynchronously by a link layer for every accepted
// submission. Results are not guaranteed to arrive in submission order.
type SendResult struct {
	Peer   PeerAddress
	Tag    Tag
	Status SendStatus
	Err    error // cause of a failure, if the link knows one
}
