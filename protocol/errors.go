package protocol

import "errors"

var (
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrInitialization        = errors.New("link initialization failed")
	ErrPeerRegistration      = errors.New("peer registration failed")
	ErrSendFailure           = errors.New("send failed")
	ErrPayloadTooLarge       = errors.New("payload exceeds link MTU")
	ErrUnknownPeer           = errors.New("peer not registered")
	ErrInvalidAddress        = errors.New("invalid peer address")
	ErrInvalidChannel        = errors.New("invalid channel (valid range: 0-14)")
	ErrEncryptionUnsupported = errors.New("encrypted peers are not supported")
	ErrLinkClosed            = errors.New("link closed")
	ErrLinkNotReady          = errors.New("link not initialized")
	ErrTimeout               = errors.New("operation timed out")
)
