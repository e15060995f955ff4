package protocol

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// PeerAddress identifies a link-layer endpoint (a station MAC on real radios).
type PeerAddress [AddressSize]byte

// BroadcastAddress reaches every listener on the medium.
var BroadcastAddress = PeerAddress{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ParsePeerAddress accepts "94:B5:55:F6:F6:40", "94-b5-55-f6-f6-40" or the
// bare 12 digit hex form.
func ParsePeerAddress(s string) (PeerAddress, error) {
	var a PeerAddress

	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != AddressSize*2 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if _, err := hex.Decode(a[:], []byte(clean)); err != nil {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return a, nil
}

// MustParsePeerAddress is ParsePeerAddress for constants known to be valid.
func MustParsePeerAddress(s string) PeerAddress {
	a, err := ParsePeerAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Hex returns the lower-case separator-free form, handy for subject and file names.
func (a PeerAddress) Hex() string { return hex.EncodeToString(a[:]) }

func (a PeerAddress) IsZero() bool { return a == PeerAddress{} }

func (a PeerAddress) IsBroadcast() bool { return a == BroadcastAddress }

// MarshalText lets addresses appear in YAML and JSON as their string form.
func (a PeerAddress) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *PeerAddress) UnmarshalText(b []byte) error {
	p, err := ParsePeerAddress(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// RandomAddress returns a unicast, locally administered address read from
// crypto/rand. Used when a host driver is not given a fixed identity.
func RandomAddress() (PeerAddress, error) {
	var a PeerAddress
	if _, err := crand.Read(a[:]); err != nil {
		return a, err
	}
	a[0] = (a[0] | 0x02) &^ 0x01
	return a, nil
}

// PeerInfo is what a node registers with its link layer for the fixed partner.
type PeerInfo struct {
	Address PeerAddress
	Channel uint8 // 0 = whatever channel the link is currently on
	Encrypt bool  // always false, encryption is not supported
}

func (p PeerInfo) Validate() error {
	if p.Address.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	if p.Channel > MaxChannel {
		return ErrInvalidChannel
	}
	if p.Encrypt {
		return ErrEncryptionUnsupported
	}
	return nil
}
