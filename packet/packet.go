// Package packet defines the typed messages of the crypto manager and
// relay protocols, and a stream that frames them over a network
// connection.
//
// Each message is one frame: a size prefix (see the net package), a one
// byte kind tag and the kind-specific payload, all little-endian.
package packet

import (
	"fmt"

	cnet "github.com/rcdevgames/cabal-rgs/net"
)

// Kind tags a message payload on the wire.
type Kind uint8

const (
	KindConnect             Kind = 0x01
	KindConnectAck          Kind = 0x02
	KindEncryptKey2Request  Kind = 0x03
	KindEncryptKey2Response Kind = 0x04
	KindKeyAuthRequest      Kind = 0x05
	KindKeyAuthResponse     Kind = 0x06
	KindESYM                Kind = 0x07
	KindRegisterRelaySvr    Kind = 0x10
	KindRelayMessage        Kind = 0x11
)

var kindNames = map[Kind]string{
	KindConnect:             "Connect",
	KindConnectAck:          "ConnectAck",
	KindEncryptKey2Request:  "EncryptKey2Request",
	KindEncryptKey2Response: "EncryptKey2Response",
	KindKeyAuthRequest:      "KeyAuthRequest",
	KindKeyAuthResponse:     "KeyAuthResponse",
	KindESYM:                "ESYM",
	KindRegisterRelaySvr:    "RegisterRelaySvr",
	KindRelayMessage:        "RelayMessage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%#x)", uint8(k))
}

// Payload is one typed protocol message.
type Payload interface {
	Kind() Kind
	EncodeTo(msg *cnet.Message) error
	DecodeFrom(msg *cnet.Message) error
}

// Decode reads the kind tag from a framed message and decodes the
// remainder as that kind's payload. An unknown kind or a short payload is
// an error; the caller treats either as fatal for its connection.
func Decode(msg *cnet.Message) (Payload, error) {
	kind, err := msg.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading packet kind: %s", err)
	}

	var p Payload
	switch Kind(kind) {
	case KindConnect:
		p = &Connect{}
	case KindConnectAck:
		p = &ConnectAck{}
	case KindEncryptKey2Request:
		p = &EncryptKey2Request{}
	case KindEncryptKey2Response:
		p = &EncryptKey2Response{}
	case KindKeyAuthRequest:
		p = &KeyAuthRequest{}
	case KindKeyAuthResponse:
		p = &KeyAuthResponse{}
	case KindESYM:
		p = &ESYM{}
	case KindRegisterRelaySvr:
		p = &RegisterRelaySvr{}
	case KindRelayMessage:
		p = &RelayMessage{}
	default:
		return nil, fmt.Errorf("unknown packet kind %#x", kind)
	}

	if err := p.DecodeFrom(msg); err != nil {
		return nil, fmt.Errorf("decoding %v packet: %s", Kind(kind), err)
	}
	return p, nil
}
