package packet

// Payloads of the relay service sub-dialect.

import (
	cnet "github.com/rcdevgames/cabal-rgs/net"
)

// ServiceID identifies a server-side service in relay registrations.
type ServiceID byte

const (
	ServiceUnknown   ServiceID = 0
	ServiceWorldMgr  ServiceID = 1
	ServiceLoginMgr  ServiceID = 2
	ServiceGlobalMgr ServiceID = 3
	ServiceCryptoMgr ServiceID = 4
)

// RegisterRelaySvr registers a peer with the relay service, echoing the
// service metadata announced in the relay's ConnectAck.
type RegisterRelaySvr struct {
	Service   ServiceID
	WorldID   byte
	ChannelID byte
}

func (*RegisterRelaySvr) Kind() Kind { return KindRegisterRelaySvr }

func (p *RegisterRelaySvr) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteByte(byte(p.Service)); err != nil {
		return err
	}
	if err := msg.WriteByte(p.WorldID); err != nil {
		return err
	}
	return msg.WriteByte(p.ChannelID)
}

func (p *RegisterRelaySvr) DecodeFrom(msg *cnet.Message) error {
	svc, err := msg.ReadByte()
	if err != nil {
		return err
	}
	p.Service = ServiceID(svc)
	if p.WorldID, err = msg.ReadByte(); err != nil {
		return err
	}
	p.ChannelID, err = msg.ReadByte()
	return err
}

// RelayMessage is an opaque payload forwarded through a registered relay
// connection.
type RelayMessage struct {
	Bytes []byte
}

func (*RelayMessage) Kind() Kind { return KindRelayMessage }

func (p *RelayMessage) EncodeTo(msg *cnet.Message) error {
	_, err := msg.Write(p.Bytes)
	return err
}

func (p *RelayMessage) DecodeFrom(msg *cnet.Message) error {
	p.Bytes = append([]byte(nil), msg.Bytes()...)
	msg.Reset()
	return nil
}
