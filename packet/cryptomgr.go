package packet

// This file contains the payloads of the crypto manager dialect: the
// initial hello, key exchange, key authentication and the ESYM resource
// transfer.

import (
	"fmt"

	cnet "github.com/rcdevgames/cabal-rgs/net"
)

// Connect is the first message a client sends on any service connection.
// Both fields carry fixed sentinel values.
type Connect struct {
	Unk1    byte
	WorldID byte
}

func (*Connect) Kind() Kind { return KindConnect }

func (p *Connect) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteByte(p.Unk1); err != nil {
		return err
	}
	return msg.WriteByte(p.WorldID)
}

func (p *Connect) DecodeFrom(msg *cnet.Message) error {
	var err error
	if p.Unk1, err = msg.ReadByte(); err != nil {
		return err
	}
	p.WorldID, err = msg.ReadByte()
	return err
}

// ConnectAck acknowledges a Connect. Its payload is an opaque byte vector
// whose content differs per service dialect; the bytes are
// wire-compatibility constants with no documented meaning.
type ConnectAck struct {
	Bytes []byte
}

func (*ConnectAck) Kind() Kind { return KindConnectAck }

func (p *ConnectAck) EncodeTo(msg *cnet.Message) error {
	_, err := msg.Write(p.Bytes)
	return err
}

func (p *ConnectAck) DecodeFrom(msg *cnet.Message) error {
	p.Bytes = append([]byte(nil), msg.Bytes()...)
	msg.Reset()
	return nil
}

// EncryptKey2Request asks the server to establish the session key. The
// split point is word-masked on the wire and diagnostic only.
type EncryptKey2Request struct {
	KeySplitPoint uint32
}

func (*EncryptKey2Request) Kind() Kind { return KindEncryptKey2Request }

func (p *EncryptKey2Request) EncodeTo(msg *cnet.Message) error {
	return msg.WriteUint32(p.KeySplitPoint)
}

func (p *EncryptKey2Request) DecodeFrom(msg *cnet.Message) error {
	var err error
	p.KeySplitPoint, err = msg.ReadUint32()
	return err
}

// EncryptKey2Response carries the session key, each byte individually
// masked. The key is never sent in clear.
type EncryptKey2Response struct {
	KeySplitPoint uint32
	ShortKey      []byte
}

func (*EncryptKey2Response) Kind() Kind { return KindEncryptKey2Response }

func (p *EncryptKey2Response) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteUint32(p.KeySplitPoint); err != nil {
		return err
	}
	return msg.WriteBytesPrefixed(p.ShortKey)
}

func (p *EncryptKey2Response) DecodeFrom(msg *cnet.Message) error {
	var err error
	if p.KeySplitPoint, err = msg.ReadUint32(); err != nil {
		return err
	}
	p.ShortKey, err = msg.ReadBytesPrefixed()
	return err
}

// KeyAuthRequest authenticates the client under the established session
// key. The four data fields are byte-masked and enciphered; Unk1 and Unk2
// are reserved and must be zero. SrcHash and BinBuf are variable length,
// in whole cipher blocks.
type KeyAuthRequest struct {
	XorPort  uint32
	Unk1     uint32
	Unk2     uint32
	IPOrigin [16]byte
	IPLocal  [16]byte
	SrcHash  []byte
	BinBuf   []byte
}

func (*KeyAuthRequest) Kind() Kind { return KindKeyAuthRequest }

func (p *KeyAuthRequest) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteUint32(p.XorPort); err != nil {
		return err
	}
	if err := msg.WriteUint32(p.Unk1); err != nil {
		return err
	}
	if err := msg.WriteUint32(p.Unk2); err != nil {
		return err
	}
	if _, err := msg.Write(p.IPOrigin[:]); err != nil {
		return err
	}
	if _, err := msg.Write(p.IPLocal[:]); err != nil {
		return err
	}
	if err := msg.WriteBytesPrefixed(p.SrcHash); err != nil {
		return err
	}
	return msg.WriteBytesPrefixed(p.BinBuf)
}

func (p *KeyAuthRequest) DecodeFrom(msg *cnet.Message) error {
	var err error
	if p.XorPort, err = msg.ReadUint32(); err != nil {
		return err
	}
	if p.Unk1, err = msg.ReadUint32(); err != nil {
		return err
	}
	if p.Unk2, err = msg.ReadUint32(); err != nil {
		return err
	}
	if err = msg.ReadFull(p.IPOrigin[:]); err != nil {
		return err
	}
	if err = msg.ReadFull(p.IPLocal[:]); err != nil {
		return err
	}
	if p.SrcHash, err = msg.ReadBytesPrefixed(); err != nil {
		return err
	}
	p.BinBuf, err = msg.ReadBytesPrefixed()
	return err
}

// KeyAuthResponse carries fixed acknowledgement flags, the loopback
// address and the three resource script names, each enciphered under the
// session key and byte-masked. The XorUnk fields are masked opaque
// constants.
type KeyAuthResponse struct {
	Unk1    uint32
	XorUnk2 uint32
	IPLocal [16]byte
	XorUnk3 byte
	EncItem [16]byte
	XorUnk4 byte
	EncMobs [16]byte
	XorUnk5 byte
	EncWarp [16]byte
	Port    uint16
}

func (*KeyAuthResponse) Kind() Kind { return KindKeyAuthResponse }

func (p *KeyAuthResponse) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteUint32(p.Unk1); err != nil {
		return err
	}
	if err := msg.WriteUint32(p.XorUnk2); err != nil {
		return err
	}
	if _, err := msg.Write(p.IPLocal[:]); err != nil {
		return err
	}
	if err := msg.WriteByte(p.XorUnk3); err != nil {
		return err
	}
	if _, err := msg.Write(p.EncItem[:]); err != nil {
		return err
	}
	if err := msg.WriteByte(p.XorUnk4); err != nil {
		return err
	}
	if _, err := msg.Write(p.EncMobs[:]); err != nil {
		return err
	}
	if err := msg.WriteByte(p.XorUnk5); err != nil {
		return err
	}
	if _, err := msg.Write(p.EncWarp[:]); err != nil {
		return err
	}
	return msg.WriteUint16(p.Port)
}

func (p *KeyAuthResponse) DecodeFrom(msg *cnet.Message) error {
	var err error
	if p.Unk1, err = msg.ReadUint32(); err != nil {
		return err
	}
	if p.XorUnk2, err = msg.ReadUint32(); err != nil {
		return err
	}
	if err = msg.ReadFull(p.IPLocal[:]); err != nil {
		return err
	}
	if p.XorUnk3, err = msg.ReadByte(); err != nil {
		return err
	}
	if err = msg.ReadFull(p.EncItem[:]); err != nil {
		return err
	}
	if p.XorUnk4, err = msg.ReadByte(); err != nil {
		return err
	}
	if err = msg.ReadFull(p.EncMobs[:]); err != nil {
		return err
	}
	if p.XorUnk5, err = msg.ReadByte(); err != nil {
		return err
	}
	if err = msg.ReadFull(p.EncWarp[:]); err != nil {
		return err
	}
	p.Port, err = msg.ReadUint16()
	return err
}

// ESYM is the resource transfer container. Both the request and the
// response travel as a nested binary encoding inside Bytes.
type ESYM struct {
	Bytes []byte
}

func (*ESYM) Kind() Kind { return KindESYM }

func (p *ESYM) EncodeTo(msg *cnet.Message) error {
	_, err := msg.Write(p.Bytes)
	return err
}

func (p *ESYM) DecodeFrom(msg *cnet.Message) error {
	p.Bytes = append([]byte(nil), msg.Bytes()...)
	msg.Reset()
	return nil
}

// ESYMRequest is the nested encoding inside a client ESYM container: a
// numeric nation id and the source hash naming the requested file.
type ESYMRequest struct {
	Nation  uint32
	SrcHash string
}

// DecodeESYMRequest decodes the nested request. Bytes trailing the
// decoded fields are a protocol violation.
func DecodeESYMRequest(b []byte) (*ESYMRequest, error) {
	msg := cnet.NewMessage()
	msg.Write(b)

	var req ESYMRequest
	var err error
	if req.Nation, err = msg.ReadUint32(); err != nil {
		return nil, err
	}
	if req.SrcHash, err = msg.ReadCabalString(); err != nil {
		return nil, err
	}
	if msg.Len() != 0 {
		return nil, fmt.Errorf("trailing %d bytes in ESYM request", msg.Len())
	}
	return &req, nil
}

// EncodeTo writes the nested request encoding, for clients.
func (p *ESYMRequest) EncodeTo(msg *cnet.Message) error {
	if err := msg.WriteUint32(p.Nation); err != nil {
		return err
	}
	return msg.WriteCabalString(p.SrcHash)
}

// ESYMResponse is the nested encoding inside a server ESYM container: a
// fixed tag, the file size and the raw file bytes.
type ESYMResponse struct {
	Unk1     uint32
	FileSize uint32
	Data     []byte
}

// EncodeNested returns the nested response encoding, ready to be carried
// in an ESYM container.
func (p *ESYMResponse) EncodeNested() ([]byte, error) {
	msg := cnet.NewMessage()
	if err := msg.WriteUint32(p.Unk1); err != nil {
		return nil, err
	}
	if err := msg.WriteUint32(p.FileSize); err != nil {
		return nil, err
	}
	if _, err := msg.Write(p.Data); err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

// DecodeESYMResponse decodes the nested response, for clients. Data
// length must match the encoded file size.
func DecodeESYMResponse(b []byte) (*ESYMResponse, error) {
	msg := cnet.NewMessage()
	msg.Write(b)

	var resp ESYMResponse
	var err error
	if resp.Unk1, err = msg.ReadUint32(); err != nil {
		return nil, err
	}
	if resp.FileSize, err = msg.ReadUint32(); err != nil {
		return nil, err
	}
	resp.Data = append([]byte(nil), msg.Bytes()...)
	if uint32(len(resp.Data)) != resp.FileSize {
		return nil, fmt.Errorf("ESYM response carries %d bytes; header says %d", len(resp.Data), resp.FileSize)
	}
	return &resp, nil
}
