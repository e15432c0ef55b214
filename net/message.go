package net

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// MaxMessageSize is the largest frame ReadMessage will accept. Resource
// transfers are the biggest legitimate messages and stay well under this.
const MaxMessageSize = 1 << 24

// Message is a single communications block exchanged with the client. It
// wraps a bytes.Buffer; reads consume the payload front to back, writes
// append to it.
type Message struct {
	bytes.Buffer
}

// NewMessage returns an empty message ready for writing.
func NewMessage() *Message {
	return &Message{Buffer: bytes.Buffer{}}
}

// ReadMessage reads a single size-prefixed message from the reader.
func ReadMessage(r io.Reader) (*Message, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("message size read error: %s", err)
	}

	glog.V(3).Infof("incoming message len: %d", size)

	if size > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", size, MaxMessageSize)
	}

	lr := io.LimitReader(r, int64(size))
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("message read error: %s", err)
	}
	if len(b) != int(size) {
		return nil, fmt.Errorf("message truncated: got %d bytes; want %d", len(b), size)
	}
	return &Message{Buffer: *bytes.NewBuffer(b)}, nil
}

func (msg *Message) Read(b []byte) (int, error) {
	n, err := msg.Buffer.Read(b)
	glog.V(3).Infof("read %d bytes", n)
	return n, err
}

// ReadUint32 reads a little-endian uint32 from the message.
func (msg *Message) ReadUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(msg, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("reading uint32: %s", err)
	}
	return v, nil
}

// WriteUint32 writes a little-endian uint32 to the message.
func (msg *Message) WriteUint32(v uint32) error {
	return binary.Write(msg, binary.LittleEndian, v)
}

// ReadUint16 reads a little-endian uint16 from the message.
func (msg *Message) ReadUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(msg, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("reading uint16: %s", err)
	}
	return v, nil
}

// WriteUint16 writes a little-endian uint16 to the message.
func (msg *Message) WriteUint16(v uint16) error {
	return binary.Write(msg, binary.LittleEndian, v)
}

// ReadFull reads exactly len(b) bytes into b, or fails.
func (msg *Message) ReadFull(b []byte) error {
	if _, err := io.ReadFull(msg, b); err != nil {
		return fmt.Errorf("reading %d byte block: %s", len(b), err)
	}
	return nil
}

// ReadBytesPrefixed reads a uint16 length prefix followed by that many raw
// bytes.
func (msg *Message) ReadBytesPrefixed() ([]byte, error) {
	sz, err := msg.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("reading bytes size: %s", err)
	}
	lr := io.LimitReader(msg, int64(sz))
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("reading bytes: %s", err)
	}
	if len(b) != int(sz) {
		return nil, fmt.Errorf("reading bytes: got %d; want %d", len(b), sz)
	}
	return b, nil
}

// WriteBytesPrefixed writes a uint16 length prefix followed by the raw
// bytes.
func (msg *Message) WriteBytesPrefixed(b []byte) error {
	if len(b) > 0xffff {
		return fmt.Errorf("writing bytes: %d exceeds uint16 prefix", len(b))
	}
	if err := msg.WriteUint16(uint16(len(b))); err != nil {
		return fmt.Errorf("writing bytes size: %s", err)
	}
	n, err := msg.Write(b)
	if err != nil {
		return fmt.Errorf("writing bytes: %s", err)
	}
	if n != len(b) {
		return fmt.Errorf("writing bytes: not all was written")
	}
	return nil
}

// ReadCabalString reads a uint16-length-prefixed string.
func (msg *Message) ReadCabalString() (string, error) {
	b, err := msg.ReadBytesPrefixed()
	if err != nil {
		return "", fmt.Errorf("reading string: %s", err)
	}
	return string(b), nil
}

// WriteCabalString writes a uint16-length-prefixed string.
func (msg *Message) WriteCabalString(s string) error {
	if err := msg.WriteBytesPrefixed([]byte(s)); err != nil {
		return fmt.Errorf("writing string: %s", err)
	}
	return nil
}

// PrependSize prepends the message size, making the message ready for
// io.Readers to read. It returns a new message; the receiver's read cursor
// is consumed.
func (msg *Message) PrependSize() (*Message, error) {
	newBuf := &bytes.Buffer{}
	sz := uint32(msg.Len())
	if err := binary.Write(newBuf, binary.LittleEndian, &sz); err != nil {
		return nil, err
	}

	if written, err := io.Copy(newBuf, msg); err != nil || uint32(written) != sz {
		return nil, fmt.Errorf("Message.PrependSize() copy: error %s, written %d/%d", err, written, sz)
	}

	return &Message{Buffer: *newBuf}, nil
}
