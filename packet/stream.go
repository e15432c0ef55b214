package packet

import (
	"fmt"
	"io"

	cnet "github.com/rcdevgames/cabal-rgs/net"
)

// Stream frames typed payloads over a network connection. It performs no
// buffering of its own; Recv blocks until a whole frame arrived, Send
// writes a whole frame. One goroutine may Recv while another Sends, but
// neither call may itself be used concurrently.
type Stream struct {
	rw io.ReadWriter
}

// NewStream wraps an accepted connection (or any read/writer carrying the
// framing).
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{rw: rw}
}

// Recv reads the next typed message. Any framing, decoding or transport
// failure is returned as an error; there is no recovery within a
// connection.
func (s *Stream) Recv() (Payload, error) {
	msg, err := cnet.ReadMessage(s.rw)
	if err != nil {
		return nil, err
	}
	return Decode(msg)
}

// Send writes one typed message as a single frame.
func (s *Stream) Send(p Payload) error {
	msg := cnet.NewMessage()
	if err := msg.WriteByte(byte(p.Kind())); err != nil {
		return err
	}
	if err := p.EncodeTo(msg); err != nil {
		return fmt.Errorf("encoding %v packet: %s", p.Kind(), err)
	}
	msg, err := msg.PrependSize()
	if err != nil {
		return err
	}
	if _, err := io.Copy(s.rw, msg); err != nil {
		return fmt.Errorf("sending %v packet: %s", p.Kind(), err)
	}
	return nil
}
