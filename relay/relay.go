// Package relay implements the relay service: long running connections
// from other server processes, registered by service id, through which
// orchestration code can inject messages via a borrow channel while the
// handler keeps driving its own receive loop.
package relay

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/rcdevgames/cabal-rgs/borrow"
	"github.com/rcdevgames/cabal-rgs/packet"
)

var connIDs atomic.Int64

// helloSentinel is the first byte of the Connect hello every connecting
// service must open with before the handshake proceeds.
const helloSentinel = 0xf6

// Server serves the relay protocol. WorldID and ChannelID are announced
// to every connecting peer.
type Server struct {
	WorldID   byte
	ChannelID byte

	registry *Registry
}

// NewServer creates a relay Server registering handlers in registry.
func NewServer(registry *Registry, worldID, channelID byte) *Server {
	return &Server{
		WorldID:   worldID,
		ChannelID: channelID,
		registry:  registry,
	}
}

// Listen accepts relay connections forever, one handler goroutine each. A
// handler's failure is logged and does not disturb the accept loop; a
// failure of Accept itself is returned and is fatal to the caller.
func (s *Server) Listen(l net.Listener) error {
	glog.Infof("relay: listening on %v", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "relay: accept")
		}
		go func() {
			if err := s.Serve(conn); err != nil {
				glog.Errorf("relay: %s", err)
			}
		}()
	}
}

// Serve runs one relay connection to completion. Listen uses it; tests
// may call it directly. Errors carry the connection's identity.
func (s *Server) Serve(conn net.Conn) error {
	defer conn.Close()
	h := s.newHandler(conn)
	glog.Infof("relay: new %v from %v", h, conn.RemoteAddr())
	err := h.handle()
	glog.Infof("relay: closing %v", h)
	return err
}

func (s *Server) newHandler(conn net.Conn) *Handler {
	return &Handler{
		id:     connIDs.Add(1),
		stream: packet.NewStream(conn),
		srv:    s,
	}
}

// Handler owns one registered relay connection. Outside code never
// touches a Handler directly: it borrows it through the registry, and the
// borrowed closure runs on the handler's own goroutine between inbound
// messages.
type Handler struct {
	id     int64
	stream *packet.Stream
	srv    *Server
	svc    packet.RegisterRelaySvr
}

func (h *Handler) String() string {
	return fmt.Sprintf("relay conn #%d", h.id)
}

// Send transmits a payload on the handler's connection. Callers reach it
// from inside a borrowed closure only.
func (h *Handler) Send(p packet.Payload) error {
	return h.stream.Send(p)
}

// Service returns the metadata the peer registered with.
func (h *Handler) Service() packet.RegisterRelaySvr {
	return h.svc
}

type recvResult struct {
	p   packet.Payload
	err error
}

// handle requires a Connect hello announcing the peer's service, performs
// the registration sub-handshake, and then races the next inbound message
// against pending borrow requests, forever.
func (h *Handler) handle() error {
	// Nothing is written to the peer before the hello arrives and checks
	// out. The second hello byte names the connecting service.
	p, err := h.stream.Recv()
	if err != nil {
		return fmt.Errorf("%v: %s", h, err)
	}
	hello, ok := p.(*packet.Connect)
	if !ok {
		return fmt.Errorf("%v: expected Connect packet, got %v", h, p.Kind())
	}
	if hello.Unk1 != helloSentinel {
		return fmt.Errorf("%v: bad Connect sentinel %#02x", h, hello.Unk1)
	}
	announced := packet.ServiceID(hello.WorldID)
	if announced == packet.ServiceUnknown {
		return fmt.Errorf("%v: Connect announces no service", h)
	}

	ack := &packet.ConnectAck{
		Bytes: []byte{
			0xff, 0xff, 0xff, 0x7f, 0x00, 0xff, 0x00, 0xff,
			byte(packet.ServiceGlobalMgr), 0x00, 0x00, 0x00, 0x00,
			h.srv.WorldID, h.srv.ChannelID, 0x00, 0x00, 0x00, 0x00, 0x01,
		},
	}
	if err := h.stream.Send(ack); err != nil {
		return fmt.Errorf("%v: %s", h, err)
	}

	p, err = h.stream.Recv()
	if err != nil {
		return fmt.Errorf("%v: %s", h, err)
	}
	reg, ok := p.(*packet.RegisterRelaySvr)
	if !ok {
		return fmt.Errorf("%v: expected RegisterRelaySvr packet, got %v", h, p.Kind())
	}
	if reg.Service != announced {
		return fmt.Errorf("%v: registration service %d does not match announced service %d",
			h, reg.Service, announced)
	}
	h.svc = *reg
	glog.V(2).Infof("%v: registered service=%d world=%d channel=%d",
		h, reg.Service, reg.WorldID, reg.ChannelID)

	lender, borrower := borrow.New[Handler]()
	defer lender.Close()

	if h.srv.registry != nil {
		key := Key{Service: reg.Service, WorldID: reg.WorldID, ChannelID: reg.ChannelID}
		if err := h.srv.registry.add(key, borrower); err != nil {
			return fmt.Errorf("%v: %s", h, err)
		}
		defer h.srv.registry.remove(key)
	}

	// The receive pump lets the loop below race a blocking read against
	// the borrow queue. It only ever touches the read side of the stream.
	recvCh := make(chan recvResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			p, err := h.stream.Recv()
			select {
			case recvCh <- recvResult{p: p, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r := <-recvCh:
			if r.err != nil {
				return fmt.Errorf("%v: failed to recv a packet: %s", h, r.err)
			}
			glog.V(2).Infof("%v: got %v packet", h, r.p.Kind())
		case req := <-lender.Requests():
			req.Grant(h)
		}
	}
}
