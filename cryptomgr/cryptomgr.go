// Package cryptomgr implements the crypto manager service: the
// authenticated key exchange every client performs before joining a
// world, plus the ESYM resource transfer.
package cryptomgr

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/rcdevgames/cabal-rgs/packet"
	"github.com/rcdevgames/cabal-rgs/secrets"
)

// Sentinels the client must present in its Connect packet.
const (
	helloUnk1    = 0xf6
	helloWorldID = 0xfd
)

// Port the auth response directs the client to.
const respPort = 38180

var connIDs atomic.Int64

// Server serves the crypto manager protocol. The resources directory is
// shared by all connections and never written.
type Server struct {
	resourcesDir string
}

// NewServer creates a Server reading ESYM files under resourcesDir.
func NewServer(resourcesDir string) *Server {
	return &Server{resourcesDir: resourcesDir}
}

// Listen accepts connections forever, each served on its own goroutine. A
// connection's failure is logged and does not disturb the accept loop; a
// failure of Accept itself is returned and is fatal to the caller.
func (s *Server) Listen(l net.Listener) error {
	glog.Infof("cryptomgr: listening on %v", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "cryptomgr: accept")
		}
		go func() {
			if err := s.Serve(conn); err != nil {
				glog.Errorf("cryptomgr: %s", err)
			}
		}()
	}
}

// Serve runs the protocol on a single accepted connection, blocking until
// the connection terminates. Listen uses it; tests may call it directly.
// Errors carry the connection's identity.
func (s *Server) Serve(conn net.Conn) error {
	defer conn.Close()
	c := &Conn{
		id:     connIDs.Add(1),
		stream: packet.NewStream(conn),
		srv:    s,
	}
	glog.Infof("cryptomgr: new %v from %v", c, conn.RemoteAddr())
	err := c.handle()
	glog.Infof("cryptomgr: closing %v", c)
	return err
}

// Conn is one client connection. The session key is set at most once, by
// the connection's own goroutine, and never changes afterwards.
type Conn struct {
	id     int64
	stream *packet.Stream
	srv    *Server

	key  *secrets.SessionKey
	sess *secrets.Session
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn #%d", c.id)
}

// handle drives the connection: the hello exchange, then the dispatch
// loop until the first receive failure.
func (c *Conn) handle() error {
	p, err := c.stream.Recv()
	if err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}
	hello, ok := p.(*packet.Connect)
	if !ok {
		return fmt.Errorf("%v: expected Connect packet, got %v", c, p.Kind())
	}
	if hello.Unk1 != helloUnk1 || hello.WorldID != helloWorldID {
		return fmt.Errorf("%v: bad Connect sentinels %#x %#x", c, hello.Unk1, hello.WorldID)
	}

	glog.V(3).Infof("%v: got hello", c)

	if err := c.stream.Send(connectAck()); err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}

	for {
		p, err := c.stream.Recv()
		if err != nil {
			return fmt.Errorf("%v: %s", c, err)
		}
		switch p := p.(type) {
		case *packet.EncryptKey2Request:
			err = c.handleKeyReq(p)
		case *packet.KeyAuthRequest:
			err = c.handleAuthReq(p)
		case *packet.ESYM:
			err = c.handleESYM(p)
		default:
			glog.V(2).Infof("%v: ignoring %v packet", c, p.Kind())
		}
		if err != nil {
			return err
		}
	}
}

// connectAck returns the fixed hello acknowledgement. The bytes are
// opaque wire-compatibility constants.
func connectAck() *packet.ConnectAck {
	return &packet.ConnectAck{
		Bytes: []byte{
			0x00, 0x00, 0x00, 0x00,
			0x00, 0xff, 0x00, 0xff, 0x00, 0x00, 0x00, 0x00,
			0xf6, 0xf6,
			0x00, 0xb3, 0x8a, 0x39,
			0x1f, 0x00, 0x00, 0x00,
		},
	}
}

// handleKeyReq establishes the session key, lazily and exactly once per
// connection, and returns it masked byte by byte.
func (c *Conn) handleKeyReq(req *packet.EncryptKey2Request) error {
	splitPoint := secrets.MaskWord(req.KeySplitPoint)
	glog.V(2).Infof("%v: key req split point = %#x", c, splitPoint)

	if c.key == nil {
		key, err := secrets.NewSessionKey()
		if err != nil {
			return fmt.Errorf("%v: %s", c, err)
		}
		sess, err := key.Expand()
		if err != nil {
			return fmt.Errorf("%v: %s", c, err)
		}
		c.key, c.sess = &key, sess
	}

	glog.V(2).Infof("%v: session key established", c)

	masked := make([]byte, secrets.KeyLen)
	copy(masked, c.key[:])
	secrets.MaskBytes(masked)

	return c.stream.Send(&packet.EncryptKey2Response{
		KeySplitPoint: splitPoint,
		ShortKey:      masked,
	})
}

// handleAuthReq verifies the client's enciphered identity fields and
// replies with the resource script names under the same key.
func (c *Conn) handleAuthReq(req *packet.KeyAuthRequest) error {
	if c.sess == nil {
		return fmt.Errorf("%v: session key not initialized", c)
	}

	port := secrets.MaskWord(req.XorPort)
	glog.V(2).Infof("%v: auth req port = %#x", c, port)

	if req.Unk1 != 0 || req.Unk2 != 0 {
		return fmt.Errorf("%v: reserved auth words not zero: %#x %#x", c, req.Unk1, req.Unk2)
	}

	ipOrigin, err := c.openText(req.IPOrigin[:])
	if err != nil {
		return fmt.Errorf("%v: ip origin: %s", c, err)
	}
	ipLocal, err := c.openText(req.IPLocal[:])
	if err != nil {
		return fmt.Errorf("%v: ip local: %s", c, err)
	}
	srcHash, err := c.openText(req.SrcHash)
	if err != nil {
		return fmt.Errorf("%v: src hash: %s", c, err)
	}
	binBuf, err := c.openText(req.BinBuf)
	if err != nil {
		return fmt.Errorf("%v: bin buf: %s", c, err)
	}

	glog.V(2).Infof("%v: auth ip_origin=%s ip_local=%s srchash=%s binbuf=%s",
		c, ipOrigin, ipLocal, srcHash, binBuf)

	resp := &packet.KeyAuthResponse{
		Unk1:    0x1,
		XorUnk2: secrets.MaskWord(0x03010101),
		XorUnk3: secrets.MaskByte(4),
		XorUnk4: secrets.MaskByte(2),
		XorUnk5: secrets.MaskByte(1),
		Port:    respPort,
	}
	copy(resp.IPLocal[:], "127.0.0.1")
	if resp.EncItem, err = c.sealName("Data/Item.scp"); err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}
	if resp.EncMobs, err = c.sealName("Data/Mobs.scp"); err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}
	if resp.EncWarp, err = c.sealName("Data/Warp.scp"); err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}
	return c.stream.Send(resp)
}

// openText takes a byte-masked, enciphered field, undoes both layers in
// place and decodes the result as NUL-terminated text. Order matters:
// unmasking happens before deciphering. Anything past the first NUL is
// cipher-block padding and never part of the string.
func (c *Conn) openText(b []byte) (string, error) {
	secrets.MaskBytes(b)
	if err := c.sess.DecryptBlocks(b); err != nil {
		return "", err
	}
	s := string(b)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("field does not decode as text")
	}
	return s, nil
}

// sealName enciphers a NUL-padded resource name and byte-masks it, the
// mirror of openText.
func (c *Conn) sealName(name string) ([16]byte, error) {
	var b [16]byte
	copy(b[:], name)
	if err := c.sess.EncryptBlocks(b[:]); err != nil {
		return b, err
	}
	secrets.MaskBytes(b[:])
	return b, nil
}

// handleESYM serves one resource file named by the nested request's
// source hash.
func (c *Conn) handleESYM(req *packet.ESYM) error {
	inner, err := packet.DecodeESYMRequest(req.Bytes)
	if err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}

	glog.V(2).Infof("%v: esym req nation=%d srchash=%s", c, inner.Nation, inner.SrcHash)

	// The hash names a file; it must not escape the esym directory.
	if inner.SrcHash == "" || strings.ContainsAny(inner.SrcHash, `/\`) || strings.Contains(inner.SrcHash, "..") {
		return fmt.Errorf("%v: esym hash %q is not a plain file name", c, inner.SrcHash)
	}

	path := filepath.Join(c.srv.resourcesDir, "resources", "esym", inner.SrcHash+".esym")
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "%v: cannot read %s", c, path)
	}

	resp := &packet.ESYMResponse{
		Unk1:     0x1,
		FileSize: uint32(len(data)),
		Data:     data,
	}
	nested, err := resp.EncodeNested()
	if err != nil {
		return fmt.Errorf("%v: %s", c, err)
	}
	return c.stream.Send(&packet.ESYM{Bytes: nested})
}
