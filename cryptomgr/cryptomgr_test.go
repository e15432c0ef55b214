package cryptomgr

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cnet "github.com/rcdevgames/cabal-rgs/net"
	"github.com/rcdevgames/cabal-rgs/packet"
	"github.com/rcdevgames/cabal-rgs/secrets"
	"github.com/rcdevgames/cabal-rgs/ttesting"
)

// startConn serves one in-memory connection and returns the client's
// stream plus a channel carrying Serve's eventual result.
func startConn(t *testing.T, resourcesDir string) (*packet.Stream, chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewServer(resourcesDir).Serve(server)
	}()
	return packet.NewStream(client), errCh
}

func waitServeError(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not terminate the connection")
		return nil
	}
}

// sayHello performs the Connect/ConnectAck exchange from the client side
// and returns the ack payload.
func sayHello(t *testing.T, cs *packet.Stream) *packet.ConnectAck {
	t.Helper()
	if err := cs.Send(&packet.Connect{Unk1: 0xf6, WorldID: 0xfd}); err != nil {
		t.Fatalf("sending Connect: %s", err)
	}
	p, err := cs.Recv()
	if err != nil {
		t.Fatalf("receiving ConnectAck: %s", err)
	}
	ack, ok := p.(*packet.ConnectAck)
	if !ok {
		t.Fatalf("got %v packet; want ConnectAck", p.Kind())
	}
	return ack
}

// exchangeKey performs the key exchange from the client side and returns
// the unmasked session key.
func exchangeKey(t *testing.T, cs *packet.Stream) secrets.SessionKey {
	t.Helper()
	if err := cs.Send(&packet.EncryptKey2Request{KeySplitPoint: 0}); err != nil {
		t.Fatalf("sending EncryptKey2Request: %s", err)
	}
	p, err := cs.Recv()
	if err != nil {
		t.Fatalf("receiving EncryptKey2Response: %s", err)
	}
	resp, ok := p.(*packet.EncryptKey2Response)
	if !ok {
		t.Fatalf("got %v packet; want EncryptKey2Response", p.Kind())
	}
	if len(resp.ShortKey) != secrets.KeyLen {
		t.Fatalf("short key is %d bytes; want %d", len(resp.ShortKey), secrets.KeyLen)
	}

	var key secrets.SessionKey
	copy(key[:], resp.ShortKey)
	secrets.MaskBytes(key[:])
	return key
}

func TestHelloAck(t *testing.T) {
	cs, _ := startConn(t, t.TempDir())
	ack := sayHello(t, cs)

	want := []byte{
		0x00, 0x00, 0x00, 0x00,
		0x00, 0xff, 0x00, 0xff, 0x00, 0x00, 0x00, 0x00,
		0xf6, 0xf6,
		0x00, 0xb3, 0x8a, 0x39,
		0x1f, 0x00, 0x00, 0x00,
	}
	ttesting.AssertEqualBytes(t, "connect ack payload", ack.Bytes, want)
}

func TestBadSentinelsRejected(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())

	if err := cs.Send(&packet.Connect{Unk1: 0x00, WorldID: 0xfd}); err != nil {
		t.Fatalf("sending Connect: %s", err)
	}

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "sentinel") {
		t.Errorf("got %v; want a sentinel violation", err)
	}
	// No ack may have been sent before the connection dropped.
	if _, err := cs.Recv(); err == nil {
		t.Error("received a packet after a sentinel violation; want none")
	}
}

func TestWrongFirstPacketRejected(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())

	if err := cs.Send(&packet.EncryptKey2Request{}); err != nil {
		t.Fatalf("sending packet: %s", err)
	}

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "expected Connect") {
		t.Errorf("got %v; want an expected-Connect violation", err)
	}
}

func TestKeyExchange(t *testing.T) {
	cs, _ := startConn(t, t.TempDir())
	sayHello(t, cs)

	if err := cs.Send(&packet.EncryptKey2Request{KeySplitPoint: 0}); err != nil {
		t.Fatalf("sending EncryptKey2Request: %s", err)
	}
	p, err := cs.Recv()
	if err != nil {
		t.Fatalf("receiving EncryptKey2Response: %s", err)
	}
	resp := p.(*packet.EncryptKey2Response)

	ttesting.AssertEqualUint32(t, "split point", resp.KeySplitPoint, 0x1f398ab3)
	ttesting.AssertEqualInt(t, "short key length", len(resp.ShortKey), secrets.KeyLen)

	unmasked := append([]byte(nil), resp.ShortKey...)
	secrets.MaskBytes(unmasked)
	for _, b := range unmasked {
		if !(b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z') {
			t.Fatalf("unmasked key byte %q is not a letter", b)
		}
	}
}

func TestKeyExchangeIdempotent(t *testing.T) {
	cs, _ := startConn(t, t.TempDir())
	sayHello(t, cs)

	first := exchangeKey(t, cs)
	second := exchangeKey(t, cs)
	if first != second {
		t.Errorf("second key exchange returned %q; want the cached %q", second, first)
	}
}

// sealField enciphers and masks a client-side auth field the way the
// server expects to find it on the wire.
func sealField(t *testing.T, sess *secrets.Session, text string, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	copy(b, text)
	if err := sess.EncryptBlocks(b); err != nil {
		t.Fatalf("sealing %q: %s", text, err)
	}
	secrets.MaskBytes(b)
	return b
}

func TestKeyAuth(t *testing.T) {
	cs, _ := startConn(t, t.TempDir())
	sayHello(t, cs)
	key := exchangeKey(t, cs)

	sess, err := key.Expand()
	if err != nil {
		t.Fatalf("expanding key: %s", err)
	}

	req := &packet.KeyAuthRequest{
		XorPort: secrets.MaskWord(38123),
		SrcHash: sealField(t, sess, "0123456789abcdef0123456789abcdef", 32),
		BinBuf:  sealField(t, sess, "client-blob", 16),
	}
	copy(req.IPOrigin[:], sealField(t, sess, "203.0.113.9", 16))
	copy(req.IPLocal[:], sealField(t, sess, "10.1.2.3", 16))

	if err := cs.Send(req); err != nil {
		t.Fatalf("sending KeyAuthRequest: %s", err)
	}
	p, err := cs.Recv()
	if err != nil {
		t.Fatalf("receiving KeyAuthResponse: %s", err)
	}
	resp, ok := p.(*packet.KeyAuthResponse)
	if !ok {
		t.Fatalf("got %v packet; want KeyAuthResponse", p.Kind())
	}

	ttesting.AssertEqualUint32(t, "ack flag", resp.Unk1, 0x1)
	ttesting.AssertEqualUint32(t, "masked flags word", resp.XorUnk2, 0x03010101^0x1f398ab3)
	ttesting.AssertEqualInt(t, "port", int(resp.Port), 38180)
	ttesting.AssertEqualString(t, "loopback address",
		strings.TrimRight(string(resp.IPLocal[:]), "\x00"), "127.0.0.1")

	open := func(name string, b [16]byte) string {
		secrets.MaskBytes(b[:])
		if err := sess.DecryptBlocks(b[:]); err != nil {
			t.Fatalf("opening %s: %s", name, err)
		}
		return strings.TrimRight(string(b[:]), "\x00")
	}
	ttesting.AssertEqualString(t, "item script", open("item", resp.EncItem), "Data/Item.scp")
	ttesting.AssertEqualString(t, "mobs script", open("mobs", resp.EncMobs), "Data/Mobs.scp")
	ttesting.AssertEqualString(t, "warp script", open("warp", resp.EncWarp), "Data/Warp.scp")
}

func TestKeyAuthBeforeExchange(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())
	sayHello(t, cs)

	if err := cs.Send(&packet.KeyAuthRequest{}); err != nil {
		t.Fatalf("sending KeyAuthRequest: %s", err)
	}

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("got %v; want a not-initialized failure", err)
	}
}

func TestKeyAuthReservedWords(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())
	sayHello(t, cs)
	exchangeKey(t, cs)

	if err := cs.Send(&packet.KeyAuthRequest{Unk1: 1}); err != nil {
		t.Fatalf("sending KeyAuthRequest: %s", err)
	}

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Errorf("got %v; want a reserved-word violation", err)
	}
}

// encodeESYMRequest produces the nested request encoding a client would
// place in an ESYM container.
func encodeESYMRequest(t *testing.T, nation uint32, hash string) []byte {
	t.Helper()
	msg := cnet.NewMessage()
	inner := &packet.ESYMRequest{Nation: nation, SrcHash: hash}
	if err := inner.EncodeTo(msg); err != nil {
		t.Fatalf("encoding ESYM request: %s", err)
	}
	return msg.Bytes()
}

func sendESYMRequest(t *testing.T, cs *packet.Stream, nation uint32, hash string) {
	t.Helper()
	if err := cs.Send(&packet.ESYM{Bytes: encodeESYMRequest(t, nation, hash)}); err != nil {
		t.Fatalf("sending ESYM: %s", err)
	}
}

func TestESYM(t *testing.T) {
	dir := t.TempDir()
	esymDir := filepath.Join(dir, "resources", "esym")
	if err := os.MkdirAll(esymDir, 0o755); err != nil {
		t.Fatalf("creating esym dir: %s", err)
	}
	content := []byte("esym file contents")
	if err := os.WriteFile(filepath.Join(esymDir, "cafebabe.esym"), content, 0o644); err != nil {
		t.Fatalf("writing esym file: %s", err)
	}

	cs, _ := startConn(t, dir)
	sayHello(t, cs)
	sendESYMRequest(t, cs, 1, "cafebabe")

	p, err := cs.Recv()
	if err != nil {
		t.Fatalf("receiving ESYM: %s", err)
	}
	container, ok := p.(*packet.ESYM)
	if !ok {
		t.Fatalf("got %v packet; want ESYM", p.Kind())
	}
	resp, err := packet.DecodeESYMResponse(container.Bytes)
	if err != nil {
		t.Fatalf("decoding nested response: %s", err)
	}
	ttesting.AssertEqualUint32(t, "tag", resp.Unk1, 0x1)
	ttesting.AssertEqualUint32(t, "file size", resp.FileSize, uint32(len(content)))
	ttesting.AssertEqualBytes(t, "file bytes", resp.Data, content)
}

func TestESYMMissingFile(t *testing.T) {
	dir := t.TempDir()
	cs, errCh := startConn(t, dir)
	sayHello(t, cs)
	sendESYMRequest(t, cs, 1, "nosuchhash")

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), filepath.Join(dir, "resources", "esym", "nosuchhash.esym")) {
		t.Errorf("got %v; want a read failure reporting the path", err)
	}

	// A failed connection must not disturb fresh ones.
	cs2, _ := startConn(t, dir)
	sayHello(t, cs2)
}

func TestESYMHashTraversalRejected(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())
	sayHello(t, cs)
	sendESYMRequest(t, cs, 1, "../../etc/passwd")

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "plain file name") {
		t.Errorf("got %v; want a traversal rejection", err)
	}
}

func TestESYMTrailingDataRejected(t *testing.T) {
	cs, errCh := startConn(t, t.TempDir())
	sayHello(t, cs)

	b := append(encodeESYMRequest(t, 1, "cafebabe"), 0xff)
	if err := cs.Send(&packet.ESYM{Bytes: b}); err != nil {
		t.Fatalf("sending ESYM: %s", err)
	}

	err := waitServeError(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Errorf("got %v; want a trailing-data violation", err)
	}
}

func TestUnhandledKindSkipped(t *testing.T) {
	cs, _ := startConn(t, t.TempDir())
	sayHello(t, cs)

	// RelayMessage is recognized by the codec but not part of this
	// dialect; the server logs and keeps going.
	if err := cs.Send(&packet.RelayMessage{Bytes: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("sending RelayMessage: %s", err)
	}
	key := exchangeKey(t, cs)
	if key == (secrets.SessionKey{}) {
		t.Error("key exchange after an unhandled packet returned a zero key")
	}
}

func TestSessionKeysDiffer(t *testing.T) {
	cs1, _ := startConn(t, t.TempDir())
	sayHello(t, cs1)
	cs2, _ := startConn(t, t.TempDir())
	sayHello(t, cs2)

	k1 := exchangeKey(t, cs1)
	k2 := exchangeKey(t, cs2)
	if bytes.Equal(k1[:], k2[:]) {
		t.Error("two connections were handed the same session key")
	}
}

func TestOpenTextStopsAtNul(t *testing.T) {
	key, err := secrets.NewSessionKey()
	if err != nil {
		t.Fatalf("generating session key: %s", err)
	}
	sess, err := key.Expand()
	if err != nil {
		t.Fatalf("expanding session key: %s", err)
	}
	c := &Conn{sess: sess}

	// Bytes past the terminator are padding, never text.
	got, err := c.openText(sealField(t, sess, "10.0.0.1\x00junk", 16))
	if err != nil {
		t.Fatalf("opening field: %s", err)
	}
	ttesting.AssertEqualString(t, "decoded field", got, "10.0.0.1")

	if _, err := c.openText(sealField(t, sess, "bad\xff\xfe", 16)); err == nil {
		t.Error("field with invalid text before the terminator was accepted")
	}
}

func TestListenServesConnections(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %s", err)
	}
	srv := NewServer(t.TempDir())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(l)
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %s", err)
	}
	defer conn.Close()

	cs := packet.NewStream(conn)
	sayHello(t, cs)
	key := exchangeKey(t, cs)
	if key == (secrets.SessionKey{}) {
		t.Error("key exchange over an accepted connection returned a zero key")
	}

	l.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Listen returned nil after listener close; want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after listener close")
	}
}
