package session_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wisp-server/addrguard"
	"github.com/momentics/wisp-server/internal/dialqueue"
	"github.com/momentics/wisp-server/ratelimit"
	"github.com/momentics/wisp-server/remote"
	"github.com/momentics/wisp-server/session"
	"github.com/momentics/wisp-server/wisp"
)

// fakeConn is a remote.Conn double that records every Send and lets a test
// script its Recv sequence, including a clean EOF via Close.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	recvCh  chan []byte
	once    sync.Once
	sendErr error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{recvCh: make(chan []byte, 64)}
}

func (f *fakeConn) Connect(ctx context.Context) error { return nil }

func (f *fakeConn) push(b []byte) { f.recvCh <- b }

func (f *fakeConn) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Recv() ([]byte, error) {
	b, ok := <-f.recvCh
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.recvCh)
	})
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestServer starts an httptest server running one Wisp session per
// accepted connection, dialing through dial instead of the network.
func newTestServer(t *testing.T, guard *addrguard.Guard, dial func(net.IP, uint16, wisp.StreamType) remote.Conn) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	dialer := dialqueue.New(4)
	t.Cleanup(dialer.Close)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	t.Cleanup(limiter.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if guard == nil {
		guard = addrguard.New(addrguard.Policy{})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := session.New("test", "198.51.100.1", conn, session.Deps{
			Guard:   guard,
			Limiter: limiter,
			Dialer:  dialer,
			Log:     log.WithField("test", true),
			Dial:    dial,
		})
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestInitialCreditFrame checks that the first frame the server ever
// sends is the session-wide CONTINUE(0, 128).
func TestInitialCreditFrame(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	client := dialClient(t, srv)

	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("got message type %d, want BinaryMessage", mt)
	}
	want := []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00}
	if string(data) != string(want) {
		t.Fatalf("initial frame = % x, want % x", data, want)
	}
}

// TestHappySingleStreamRelaysReplyThenCloses sends CONNECT then DATA; a
// mock remote answers once and then closes, and the client observes
// exactly that DATA payload followed by CLOSE(0x02).
func TestHappySingleStreamRelaysReplyThenCloses(t *testing.T) {
	fc := newFakeConn()
	srv := newTestServer(t, nil, func(net.IP, uint16, wisp.StreamType) remote.Conn { return fc })
	client := dialClient(t, srv)

	drainFrame(t, client) // initial CONTINUE(0, 128)

	send(t, client, wisp.PacketConnect, 7, wisp.EncodeConnect(wisp.ConnectPayload{
		StreamType: wisp.StreamTCP, Port: 80, Hostname: "127.0.0.1",
	}))
	send(t, client, wisp.PacketData, 7, []byte("GET / HTTP/1.0\r\n\r\n"))

	waitForSend(t, fc, 1)
	fc.push([]byte("OK\n"))
	fc.Close() // mock EOF

	var gotData, gotClose bool
	var dataPayload []byte
	var closeReason byte
	deadline := time.After(2 * time.Second)
	for !gotData || !gotClose {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for DATA+CLOSE; gotData=%v gotClose=%v", gotData, gotClose)
		default:
		}
		pkt := readPacket(t, client)
		switch pkt.Type {
		case wisp.PacketData:
			gotData = true
			dataPayload = pkt.Payload
		case wisp.PacketClose:
			gotClose = true
			reason, err := wisp.DecodeClose(pkt.Payload)
			if err != nil {
				t.Fatalf("DecodeClose: %v", err)
			}
			closeReason = reason
		}
	}
	if string(dataPayload) != "OK\n" {
		t.Fatalf("stream 7 data = %q, want %q", dataPayload, "OK\n")
	}
	if closeReason != wisp.CloseReasonNormal {
		t.Fatalf("close reason = %#x, want %#x", closeReason, wisp.CloseReasonNormal)
	}
}

// TestUnsupportedStreamType checks that a CONNECT naming a stream type
// other than TCP/UDP is refused with CLOSE(unsupported stream).
func TestUnsupportedStreamType(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	client := dialClient(t, srv)
	drainFrame(t, client)

	send(t, client, wisp.PacketConnect, 1, wisp.EncodeConnect(wisp.ConnectPayload{
		StreamType: 0x03, Port: 80, Hostname: "x",
	}))

	pkt := readPacket(t, client)
	if pkt.Type != wisp.PacketClose || pkt.StreamID != 1 {
		t.Fatalf("got %+v, want CLOSE(1, ...)", pkt)
	}
	reason, _ := wisp.DecodeClose(pkt.Payload)
	if reason != wisp.CloseReasonUnsupportedStream {
		t.Fatalf("reason = %#x, want %#x", reason, wisp.CloseReasonUnsupportedStream)
	}
}

// TestBlockedAddress checks that a CONNECT naming an address the guard
// policy blocks is refused with CLOSE(connection failed).
func TestBlockedAddress(t *testing.T) {
	guard := addrguard.New(addrguard.Policy{BlockLoopback: true})
	srv := newTestServer(t, guard, nil)
	client := dialClient(t, srv)
	drainFrame(t, client)

	send(t, client, wisp.PacketConnect, 2, wisp.EncodeConnect(wisp.ConnectPayload{
		StreamType: wisp.StreamTCP, Port: 80, Hostname: "127.0.0.1",
	}))

	pkt := readPacket(t, client)
	if pkt.Type != wisp.PacketClose || pkt.StreamID != 2 {
		t.Fatalf("got %+v, want CLOSE(2, ...)", pkt)
	}
	reason, _ := wisp.DecodeClose(pkt.Payload)
	if reason != wisp.CloseReasonConnectionFailed {
		t.Fatalf("reason = %#x, want %#x", reason, wisp.CloseReasonConnectionFailed)
	}
}

// TestFlowControlContinueCadence checks that after 33 one-byte DATA
// writes, each sent only once the remote has taken the previous one,
// exactly one CONTINUE(5, 128) has been emitted.
func TestFlowControlContinueCadence(t *testing.T) {
	fc := newFakeConn()
	srv := newTestServer(t, nil, func(net.IP, uint16, wisp.StreamType) remote.Conn { return fc })
	client := dialClient(t, srv)
	drainFrame(t, client)

	send(t, client, wisp.PacketConnect, 5, wisp.EncodeConnect(wisp.ConnectPayload{
		StreamType: wisp.StreamTCP, Port: 80, Hostname: "127.0.0.1",
	}))

	// The stream is inserted into the session map synchronously, before
	// the dial completes, so these DATA packets queue correctly even if
	// the dial (and therefore the ws->remote pump) hasn't started yet.
	// Waiting for each write keeps the queue empty when the 32nd write
	// emits its CONTINUE, so buffer_remaining is the full capacity.
	for i := 0; i < 33; i++ {
		send(t, client, wisp.PacketData, 5, []byte{byte(i)})
		waitForSend(t, fc, i+1)
	}

	continues := 0
	_ = client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := client.ReadMessage()
		if err != nil {
			break
		}
		pkt, err := wisp.Decode(raw)
		if err != nil {
			continue
		}
		if pkt.Type == wisp.PacketContinue && pkt.StreamID == 5 {
			continues++
			remaining, _ := wisp.DecodeContinue(pkt.Payload)
			if remaining != 128 {
				t.Fatalf("CONTINUE buffer_remaining = %d, want 128", remaining)
			}
		}
	}
	if continues != 1 {
		t.Fatalf("got %d CONTINUE(5,...) packets after 33 writes, want 1", continues)
	}
}

// TestSessionTeardownClosesRemote checks that closing the client's
// websocket tears every open stream down, including closing its remote.
func TestSessionTeardownClosesRemote(t *testing.T) {
	fc := newFakeConn()
	srv := newTestServer(t, nil, func(net.IP, uint16, wisp.StreamType) remote.Conn { return fc })
	client := dialClient(t, srv)
	drainFrame(t, client)

	send(t, client, wisp.PacketConnect, 9, wisp.EncodeConnect(wisp.ConnectPayload{
		StreamType: wisp.StreamTCP, Port: 80, Hostname: "127.0.0.1",
	}))
	send(t, client, wisp.PacketData, 9, []byte("hello"))
	waitForSend(t, fc, 1)

	client.Close()

	deadline := time.After(2 * time.Second)
	for !fc.isClosed() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for remote to be closed after session teardown")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func send(t *testing.T, c *websocket.Conn, typ wisp.PacketType, streamID uint32, payload []byte) {
	t.Helper()
	if err := c.WriteMessage(websocket.BinaryMessage, wisp.Encode(typ, streamID, payload)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func drainFrame(t *testing.T, c *websocket.Conn) {
	t.Helper()
	if _, _, err := c.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
}

func readPacket(t *testing.T, c *websocket.Conn) wisp.Packet {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	pkt, err := wisp.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return pkt
}

func waitForSend(t *testing.T, fc *fakeConn, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for fc.sentCount() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sends, got %d", n, fc.sentCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
