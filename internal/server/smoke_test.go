package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/cnl"
	"github.com/kstaniek/go-fdcan/internal/hub"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/transport"
)

// capture records frames handed to the backend.
type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *capture) SendFrame(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *capture) snapshot() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func (c *capture) waitFor(n int, d time.Duration) []can.Frame {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	return c.snapshot()
}

func std(id uint16, data ...byte) can.Frame {
	f, err := can.NewClassicFrame(can.MustStandardID(id), data)
	if err != nil {
		panic(err)
	}
	return f
}

// rawFrame builds a classic cannelloni frame by hand.
func rawFrame(id uint32, data ...byte) []byte {
	var b bytes.Buffer
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], id)
	b.Write(idb[:])
	b.WriteByte(byte(len(data)))
	b.Write(data)
	return b.Bytes()
}

func startServer(t *testing.T, ctx context.Context, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(append([]ServerOption{WithCodec(&cnl.Codec{}), WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	srv.SetListenAddr("127.0.0.1:0")
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func waitClients(h *hub.Hub, n int) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && h.Count() < n {
		time.Sleep(2 * time.Millisecond)
	}
}

// readFrames decodes frames from c until n arrive or d elapses.
func readFrames(t *testing.T, c net.Conn, n int, d time.Duration) []can.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer c.SetReadDeadline(time.Time{})
	var out []can.Frame
	dec := &cnl.Codec{}
	for len(out) < n {
		fr, err := dec.Decode(c)
		if err != nil {
			break
		}
		out = append(out, fr)
	}
	return out
}

// TestSmokeServer starts the TCP server on an ephemeral port and performs the Cannelloni handshake.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink := &capture{}
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(sink))

	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	// client -> backend
	if _, err := conn.Write(rawFrame(0x123, 1, 2, 3)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got := sink.waitFor(1, 500*time.Millisecond)
	if len(got) != 1 || got[0] != std(0x123, 1, 2, 3) {
		t.Fatalf("expected captured frame, got %v", got)
	}

	// hub -> client
	waitClients(h, 1)
	srv.Hub.Broadcast(std(0x456, 9, 8))
	frames := readFrames(t, conn, 1, 500*time.Millisecond)
	if len(frames) != 1 || frames[0] != std(0x456, 9, 8) {
		t.Fatalf("broadcast got %v", frames)
	}
}

func TestSmokeFDBothWays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink := &capture{}
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(sink))
	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	payload := make([]byte, 48)
	for i := range payload {
		payload[i] = byte(i)
	}
	fd, _ := can.FrameFromCANID(0x1234|can.CAN_EFF_FLAG, true, true, payload)
	if _, err := (&cnl.Codec{}).EncodeTo(conn, []can.Frame{fd}); err != nil {
		t.Fatal(err)
	}
	got := sink.waitFor(1, 500*time.Millisecond)
	if len(got) != 1 || got[0] != fd {
		t.Fatalf("backend got %v", got)
	}

	waitClients(h, 1)
	h.Broadcast(fd)
	frames := readFrames(t, conn, 1, 500*time.Millisecond)
	if len(frames) != 1 || frames[0] != fd {
		t.Fatalf("client got %v", frames)
	}
}

// TestSmokeBatch verifies batching encode path by pushing several frames quickly.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	// 64 frames hit the batch threshold and flush immediately
	for i := 0; i < 64; i++ {
		srv.Hub.Broadcast(std(uint16(0x700+i%32), byte(i)))
	}
	frames := readFrames(t, c1, 64, time.Second)
	if len(frames) != 64 {
		t.Fatalf("decoded %d frames", len(frames))
	}
	for i, fr := range frames {
		if fr.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, fr)
		}
	}
}

// TestSmokeBackpressureDrop keeps a slow client connected under the drop policy.
func TestSmokeBackpressureDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyDrop
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)

	for i := 0; i < 5; i++ {
		srv.Hub.Broadcast(std(0x100))
	}
	_ = readFrames(t, c1, 1, 200*time.Millisecond)
	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c1.Read(make([]byte, 8)); errors.Is(err, io.EOF) {
		t.Fatalf("connection closed unexpectedly under drop policy: %v", err)
	}
}

// TestSmokeBackpressureKick ensures slow client gets closed when policy=kick and buffer overflows.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()
	waitClients(h, 1)
	pre := metrics.Snap()
	for i := 0; i < 10000 && metrics.Snap().HubKicks == pre.HubKicks; i++ {
		srv.Hub.Broadcast(std(0x200))
	}
	if post := metrics.Snap(); post.HubKicks == pre.HubKicks {
		t.Fatal("no kick recorded")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := c1.Read(make([]byte, 4096)); err != nil && !isTimeout(err) {
			return
		}
	}
	t.Fatal("kicked client still connected")
}

// TestSmokeMetrics ensures metrics counters reflect activity in both directions.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	sink := &capture{}
	srv := startServer(t, ctx, WithHub(h), WithSink(sink))

	pre := metrics.Snap()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	for i := 0; i < 3; i++ {
		if _, err := c.Write(rawFrame(0x100+uint32(i), byte(i))); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	sink.waitFor(3, 500*time.Millisecond)
	waitClients(h, 1)
	for i := 0; i < 5; i++ {
		srv.Hub.Broadcast(std(uint16(0x300 + i)))
	}
	readFrames(t, c, 5, 500*time.Millisecond)
	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	if post.TCPTx == pre.TCPTx {
		t.Fatalf("expected TCPTx delta (pre=%d post=%d)", pre.TCPTx, post.TCPTx)
	}
}

// TestSmokeHandshakeFailure counts a peer that closes before the hello.
func TestSmokeHandshakeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithHub(hub.New()), WithSink(&capture{}))
	raw, err := net.DialTimeout("tcp", srv.Addr(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	_ = raw.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.Stats().HandshakeFail == 0 {
		time.Sleep(3 * time.Millisecond)
	}
	if srv.Stats().HandshakeFail == 0 {
		t.Fatal("handshake failure not counted")
	}
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error %v", srv.LastError())
	}
}

// TestSmokeMalformedFrames sends an invalid length to trigger a decode error and disconnect.
func TestSmokeMalformedFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := startServer(t, ctx, WithHub(hub.New()), WithSink(&capture{}))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	pre := metrics.Snap()
	bad := rawFrame(0x111)
	bad[4] = 9
	if _, err := c.Write(bad); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && metrics.Snap().Malformed == pre.Malformed {
		time.Sleep(2 * time.Millisecond)
	}
	post := metrics.Snap()
	if post.Malformed <= pre.Malformed || post.Errors <= pre.Errors {
		t.Fatalf("expected malformed and error increments (pre=%+v post=%+v)", pre, post)
	}
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := c.Read(make([]byte, 8)); err == nil {
		t.Fatalf("expected connection closed after malformed frame")
	}
}

func TestSmokeBackendErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(Stats) uint64
	}{
		{"overflow", transport.ErrTxOverflow, func(s Stats) uint64 { return s.BackendOverflow }},
		{"rejected", can.ErrIllegalLength, func(s Stats) uint64 { return s.Rejected }},
		{"failed", errors.New("bus gone"), func(s Stats) uint64 { return s.BackendErrors }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv := startServer(t, ctx, WithHub(hub.New()), WithSink(&capture{err: tc.err}))
			c := dialAndHandshake(t, ctx, srv.Addr())
			defer c.Close()
			if _, err := c.Write(rawFrame(0x10, 1)); err != nil {
				t.Fatal(err)
			}
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) && tc.check(srv.Stats()) == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			if tc.check(srv.Stats()) != 1 {
				t.Fatalf("stats %+v", srv.Stats())
			}
		})
	}
}

// TestSmokeConcurrentClients ensures broadcasts reach multiple simultaneous clients.
func TestSmokeConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))
	const nClients = 5
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	waitClients(h, nClients)
	for i := 0; i < 10; i++ {
		srv.Hub.Broadcast(std(uint16(0x500 + i)))
	}
	for idx, c := range conns {
		frames := readFrames(t, c, 10, 500*time.Millisecond)
		if len(frames) != 10 || frames[0].ID.Value() != 0x500 {
			t.Fatalf("client %d got %v", idx, frames)
		}
	}
}

func TestClientFilterKeepsFDFromClassicPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}),
		WithClientFilter(func(f *can.Frame) bool { return !f.FD }))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	waitClients(h, 1)

	fd, _ := can.FrameFromCANID(0x10, true, false, make([]byte, 16))
	h.Broadcast(fd)
	h.Broadcast(std(0x11, 1))
	frames := readFrames(t, c, 2, 300*time.Millisecond)
	if len(frames) != 1 || frames[0].FD {
		t.Fatalf("got %v", frames)
	}
}

// TestGracefulShutdown ensures Shutdown closes listener and active clients.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))
	c1 := dialAndHandshake(t, ctx, srv.Addr())
	c2 := dialAndHandshake(t, ctx, srv.Addr())
	waitClients(h, 2)
	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	for i, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Read(buf); err == nil {
			t.Fatalf("expected c%d read to fail after shutdown", i+1)
		}
	}
	if h.Count() != 0 {
		t.Fatalf("hub still holds %d clients", h.Count())
	}
}

// TestFrameFilter ensures frames failing predicate are dropped (not counted in TCPRx nor sent to backend).
func TestFrameFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink := &capture{}
	srv := startServer(t, ctx, WithHub(hub.New()), WithSink(sink),
		WithFrameFilter(func(fr *can.Frame) bool { return fr.ID.Value()%2 == 0 }))
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()
	for i := 0; i < 4; i++ {
		if _, err := c.Write(rawFrame(0x100 + uint32(i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	sink.waitFor(2, 300*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 backend frames (even ids), got %d", len(got))
	}
	for _, fr := range got {
		if fr.ID.Value()%2 != 0 {
			t.Fatalf("backend received odd id %s", fr.ID)
		}
	}
}

// TestStressBroadcast (skipped under -short) creates many clients and pushes a higher volume of frames.
func TestStressBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("stress skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	h := hub.New()
	srv := startServer(t, ctx, WithHub(h), WithSink(&capture{}))

	const nClients = 20
	const nFrames = 200
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	waitClients(h, nClients)
	for i := 0; i < nFrames; i++ {
		srv.Hub.Broadcast(std(uint16(0x300 + i%64)))
		if i%25 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	for idx, c := range conns {
		if frames := readFrames(t, c, 1, 2*time.Second); len(frames) == 0 {
			t.Fatalf("client %d received nothing", idx)
		}
	}
}

// FuzzCodecDecode exercises Decode with arbitrary inputs to ensure no panics and proper error handling.
func FuzzCodecDecode(f *testing.F) {
	seed := [][]byte{
		{0, 0, 0, 1, 0},
		{0, 0, 0, 2, 1, 0xAA},
		{0, 0, 0, 3, 8, 1, 2, 3, 4, 5, 6, 7, 8},
		{0, 0, 0, 4, 9, 1, 2, 3},
		{0, 0, 0, 5, 0x8C, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	for _, s := range seed {
		f.Add(s)
	}
	c := &cnl.Codec{}
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		for i := 0; i < 4 && r.Len() > 0; i++ {
			if _, err := c.Decode(r); err != nil {
				break
			}
		}
	})
}

// --- Helpers ---

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: 1 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte(cnl.Hello)); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	buf := make([]byte, len(cnl.Hello))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read magic: %v", err)
	}
	return c
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
