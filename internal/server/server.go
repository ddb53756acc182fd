package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/cnl"
	"github.com/kstaniek/go-fdcan/internal/hub"
	"github.com/kstaniek/go-fdcan/internal/logging"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/transport"
)

// SendFunc adapts a function to transport.FrameSink.
type SendFunc func(can.Frame) error

func (fn SendFunc) SendFrame(f can.Frame) error { return fn(f) }

// Server accepts cannelloni clients and bridges them to a CAN controller.
// Frames read from clients go to Sink (normally the gateway's transmit
// queue); frames broadcast on Hub go to every client whose filter accepts them.
type Server struct {
	Hub   *hub.Hub
	Codec transport.FrameDecoder // *cnl.Codec implements
	Sink  transport.FrameSink

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	frameFilter      func(*can.Frame) bool
	clientFilter     func(*can.Frame) bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup
	connSeq   atomic.Uint64
	stats     counters
}

// counters back Stats.
type counters struct {
	accepted, handshakeFail, connected, disconnected atomic.Uint64
	overflow, backendErrors, rejected                atomic.Uint64
}

// Stats is a copy of the server's lifetime counters.
type Stats struct {
	Accepted, HandshakeFail, Connected, Disconnected uint64
	// BackendOverflow counts client frames dropped because the transmit
	// queue was full; Rejected those the controller cannot carry.
	BackendOverflow, BackendErrors, Rejected uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
	acceptRetryDelay        = 200 * time.Millisecond
	keepAlivePeriod         = 30 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption            { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption                { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.FrameDecoder) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSink(sink transport.FrameSink) ServerOption  { return func(s *Server) { s.Sink = sink } }
func WithSend(send SendFunc) ServerOption             { return func(s *Server) { s.Sink = send } }

// WithFrameFilter drops client frames failing fn before they reach the sink.
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

// WithClientFilter installs fn as every client's hub filter, e.g. to keep FD
// frames away from classic-only peers.
func WithClientFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.clientFilter = fn }
}

// positive returns an option that assigns v only when it is above zero.
func positive[T int | time.Duration](v T, set func(*Server, T)) ServerOption {
	return func(s *Server) {
		if v > 0 {
			set(s, v)
		}
	}
}

// WithFlushInterval bounds how long a partial batch waits before it is written.
func WithFlushInterval(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.flushInterval = v })
}

// WithBatchSize sets how many frames a writer coalesces into one TCP write.
func WithBatchSize(n int) ServerOption {
	return positive(n, func(s *Server, v int) { s.batchSize = v })
}

// WithReadDeadline sets the per-read deadline on client connections.
func WithReadDeadline(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.readDeadline = v })
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return positive(d, func(s *Server, v time.Duration) { s.handshakeTimeout = v })
}

// WithMaxClients caps simultaneous clients; 0 leaves them unlimited.
func WithMaxClients(n int) ServerOption {
	return positive(n, func(s *Server, v int) { s.maxClients = v })
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// SetListenAddr changes the address used by the next Serve.
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors delivers the first error not yet consumed; later ones only update LastError.
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// fail records err under its metrics label and returns it.
func (s *Server) fail(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.setError(err)
	return err
}

func (s *Server) Stats() Stats {
	c := &s.stats
	return Stats{
		Accepted:        c.accepted.Load(),
		HandshakeFail:   c.handshakeFail.Load(),
		Connected:       c.connected.Load(),
		Disconnected:    c.disconnected.Load(),
		BackendOverflow: c.overflow.Load(),
		BackendErrors:   c.backendErrors.Load(),
		Rejected:        c.rejected.Load(),
	}
}

// Serve listens on the configured address and serves clients until ctx is
// done. It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.admit(ctx, conn)
	}
}

// admit runs the handshake and, if the client fits, attaches it to the hub.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.stats.accepted.Add(1)
	logger := s.logger.With("conn_id", s.connSeq.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := s.CannelloniHandshake(ctx, conn); err != nil {
		err = s.fail(fmt.Errorf("%w: %v", ErrHandshake, err))
		s.stats.handshakeFail.Add(1)
		logger.Warn("handshake_failed", "error", err)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	client := s.newClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.stats.connected.Add(1)
	logger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, logger)
	s.startReader(ctx.Done(), conn, client, logger)
}

func (s *Server) newClient() *hub.Client {
	size := defaultClientBuffer
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		size = s.Hub.OutBufSize
	}
	cl := hub.NewClient(size)
	cl.Accept = s.clientFilter
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	return cl
}

// forget detaches cl from the hub and the connection table.
func (s *Server) forget(cl *hub.Client) {
	if s.Hub != nil {
		s.Hub.Remove(cl)
	}
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// CannelloniHandshake exchanges the protocol hello with a new client.
func (s *Server) CannelloniHandshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}

// Shutdown closes the listener and every client, then waits for the client
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	conns := make(map[*hub.Client]net.Conn, len(s.clients))
	for cl, conn := range s.clients {
		conns[cl] = conn
	}
	s.clientsMu.Unlock()
	for cl, conn := range conns {
		_ = conn.Close()
		s.forget(cl)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
	}
	st := s.Stats()
	s.logger.Info("shutdown_summary",
		"accepted", st.Accepted,
		"handshake_fail", st.HandshakeFail,
		"connected", st.Connected,
		"disconnected", st.Disconnected,
		"backend_overflow", st.BackendOverflow,
		"backend_errors", st.BackendErrors,
		"rejected", st.Rejected,
	)
	return nil
}
