package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/namespace"
)

var serverLogger = logging.New("transport", nil)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("transport: server closed")

// DefaultMaxConns bounds concurrent connections when ServerConfig.MaxConns is zero.
const DefaultMaxConns = 256

// ServerConfig holds server parameters.
type ServerConfig struct {
	// MaxConns is the connection pool size. Connections over it are refused.
	MaxConns int
}

// Server accepts connections and serves each one on a pooled goroutine.
// Requests on one connection are served in order.
type Server struct {
	handler *Handler
	pool    *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lns    map[net.Listener]struct{}
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer returns a Server for h.
func NewServer(h *Handler, cfg ServerConfig) (*Server, error) {
	size := cfg.MaxConns
	if size <= 0 {
		size = DefaultMaxConns
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: h,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		lns:     map[net.Listener]struct{}{},
		conns:   map[net.Conn]struct{}{},
	}, nil
}

// Listen opens a unix socket at path, replacing a socket file left behind by
// an earlier process.
func Listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listen %s: exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		serverLogger.Warnf("removed stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ln fails or the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)
	serverLogger.Infof("serving on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			return err
		}
		if !s.trackConn(conn, true) {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		if err := s.pool.Submit(func() { s.serveConn(conn) }); err != nil {
			s.wg.Done()
			if s.closed.Load() {
				// Close already dropped conn along with the pool.
				return ErrServerClosed
			}
			s.trackConn(conn, false)
			_ = conn.Close()
			serverLogger.Warnf("refusing connection: %v", err)
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.trackConn(conn, false)
	defer conn.Close()

	sess := newSession()
	defer sess.release(s.ctx, s.handler)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		req, err := ReadRequest(r)
		var rep Reply
		switch {
		case err == nil:
			rep = sess.serve(s.ctx, s.handler, req)
		case errors.Is(err, ErrMalformed), errors.Is(err, namespace.ErrNameTooLong):
			serverLogger.Debugf("bad request from %s: %v", conn.RemoteAddr(), err)
			rep = Reply{Status: StatusInvalidParameter}
		default:
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				serverLogger.Debugf("connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := WriteReply(w, rep); err != nil {
			return
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed.Load() {
			return false
		}
		s.lns[ln] = struct{}{}
		return true
	}
	delete(s.lns, ln)
	return true
}

func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the listeners, drops every connection, closes the handles they
// held and waits for their goroutines.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	var errs []error
	for ln := range s.lns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.pool.Release()
	return errors.Join(errs...)
}

// session is the per-connection handle table. Handles are only usable on the
// connection that obtained them.
type session struct {
	handles map[namespace.Handle]struct{}
}

func newSession() *session {
	return &session{handles: map[namespace.Handle]struct{}{}}
}

func (ss *session) serve(ctx context.Context, h *Handler, req Request) Reply {
	if !h.Enabled() {
		return Reply{Status: StatusNotImplemented}
	}
	switch req.Op {
	case OpGetSlot, OpClose:
		if _, ok := ss.handles[req.Handle]; !ok {
			return Reply{Status: StatusInvalidHandle}
		}
	}
	rep := h.Serve(ctx, req)
	if rep.Status != StatusOK {
		return rep
	}
	switch req.Op {
	case OpCreate, OpOpen:
		ss.handles[rep.Handle] = struct{}{}
	case OpClose:
		delete(ss.handles, req.Handle)
	}
	return rep
}

func (ss *session) release(ctx context.Context, h *Handler) {
	for hd := range ss.handles {
		if err := h.CloseHandle(ctx, hd); err != nil {
			serverLogger.Warnf("close handle %d on disconnect: %v", hd, err)
		}
	}
	if n := len(ss.handles); n > 0 {
		serverLogger.Debugf("closed %d handles left by a dropped connection", n)
	}
	ss.handles = nil
}
