package loopback

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrServerClosed is returned by Serve after Shutdown or after a handler stopped the server.
var ErrServerClosed = errors.New("loopback: server closed")

// LoopbackHost is the only interface the server binds to.
const LoopbackHost = "127.0.0.1"

const (
	defaultReadTimeout = 10 * time.Second
	maxDrainBytes      = 256 * 1024
)

// Options tunes a Server.
type Options struct {
	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int
	// ReadTimeout bounds how long one connection may take to deliver its request.
	ReadTimeout time.Duration
}

// Server accepts connections on a loopback listener and handles them one at a time on
// the accept goroutine.
type Server struct {
	// listener is the bound loopback socket
	listener net.Listener
	// handler dispatches parsed requests
	handler Handler
	// maxBody caps request bodies
	maxBody int
	// readTimeout bounds request delivery per connection
	readTimeout time.Duration
	// mu protects closed
	mu sync.Mutex
	// closed is set once the accept loop must end
	closed bool
	// done is closed when Serve returns
	done chan struct{}
}

// Bind listens on the first free port from preferred, in order, and falls back to an
// OS-assigned port.
//
// Parameters:
//   - preferred: Ports to try first. Zero entries are skipped.
//
// Returns:
//   - net.Listener: The bound listener
//   - int: The bound port
//   - error: An error if even the ephemeral fallback could not be bound
func Bind(preferred []int) (net.Listener, int, error) {
	for _, port := range preferred {
		if port <= 0 {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		log.WithField("port", port).Debugf("loopback port unavailable: %v", err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("loopback: bind ephemeral port: %w", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// NewServer creates a server for an already bound listener.
//
// Parameters:
//   - ln: The listener returned by Bind
//   - handler: The request dispatcher, usually a *Router
//   - opts: Body cap and read timeout
//
// Returns:
//   - *Server: A server ready to Serve
func NewServer(ln net.Listener, handler Handler, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Server{
		listener:    ln,
		handler:     handler,
		maxBody:     opts.MaxBodyBytes,
		readTimeout: opts.ReadTimeout,
		done:        make(chan struct{}),
	}
}

// Port returns the bound port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Done is closed when the accept loop has ended.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Start runs Serve on a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
			log.Errorf("loopback server stopped: %v", err)
		}
	}()
}

// Serve accepts connections until Shutdown is called or a handler returns a response with
// StopServer set. Each connection is handled to completion before the next accept.
//
// Returns:
//   - error: ErrServerClosed on an orderly stop, otherwise the accept error
func (s *Server) Serve() error {
	defer close(s.done)
	defer func() { _ = s.listener.Close() }()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("loopback: accept: %w", err)
		}
		if stop := s.handleConn(conn); stop {
			s.markClosed()
			return ErrServerClosed
		}
		if s.isClosed() {
			return ErrServerClosed
		}
	}
}

// Shutdown stops accepting connections. It does not wait for Serve to return; use Done.
func (s *Server) Shutdown() {
	s.markClosed()
	_ = s.listener.Close()
}

func (s *Server) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConn serves exactly one request. Panics and write failures are contained here.
func (s *Server) handleConn(conn net.Conn) (stop bool) {
	defer func() {
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("loopback: handler panic: %v", r)
			stop = false
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	br := bufio.NewReader(conn)
	req, err := ReadRequest(br, s.maxBody)
	if err != nil {
		if parseErr, ok := IsParseError(err); ok {
			log.WithField("reason", parseErr.Kind).Debugf("loopback: rejecting request: %v", parseErr)
			s.write(conn, JSON(http.StatusBadRequest, []byte(`{"ok":false,"error":"`+string(parseErr.Kind)+`"}`)))
		}
		return false
	}
	req.RemoteAddr = conn.RemoteAddr().String()

	resp := s.handler.ServeLoopback(req)
	if resp == nil {
		resp = &Response{Status: http.StatusNoContent}
	}
	s.write(conn, resp)
	if req.BodyOmitted {
		// Drain what the client already sent so closing does not reset the connection
		// before it reads the response.
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _ = io.CopyN(io.Discard, br, int64(min(req.ContentLength, maxDrainBytes)))
	}
	return resp.StopServer
}

func (s *Server) write(conn net.Conn, resp *Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := resp.WriteTo(conn); err != nil {
		log.Debugf("loopback: dropping connection after write error: %v", err)
	}
}
