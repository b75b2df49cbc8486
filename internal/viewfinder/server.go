package viewfinder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/babelcloud/camlink/internal/protocol"
	"github.com/babelcloud/camlink/internal/util"
)

// DefaultPort is the UDP port the camera streams the viewfinder to.
const DefaultPort = 4001

// Server receives viewfinder datagrams on a UDP port.
type Server struct {
	mu      sync.Mutex
	addr    string
	conn    *net.UDPConn
	cancel  context.CancelFunc
	done    chan struct{}
	backlog int
}

// NewServer creates a server bound to addr on Start, e.g. ":4001".
func NewServer(addr string) *Server {
	return &Server{
		addr:    addr,
		backlog: 256,
	}
}

// Start opens the socket and begins reading. Datagrams are delivered on the
// returned channel, which is closed when the reader stops. Datagrams that
// arrive while the channel is full are dropped.
func (s *Server) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil, fmt.Errorf("viewfinder server already started on %s", s.conn.LocalAddr())
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", s.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})

	out := make(chan []byte, s.backlog)
	go s.runReader(ctx, conn, out, s.done)

	util.GetLogger().Info("Viewfinder server started", "addr", conn.LocalAddr().String())
	return out, nil
}

// Stop closes the socket and waits for the reader to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	conn, cancel, done := s.conn, s.cancel, s.done
	s.conn, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	conn.Close()
	<-done
	util.GetLogger().Info("Viewfinder server stopped")
}

// Running reports whether the socket is open.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Port returns the bound UDP port, or 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *Server) runReader(ctx context.Context, conn *net.UDPConn, out chan<- []byte, done chan struct{}) {
	logger := util.GetLogger()
	defer close(done)
	defer close(out)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, protocol.ViewfinderMaxDatagram)
	dropped := 0
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("Viewfinder socket closed")
			} else {
				logger.Error("Failed to read viewfinder datagram", "error", err)
			}
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case out <- datagram:
		default:
			dropped++
			if dropped%100 == 1 {
				logger.Warn("Viewfinder consumer is behind, dropping datagrams", "dropped", dropped)
			}
		}
	}
}
