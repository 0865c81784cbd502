// Package screen implements the screen-share channel: a TCP fan-out of
// length-prefixed frames from a presenter to every other connected socket.
// Frames do not carry the common packet header; the format is a 4-byte
// big-endian length followed by that many bytes, with length zero as the
// explicit stop sentinel.
package screen

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
)

// Server accepts screen-share connections. Any connection may present;
// every frame it sends is forwarded to all other connections, which makes
// viewers of everyone else. Viewers may join mid-stream.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesForwarded atomic.Uint64
}

func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: slog.Default().With("component", "screen"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the screen port and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.ScreenAddr())
	if err != nil {
		return fmt.Errorf("bind screen port: %w", err)
	}
	s.ln = ln
	s.logger.Info("screen server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()
	return nil
}

// Stop closes the listener and every connection, then waits for handlers.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.closeAll()
	s.wg.Wait()
	s.logger.Info("screen server stopped")
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		total := len(s.conns)
		s.mu.Unlock()
		s.logger.Info("screen connection opened", "remote", conn.RemoteAddr().String(), "total", total)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads length-prefixed frames until the socket closes. Frames
// are forwarded as received; a declared length over the frame cap is
// malformed and drops the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.drop(conn)

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		frameLen := binary.BigEndian.Uint32(header)
		if frameLen > config.MaxScreenFrame {
			s.logger.Warn("oversized screen frame rejected",
				"remote", conn.RemoteAddr().String(), "declared", frameLen)
			return
		}

		if frameLen == 0 {
			// Stop sentinel: forwarded so viewers render "no share".
			s.broadcast(conn, header)
			continue
		}

		frame := make([]byte, 4+frameLen)
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[4:]); err != nil {
			return
		}
		s.broadcast(conn, frame)
	}
}

// broadcast forwards one complete frame to every connection except the
// presenter. A failed write drops that viewer.
func (s *Server) broadcast(presenter net.Conn, frame []byte) {
	s.mu.Lock()
	viewers := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		if conn != presenter {
			viewers = append(viewers, conn)
		}
	}
	s.mu.Unlock()

	for _, viewer := range viewers {
		viewer.SetWriteDeadline(time.Now().Add(config.SocketTimeout))
		if _, err := viewer.Write(frame); err != nil {
			s.drop(viewer)
			continue
		}
		s.framesForwarded.Add(1)
	}
}

// ActiveConnections returns the number of open screen sockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// FramesForwarded returns the total frames (including stop sentinels)
// delivered to viewers.
func (s *Server) FramesForwarded() uint64 {
	return s.framesForwarded.Load()
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	_, present := s.conns[conn]
	delete(s.conns, conn)
	total := len(s.conns)
	s.mu.Unlock()

	conn.Close()
	if present {
		s.logger.Info("screen connection closed", "remote", conn.RemoteAddr().String(), "total", total)
	}
}
