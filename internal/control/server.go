// Package control implements the TCP control channel: registration,
// heartbeats, chat routing and disconnects, all multiplexed over one
// long-lived framed connection per member.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// Server accepts control connections and runs a framed reader per member.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	router *ChatRouter
	logger *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the control server. The chat router it builds is shared
// with the file-transfer server for availability notices.
func NewServer(cfg *config.Config, reg *registry.Registry) *Server {
	return &Server{
		cfg:    cfg,
		reg:    reg,
		router: NewChatRouter(reg),
		logger: slog.Default().With("component", "control"),
	}
}

// Router returns the chat router backing this server.
func (s *Server) Router() *ChatRouter {
	return s.router
}

// Start binds the control port and begins accepting connections. It returns
// once the listener is bound; accepting continues until the context is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("bind control port: %w", err)
	}
	s.ln = ln
	s.logger.Info("control server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return nil
}

// Stop closes the listener and waits for per-connection readers to exit.
// Member sockets themselves are closed by the registry on removal.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("control server stopped")
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
		remote, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, remote)
		}()
	}
}

// handleConn is the per-member reader. Read deadlines are short so the loop
// can observe cancellation; a timeout resumes the loop, a zero read or any
// other error ends it.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, remote *net.TCPAddr) {
	memberID := s.reg.Add(conn, remote)
	logger := s.logger.With("member_id", memberID, "ip", remote.IP.String())
	defer func() {
		username, ip := s.reg.Remove(conn)
		logger.Info("control connection closed", "username", username, "ip", ip)
	}()

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(config.SocketTimeout))
		h, payload, err := protocol.ReadMessage(conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("control read failed", "error", err)
			}
			return
		}

		s.reg.Touch(conn, "", "")

		switch h.Type {
		case protocol.TypeRegister:
			s.handleRegister(conn, remote, payload, logger)
		case protocol.TypeChat:
			s.router.Route(conn, payload)
		case protocol.TypeHeartbeat:
			// Touch above already refreshed last-seen.
		case protocol.TypeDisconnect:
			logger.Info("member requested disconnect")
			return
		default:
			logger.Debug("unexpected control message", "type", protocol.TypeName(h.Type))
		}
	}
}

// registerRequest is the REGISTER payload off the wire.
type registerRequest struct {
	Username  string `json:"username"`
	MeetingID string `json:"meeting_id"`
}

// handleRegister binds the member to its asserted username and room. Absent
// fields fall back to a port-derived username and the default room.
func (s *Server) handleRegister(conn net.Conn, remote *net.TCPAddr, payload []byte, logger *slog.Logger) {
	var req registerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Warn("malformed register payload", "error", err)
		return
	}
	if req.Username == "" {
		req.Username = fmt.Sprintf("User-%d", remote.Port)
	}
	if req.MeetingID == "" {
		req.MeetingID = registry.DefaultRoom
	}
	s.reg.Register(conn, req.Username, req.MeetingID)
	logger.Info("member registered", "username", req.Username, "room", req.MeetingID)
}
