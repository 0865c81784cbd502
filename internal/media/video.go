package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// udpReadBuffer is the receive buffer for one datagram; UDP caps payloads
// well below this.
const udpReadBuffer = 64 * 1024

// streamRegistration is the JSON payload of a REGISTER datagram on the video
// and audio ports. UDP registration uses "room" where the control channel
// uses "meeting_id".
type streamRegistration struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// VideoRouter receives video frames over UDP and re-emits each datagram
// byte-for-byte to every video listener in the sender's room, excluding the
// sender. No re-encoding, no reordering, no queueing.
type VideoRouter struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *slog.Logger

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesRouted atomic.Uint64
	bytesRouted  atomic.Uint64
}

func NewVideoRouter(cfg *config.Config, reg *registry.Registry) *VideoRouter {
	return &VideoRouter{
		cfg:    cfg,
		reg:    reg,
		logger: slog.Default().With("component", "video"),
	}
}

// Start binds the video port and begins routing datagrams.
func (v *VideoRouter) Start(ctx context.Context) error {
	ctx, v.cancel = context.WithCancel(ctx)

	addr, err := net.ResolveUDPAddr("udp", v.cfg.VideoAddr())
	if err != nil {
		return fmt.Errorf("resolve video addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind video port: %w", err)
	}
	v.conn = conn
	v.logger.Info("video router listening", "addr", conn.LocalAddr().String())

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.readLoop(ctx)
	}()
	return nil
}

// Stop shuts the router down and waits for the read loop to exit.
func (v *VideoRouter) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
	if v.conn != nil {
		v.conn.Close()
	}
	v.wg.Wait()
	v.logger.Info("video router stopped")
}

func (v *VideoRouter) readLoop(ctx context.Context) {
	buf := make([]byte, udpReadBuffer)
	for ctx.Err() == nil {
		v.conn.SetReadDeadline(time.Now().Add(config.SocketTimeout))
		n, sender, err := v.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				v.logger.Warn("video receive failed", "error", err)
			}
			continue
		}

		datagram := buf[:n]
		h, payload, err := protocol.Unpack(datagram)
		if err != nil {
			// Malformed packets are dropped silently.
			continue
		}

		switch h.Type {
		case protocol.TypeRegister:
			handleStreamRegister(v.reg, registry.StreamVideo, sender, payload)
		case protocol.TypeStreamVideo:
			v.reg.RegisterStream(registry.StreamVideo, cloneUDPAddr(sender))
			v.routeFrame(datagram, sender)
		}
	}
}

// routeFrame re-emits the original datagram to every video listener in the
// sender's room except the sender's own address.
func (v *VideoRouter) routeFrame(datagram []byte, sender *net.UDPAddr) {
	room := v.reg.RoomOf(sender.IP.String())
	listeners := v.reg.Listeners(registry.StreamVideo, room)

	for _, listener := range listeners {
		if listener.IP.Equal(sender.IP) && listener.Port == sender.Port {
			continue
		}
		if _, err := v.conn.WriteToUDP(datagram, listener); err != nil {
			v.reg.UnregisterStream(registry.StreamVideo, listener)
			continue
		}
		v.framesRouted.Add(1)
		v.bytesRouted.Add(uint64(len(datagram)))
	}
}

// FramesRouted returns the total datagrams forwarded to listeners.
func (v *VideoRouter) FramesRouted() uint64 {
	return v.framesRouted.Load()
}

// BytesRouted returns the total bytes forwarded to listeners.
func (v *VideoRouter) BytesRouted() uint64 {
	return v.bytesRouted.Load()
}

// handleStreamRegister processes a REGISTER datagram on a media port: it
// teaches the registry the member's identity at that source IP and records
// the datagram's source as the return address for the stream kind.
func handleStreamRegister(reg *registry.Registry, kind registry.StreamKind, sender *net.UDPAddr, payload []byte) {
	var regMsg streamRegistration
	if err := json.Unmarshal(payload, &regMsg); err == nil {
		reg.TouchByIP(sender.IP.String(), regMsg.Username, regMsg.Room)
	}
	reg.RegisterStream(kind, cloneUDPAddr(sender))
}

// cloneUDPAddr copies a sender address out of the read loop's reusable
// storage before handing it to the registry.
func cloneUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}
