package registry

import (
	"context"
	"net"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
)

// Run starts the heartbeat loop: every heartbeat interval it sends a
// zero-payload HEARTBEAT to each member and drops UDP stream registrations
// idle beyond the client idle timeout. Send failures mark members for
// removal; removal runs outside the registry lock. Blocks until the context
// is cancelled or Stop is called.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.hbDone)

	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	r.logger.Info("heartbeat loop started", "interval", config.HeartbeatInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.heartbeatTick()
			r.sweepStaleStreams()
		}
	}
}

// heartbeatTick sends one heartbeat to every member. Receive-driven refresh
// is authoritative for last-seen; a successful send is only a liveness hint
// and does not touch the timestamp.
func (r *Registry) heartbeatTick() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.members))
	for conn := range r.members {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	pkt := protocol.MustPack(protocol.TypeHeartbeat, nil)

	var failed []net.Conn
	for _, conn := range conns {
		if err := sendPacket(conn, pkt); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		username, ip := r.Remove(conn)
		r.logger.Info("member dropped on heartbeat failure", "username", username, "ip", ip)
	}
}

// Stop shuts the registry down: the heartbeat loop is joined with a bounded
// budget, every member receives a DISCONNECT and all sockets are closed.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	select {
	case <-r.hbDone:
	case <-time.After(2 * time.Second):
		r.logger.Warn("heartbeat loop did not stop within budget")
	}

	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.members))
	for conn := range r.members {
		conns = append(conns, conn)
	}
	r.members = make(map[net.Conn]*member)
	r.rooms = make(map[string]*room)
	r.streams = make(map[string]*streamEntry)
	r.mu.Unlock()

	pkt := protocol.MustPack(protocol.TypeDisconnect, nil)
	for _, conn := range conns {
		sendPacket(conn, pkt)
		conn.Close()
	}

	r.events.close()
	r.logger.Info("registry stopped", "disconnected", len(conns))
}
