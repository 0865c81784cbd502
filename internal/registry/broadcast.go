package registry

import (
	"net"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
)

// sendPacket writes one framed packet to a member socket with a bounded
// write deadline.
func sendPacket(conn net.Conn, pkt []byte) error {
	conn.SetWriteDeadline(time.Now().Add(config.SocketTimeout))
	_, err := conn.Write(pkt)
	return err
}

// SendTo writes a framed packet to a member socket. On failure the member is
// removed from the registry (which also schedules user-list broadcasts).
func (r *Registry) SendTo(conn net.Conn, pkt []byte) error {
	if err := sendPacket(conn, pkt); err != nil {
		r.Remove(conn)
		return err
	}
	return nil
}

// BroadcastUserList sends the global user list (Unknown entries filtered) to
// every live control socket. Sockets that fail to accept the write are
// removed. Runs outside the registry lock; callers typically invoke it on a
// fresh goroutine.
func (r *Registry) BroadcastUserList() {
	r.mu.Lock()
	entries := r.userListLocked(nil)
	conns := make([]net.Conn, 0, len(r.members))
	for conn := range r.members {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	pkt := protocol.MustPack(protocol.TypeUserList, protocol.EncodeUserList(entries))

	var failed []net.Conn
	for _, conn := range conns {
		if err := sendPacket(conn, pkt); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		r.Remove(conn)
	}
}

// BroadcastRoomUserList sends the room-filtered user list to the sockets in
// that room only.
func (r *Registry) BroadcastRoomUserList(roomID string) {
	r.mu.Lock()
	entries := r.userListLocked(&roomID)
	var conns []net.Conn
	if rm, ok := r.rooms[roomID]; ok {
		conns = make([]net.Conn, 0, len(rm.members))
		for _, m := range rm.members {
			conns = append(conns, m.conn)
		}
	}
	r.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	pkt := protocol.MustPack(protocol.TypeUserList, protocol.EncodeUserList(entries))

	var failed []net.Conn
	for _, conn := range conns {
		if err := sendPacket(conn, pkt); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		r.Remove(conn)
	}
}
