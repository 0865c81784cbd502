// Package registry is the single source of truth for connected members:
// their TCP control sockets, their learned UDP return addresses, their rooms
// and their liveness. Every router consults it to determine per-packet
// fan-out membership.
//
// One mutex guards the member map, the room directory and the stream map.
// Methods that produce snapshots copy the underlying collections; no caller
// holds the lock across an I/O call.
package registry

import (
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanmeet/lanmeet/internal/protocol"
)

// UnknownUsername is the placeholder username between TCP accept and
// registration. Unknown members are excluded from user-list payloads.
const UnknownUsername = "Unknown"

// DefaultRoom is the room every member starts in before registering.
const DefaultRoom = "default"

// StreamKind identifies a UDP stream type.
type StreamKind string

const (
	StreamVideo StreamKind = "video"
	StreamAudio StreamKind = "audio"
)

// member is the registry's internal record of one TCP control connection.
type member struct {
	id       string
	conn     net.Conn
	ip       string
	port     int
	username string
	room     string
	lastSeen time.Time
}

// streamEntry tracks the UDP return addresses learned for one source IP.
type streamEntry struct {
	video    *net.UDPAddr
	audio    *net.UDPAddr
	lastSeen time.Time
}

// MemberRef is a snapshot reference to a member, safe to use outside the
// registry lock.
type MemberRef struct {
	ID       string
	Conn     net.Conn
	IP       string
	Username string
	Room     string
}

// Stats is a point-in-time summary for monitoring.
type Stats struct {
	Members        int `json:"members"`
	Rooms          int `json:"rooms"`
	VideoListeners int `json:"video_listeners"`
	AudioListeners int `json:"audio_listeners"`
}

// Registry tracks all connected members and their UDP stream registrations.
// It is constructed once at server startup and passed explicitly to each
// listener.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	members map[net.Conn]*member
	rooms   map[string]*room
	streams map[string]*streamEntry // keyed by source IP

	events *eventHub

	stopCh   chan struct{}
	stopOnce sync.Once
	hbDone   chan struct{}
}

// New creates an empty registry. Call Run to start the heartbeat loop.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		members: make(map[net.Conn]*member),
		rooms:   make(map[string]*room),
		streams: make(map[string]*streamEntry),
		events:  newEventHub(),
		stopCh:  make(chan struct{}),
		hbDone:  make(chan struct{}),
	}
}

// Add inserts a new, not-yet-registered member in the default room and
// returns its generated member ID. A global user-list broadcast is scheduled
// (Unknown entries are filtered out of the payload, so the new member is not
// yet visible to others).
func (r *Registry) Add(conn net.Conn, remote *net.TCPAddr) string {
	m := &member{
		id:       uuid.NewString(),
		conn:     conn,
		ip:       remote.IP.String(),
		port:     remote.Port,
		username: UnknownUsername,
		room:     DefaultRoom,
		lastSeen: time.Now(),
	}

	r.mu.Lock()
	r.members[conn] = m
	r.roomJoinLocked(m, DefaultRoom)
	total := len(r.members)
	r.mu.Unlock()

	r.logger.Info("member added", "member_id", m.id, "ip", m.ip, "total", total)
	r.events.publish(Event{Kind: EventJoin, MemberID: m.id, IP: m.ip, Room: DefaultRoom})

	go r.BroadcastUserList()
	return m.id
}

// Remove deletes the member for the given socket, closes the socket and drops
// any UDP stream registrations learned from its IP. Returns the username and
// IP that were removed. User-list broadcasts are scheduled when the member
// had registered.
func (r *Registry) Remove(conn net.Conn) (username, ip string) {
	r.mu.Lock()
	m, ok := r.members[conn]
	if !ok {
		r.mu.Unlock()
		return UnknownUsername, ""
	}
	delete(r.members, conn)
	roomID := m.room
	r.roomLeaveLocked(m)
	delete(r.streams, m.ip)
	total := len(r.members)
	r.mu.Unlock()

	conn.Close()

	r.logger.Info("member removed", "member_id", m.id, "username", m.username, "ip", m.ip, "total", total)
	r.events.publish(Event{Kind: EventLeave, MemberID: m.id, Username: m.username, IP: m.ip, Room: roomID})

	if m.username != UnknownUsername {
		go r.BroadcastUserList()
		go r.BroadcastRoomUserList(roomID)
	}
	return m.username, m.ip
}

// Touch refreshes the member's last-seen time. A username is only promoted
// while the stored one is still Unknown; promotion schedules a global
// user-list broadcast. A supplied room updates the member unless it would
// downgrade a non-default room back to default.
func (r *Registry) Touch(conn net.Conn, username, roomID string) bool {
	r.mu.Lock()
	m, ok := r.members[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	promoted := r.touchLocked(m, username, roomID)
	broadcastRoom := m.room
	r.mu.Unlock()

	if promoted {
		go r.BroadcastUserList()
		go r.BroadcastRoomUserList(broadcastRoom)
	}
	return true
}

// TouchByIP is Touch keyed by source IP instead of socket; the UDP routers
// use it to learn member identity from registration datagrams.
func (r *Registry) TouchByIP(ip, username, roomID string) bool {
	r.mu.Lock()
	var m *member
	for _, cand := range r.members {
		if cand.ip == ip {
			m = cand
			break
		}
	}
	if m == nil {
		r.mu.Unlock()
		return false
	}
	promoted := r.touchLocked(m, username, roomID)
	broadcastRoom := m.room
	r.mu.Unlock()

	if promoted {
		go r.BroadcastUserList()
		go r.BroadcastRoomUserList(broadcastRoom)
	}
	return true
}

// touchLocked updates last-seen, username and room under the registry lock.
// Reports whether the username was promoted from Unknown.
func (r *Registry) touchLocked(m *member, username, roomID string) (promoted bool) {
	m.lastSeen = time.Now()
	if username != "" && m.username == UnknownUsername {
		m.username = username
		r.reindexUsernameLocked(m)
		promoted = true
		r.events.publish(Event{Kind: EventRegister, MemberID: m.id, Username: m.username, IP: m.ip, Room: m.room})
	}
	if roomID != "" {
		// Ignore a downgrade to default when a real room is already set:
		// UDP registration datagrams default the room field and must not
		// evict the member from the room the control channel negotiated.
		if roomID != DefaultRoom || m.room == DefaultRoom {
			r.moveRoomLocked(m, roomID)
		}
	}
	return promoted
}

// Register binds a member to an asserted username and room, promoting it
// from Unknown. Missing rooms are created lazily. Changing rooms is atomic
// (leave, then join) and schedules user-list broadcasts for both rooms.
func (r *Registry) Register(conn net.Conn, username, roomID string) bool {
	if roomID == "" {
		roomID = DefaultRoom
	}

	r.mu.Lock()
	m, ok := r.members[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	m.lastSeen = time.Now()
	oldRoom := m.room
	m.username = username
	r.reindexUsernameLocked(m)
	r.moveRoomLocked(m, roomID)
	r.mu.Unlock()

	r.logger.Info("member registered", "member_id", m.id, "username", username, "ip", m.ip, "room", roomID)
	r.events.publish(Event{Kind: EventRegister, MemberID: m.id, Username: username, IP: m.ip, Room: roomID})

	go r.BroadcastUserList()
	go r.BroadcastRoomUserList(roomID)
	if oldRoom != roomID {
		go r.BroadcastRoomUserList(oldRoom)
	}
	return true
}

// MemberBySocket returns a snapshot of the member on the given socket.
func (r *Registry) MemberBySocket(conn net.Conn) (MemberRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[conn]
	if !ok {
		return MemberRef{}, false
	}
	return m.ref(), true
}

// UsernameByIP returns the registered username for a source IP, or the IP
// itself when the member is unknown or unregistered.
func (r *Registry) UsernameByIP(ip string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.ip == ip && m.username != UnknownUsername {
			return m.username
		}
	}
	return ip
}

// RoomOf returns the room for the member at the given source IP, or the
// default room when no member matches.
func (r *Registry) RoomOf(ip string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.ip == ip {
			return m.room
		}
	}
	return DefaultRoom
}

// UserList returns display entries for every registered member. Unknown
// members are excluded.
func (r *Registry) UserList() []protocol.UserEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userListLocked(nil)
}

// userListLocked builds user entries, optionally filtered to one room.
func (r *Registry) userListLocked(filterRoom *string) []protocol.UserEntry {
	now := time.Now()
	entries := make([]protocol.UserEntry, 0, len(r.members))
	appendMember := func(m *member) {
		if m.username == UnknownUsername {
			return
		}
		entries = append(entries, protocol.UserEntry{
			Username:          m.username,
			IP:                m.ip,
			LastSeen:          float64(m.lastSeen.UnixNano()) / 1e9,
			LastSeenFormatted: protocol.FormatLastSeen(m.lastSeen, now),
			Room:              m.room,
		})
	}
	if filterRoom != nil {
		if rm, ok := r.rooms[*filterRoom]; ok {
			for _, m := range rm.members {
				appendMember(m)
			}
		}
		return entries
	}
	for _, rm := range r.rooms {
		for _, m := range rm.members {
			appendMember(m)
		}
	}
	return entries
}

// GetStats returns a point-in-time summary for the monitoring gateway.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Members: len(r.members), Rooms: len(r.rooms)}
	for _, e := range r.streams {
		if e.video != nil {
			s.VideoListeners++
		}
		if e.audio != nil {
			s.AudioListeners++
		}
	}
	return s
}

func (m *member) ref() MemberRef {
	return MemberRef{ID: m.id, Conn: m.conn, IP: m.ip, Username: m.username, Room: m.room}
}

// foldName is the registry's username key: case-insensitive with surrounding
// whitespace ignored, matching how targets arrive off the wire.
func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
