package registry

import "net"

// room is a named group of members: an insertion-ordered member list plus a
// case-folded username index for unicast lookup. Rooms are created lazily on
// first join and destroyed when the last member leaves. Display casing is
// whatever the member asserted; the index key is folded.
type room struct {
	id      string
	members []*member          // insertion order
	byName  map[string]*member // folded username → member
}

// roomJoinLocked adds a member to a room, creating it on demand. The caller
// holds the registry lock.
func (r *Registry) roomJoinLocked(m *member, roomID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, byName: make(map[string]*member)}
		r.rooms[roomID] = rm
		r.logger.Debug("room created", "room", roomID)
	}
	rm.members = append(rm.members, m)
	if m.username != UnknownUsername {
		rm.byName[foldName(m.username)] = m
	}
	m.room = roomID
}

// roomLeaveLocked removes a member from its current room, deleting the room
// when it empties. The caller holds the registry lock.
func (r *Registry) roomLeaveLocked(m *member) {
	rm, ok := r.rooms[m.room]
	if !ok {
		return
	}
	for i, cand := range rm.members {
		if cand == m {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	if cur, ok := rm.byName[foldName(m.username)]; ok && cur == m {
		delete(rm.byName, foldName(m.username))
	}
	if len(rm.members) == 0 {
		delete(r.rooms, rm.id)
		r.logger.Debug("room destroyed (empty)", "room", rm.id)
	}
}

// moveRoomLocked atomically moves a member between rooms (leave, then join).
// A no-op when the member is already there. The caller holds the registry
// lock; the caller is responsible for scheduling user-list broadcasts.
func (r *Registry) moveRoomLocked(m *member, roomID string) {
	if m.room == roomID {
		// Still refresh the username index; registration may have renamed.
		if rm, ok := r.rooms[roomID]; ok && m.username != UnknownUsername {
			rm.byName[foldName(m.username)] = m
		}
		return
	}
	from := m.room
	r.roomLeaveLocked(m)
	r.roomJoinLocked(m, roomID)
	r.events.publish(Event{Kind: EventRoomChange, MemberID: m.id, Username: m.username, IP: m.ip, Room: roomID})
	r.logger.Debug("member moved rooms", "member_id", m.id, "from", from, "to", roomID)
}

// reindexUsernameLocked updates the member's room index entry after a
// username change. The caller holds the registry lock.
func (r *Registry) reindexUsernameLocked(m *member) {
	rm, ok := r.rooms[m.room]
	if !ok {
		return
	}
	for key, cand := range rm.byName {
		if cand == m && key != foldName(m.username) {
			delete(rm.byName, key)
		}
	}
	if m.username != UnknownUsername {
		rm.byName[foldName(m.username)] = m
	}
}

// RoomPeers returns the members of the sender's room excluding the sender,
// in insertion order. Used for chat broadcast fan-out.
func (r *Registry) RoomPeers(sender net.Conn) []MemberRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[sender]
	if !ok {
		return nil
	}
	rm, ok := r.rooms[m.room]
	if !ok {
		return nil
	}
	peers := make([]MemberRef, 0, len(rm.members))
	for _, cand := range rm.members {
		if cand.conn != sender {
			peers = append(peers, cand.ref())
		}
	}
	return peers
}

// LookupRoomUser finds a member of the given room by username,
// case-insensitively. The returned ref carries the originally asserted
// casing.
func (r *Registry) LookupRoomUser(roomID, username string) (MemberRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return MemberRef{}, false
	}
	m, ok := rm.byName[foldName(username)]
	if !ok {
		return MemberRef{}, false
	}
	return m.ref(), true
}

// RoomUsernames returns the display usernames of a room's registered members
// in insertion order, for "available users" error messages.
func (r *Registry) RoomUsernames(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		if m.username != UnknownUsername {
			names = append(names, m.username)
		}
	}
	return names
}

// RoomMembers returns every member of a room, in insertion order.
func (r *Registry) RoomMembers(roomID string) []MemberRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	refs := make([]MemberRef, 0, len(rm.members))
	for _, m := range rm.members {
		refs = append(refs, m.ref())
	}
	return refs
}

// RoomIDs returns the IDs of all live rooms.
func (r *Registry) RoomIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
