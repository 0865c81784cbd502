package registry

import (
	"net"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
)

// RegisterStream records addr as the UDP return address for the given stream
// kind at addr's source IP. The first packet from ip:port registers the
// return socket; every subsequent packet refreshes last-seen.
func (r *Registry) RegisterStream(kind StreamKind, addr *net.UDPAddr) {
	ip := addr.IP.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.streams[ip]
	if !ok {
		e = &streamEntry{}
		r.streams[ip] = e
	}
	switch kind {
	case StreamVideo:
		e.video = addr
	case StreamAudio:
		e.audio = addr
	}
	e.lastSeen = time.Now()
}

// UnregisterStream drops the return address for the given stream kind at
// addr's source IP, after a send failure or a liveness timeout.
func (r *Registry) UnregisterStream(kind StreamKind, addr *net.UDPAddr) {
	ip := addr.IP.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.streams[ip]
	if !ok {
		return
	}
	switch kind {
	case StreamVideo:
		e.video = nil
	case StreamAudio:
		e.audio = nil
	}
	if e.video == nil && e.audio == nil {
		delete(r.streams, ip)
	}
}

// Listeners returns a snapshot of the return addresses registered for the
// given stream kind. With a non-empty room, only addresses whose source IP
// belongs to a member of that room are included.
func (r *Registry) Listeners(kind StreamKind, roomID string) []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*net.UDPAddr
	for ip, e := range r.streams {
		var addr *net.UDPAddr
		switch kind {
		case StreamVideo:
			addr = e.video
		case StreamAudio:
			addr = e.audio
		}
		if addr == nil {
			continue
		}
		if roomID != "" && !r.ipInRoomLocked(ip, roomID) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// ipInRoomLocked reports whether the member at ip is in the given room.
// The caller holds the registry lock.
func (r *Registry) ipInRoomLocked(ip, roomID string) bool {
	for _, m := range r.members {
		if m.ip == ip && m.room == roomID {
			return true
		}
	}
	return false
}

// sweepStaleStreams drops stream registrations idle beyond the client idle
// timeout. Called from the heartbeat tick.
func (r *Registry) sweepStaleStreams() {
	cutoff := time.Now().Add(-config.ClientIdleTimeout)

	r.mu.Lock()
	var stale []string
	for ip, e := range r.streams {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, ip)
			delete(r.streams, ip)
		}
	}
	r.mu.Unlock()

	for _, ip := range stale {
		r.logger.Debug("stale stream registration dropped", "ip", ip)
	}
}
