package control

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// ChatRouter routes chat packets within a room: broadcast to peers, unicast
// by case-insensitive username, and server-synthesized error and delivery
// confirmation replies. The file-transfer server reuses it for availability
// notices.
type ChatRouter struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func NewChatRouter(reg *registry.Registry) *ChatRouter {
	return &ChatRouter{
		reg:    reg,
		logger: slog.Default().With("component", "chat"),
	}
}

// Route delivers one inbound chat payload from the member on conn.
func (cr *ChatRouter) Route(conn net.Conn, payload []byte) {
	sender, ok := cr.reg.MemberBySocket(conn)
	if !ok {
		return
	}

	msg, structured := protocol.DecodeChat(payload)
	if !structured {
		// Legacy clients send bare text; relay verbatim to the room.
		pkt := protocol.MustPack(protocol.TypeChat, payload)
		targets := cr.reg.RoomPeers(conn)
		status := fmt.Sprintf("broadcast to %d recipients", len(targets))
		cr.deliver(sender, targets, pkt, status)
		return
	}

	if msg.Sender == "" {
		msg.Sender = sender.Username
	}
	if msg.MeetingID == "" {
		msg.MeetingID = sender.Room
	}
	msg.Timestamp = float64(time.Now().UnixNano()) / 1e9
	pkt := protocol.MustPack(protocol.TypeChat, msg.Encode())

	var (
		targets []registry.MemberRef
		status  string
	)
	switch msg.Kind() {
	case protocol.ChatUnicast:
		target, found := cr.reg.LookupRoomUser(sender.Room, msg.Target)
		if !found {
			cr.sendError(sender, fmt.Sprintf("User %q not found. Available: %s",
				msg.Target, strings.Join(cr.reg.RoomUsernames(sender.Room), ", ")))
			return
		}
		targets = []registry.MemberRef{target}
		status = fmt.Sprintf("private to %s", target.Username)
	default:
		// Broadcast and file announcements fan out to the room, sender
		// excluded.
		targets = cr.reg.RoomPeers(conn)
		status = fmt.Sprintf("broadcast to %d recipients", len(targets))
	}

	cr.deliver(sender, targets, pkt, status)
}

// Announce routes a file availability notice by the chat rules: broadcast to
// the uploader's room, or unicast when the upload named a target. There is no
// control socket to reply on, so routing misses are only logged.
func (cr *ChatRouter) Announce(senderIP, filename string, size int64, target string) {
	room := cr.reg.RoomOf(senderIP)
	senderName := cr.reg.UsernameByIP(senderIP)

	msg := protocol.ChatMessage{
		Sender:    senderName,
		Target:    target,
		Text:      fmt.Sprintf("%s shared %s", senderName, filename),
		MeetingID: room,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Type:      protocol.ChatTypeFileAnnounce,
		Filename:  filename,
		Size:      size,
	}
	pkt := protocol.MustPack(protocol.TypeChat, msg.Encode())

	var targets []registry.MemberRef
	if protocol.IsBroadcastTarget(target) {
		for _, m := range cr.reg.RoomMembers(room) {
			if m.IP == senderIP {
				continue
			}
			targets = append(targets, m)
		}
	} else {
		ref, found := cr.reg.LookupRoomUser(room, target)
		if !found {
			cr.logger.Warn("file announce target not found", "target", target, "room", room)
			return
		}
		targets = []registry.MemberRef{ref}
	}

	sent := 0
	for _, t := range targets {
		if err := cr.reg.SendTo(t.Conn, pkt); err == nil {
			sent++
		}
	}
	cr.logger.Info("file announced", "filename", filename, "room", room, "sent", sent)
}

// deliver sends the packet to each target, removes failed recipients and
// confirms the outcome to the sender.
func (cr *ChatRouter) deliver(sender registry.MemberRef, targets []registry.MemberRef, pkt []byte, status string) {
	sent, failed := 0, 0
	for _, t := range targets {
		if err := cr.reg.SendTo(t.Conn, pkt); err != nil {
			failed++
			continue
		}
		sent++
	}

	confirm := protocol.ChatMessage{
		Sender:    protocol.SystemSender,
		Target:    sender.Username,
		MeetingID: sender.Room,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	if sent > 0 || failed == 0 {
		confirm.Type = protocol.ChatTypeDeliveryConfirm
		confirm.Text = fmt.Sprintf("Message delivered: %s (sent: %d, failed: %d)", status, sent, failed)
	} else {
		confirm.Type = protocol.ChatTypeError
		confirm.Text = fmt.Sprintf("Message delivery failed: %s (sent: %d, failed: %d)", status, sent, failed)
	}
	cr.reg.SendTo(sender.Conn, protocol.MustPack(protocol.TypeChat, confirm.Encode()))
}

// sendError returns a routing error to the sender only.
func (cr *ChatRouter) sendError(sender registry.MemberRef, text string) {
	msg := protocol.ChatMessage{
		Sender:    protocol.SystemSender,
		Target:    sender.Username,
		Text:      text,
		MeetingID: sender.Room,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Type:      protocol.ChatTypeError,
	}
	cr.reg.SendTo(sender.Conn, protocol.MustPack(protocol.TypeChat, msg.Encode()))
}
