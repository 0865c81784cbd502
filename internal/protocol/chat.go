package protocol

import (
	"encoding/json"
	"strings"
)

// Chat message type tags carried in the "type" field of a chat payload.
const (
	ChatTypeError           = "error"
	ChatTypeDeliveryConfirm = "delivery_confirm"
	ChatTypeFileAnnounce    = "file_announce"
)

// SystemSender is the sender name for server-synthesized chat messages
// (routing errors, delivery confirmations).
const SystemSender = "SYSTEM"

// ChatKind classifies a chat message at the router boundary.
type ChatKind int

const (
	ChatBroadcast       ChatKind = iota // fan out to the sender's room
	ChatUnicast                         // deliver to one named user
	ChatFileAnnounce                    // file availability notice
	ChatDeliveryConfirm                 // server → sender delivery summary
	ChatError                           // server → sender routing error
)

func (k ChatKind) String() string {
	switch k {
	case ChatBroadcast:
		return "broadcast"
	case ChatUnicast:
		return "unicast"
	case ChatFileAnnounce:
		return "file_announce"
	case ChatDeliveryConfirm:
		return "delivery_confirm"
	case ChatError:
		return "error"
	default:
		return "unknown"
	}
}

// ChatMessage is the JSON payload of a CHAT packet. The ingress parser is
// permissive: unknown fields are ignored and every field is optional, so
// older and newer clients interoperate.
type ChatMessage struct {
	Sender    string  `json:"sender"`
	Target    string  `json:"target,omitempty"`
	Text      string  `json:"text"`
	MeetingID string  `json:"meeting_id"`
	Timestamp float64 `json:"timestamp"`
	Type      string  `json:"type,omitempty"`

	// Set for file availability notices.
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Kind classifies the message for routing. Target values "", "all" and
// "everyone" (case-insensitive) mean broadcast; anything else is a unicast to
// that username.
func (m *ChatMessage) Kind() ChatKind {
	switch m.Type {
	case ChatTypeError:
		return ChatError
	case ChatTypeDeliveryConfirm:
		return ChatDeliveryConfirm
	case ChatTypeFileAnnounce:
		return ChatFileAnnounce
	}
	if IsBroadcastTarget(m.Target) {
		return ChatBroadcast
	}
	return ChatUnicast
}

// IsBroadcastTarget reports whether a chat target names the whole room.
func IsBroadcastTarget(target string) bool {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "all", "everyone":
		return true
	}
	return false
}

// DecodeChat parses a chat payload. A payload that is not valid JSON is not
// an error to the caller: the router relays it verbatim (legacy clients send
// bare text), so ok reports whether structured fields are available.
func DecodeChat(payload []byte) (msg ChatMessage, ok bool) {
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ChatMessage{}, false
	}
	return msg, true
}

// Encode serializes the message for the wire.
func (m *ChatMessage) Encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Marshal of a plain struct cannot fail.
		panic(err)
	}
	return b
}
