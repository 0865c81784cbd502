package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// UserEntry is one element of a USER_LIST payload.
type UserEntry struct {
	Username          string  `json:"username"`
	IP                string  `json:"ip"`
	LastSeen          float64 `json:"last_seen"` // unix seconds
	LastSeenFormatted string  `json:"last_seen_formatted"`
	Room              string  `json:"room"`
}

// EncodeUserList serializes a USER_LIST payload. A nil slice encodes as an
// empty JSON array so clients always receive a list.
func EncodeUserList(users []UserEntry) []byte {
	if users == nil {
		users = []UserEntry{}
	}
	b, err := json.Marshal(users)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeUserList parses a USER_LIST payload.
func DecodeUserList(payload []byte) ([]UserEntry, error) {
	var users []UserEntry
	if err := json.Unmarshal(payload, &users); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}
	return users, nil
}

// FormatLastSeen renders a last-seen timestamp for display, bucketed by age:
// seconds, minutes, hours, then a full date.
func FormatLastSeen(lastSeen, now time.Time) string {
	diff := now.Sub(lastSeen)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return lastSeen.Format("2006-01-02 15:04")
	}
}
