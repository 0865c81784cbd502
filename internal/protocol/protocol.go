// Package protocol implements the lanmeet wire format: a fixed 10-byte
// big-endian header followed by an opaque payload, shared by the TCP control,
// file transfer and UDP streaming channels.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the wire protocol version. Packets carrying any other version
// fail parsing.
const Version = 1

// HeaderSize is the fixed header length in bytes:
// version (u8) | type (u8) | payload length (u32) | sequence (u16) | reserved (u16).
const HeaderSize = 10

// MaxMessageSize bounds the payload of any framed message (1 MiB). File
// bodies are not affected: they travel as a sequence of chunk messages, each
// well under this bound.
const MaxMessageSize = 1 << 20

// Message type codes.
const (
	// Control and handshake (TCP control, also accepted by the UDP routers
	// as identity registration).
	TypeRegister   = 0x01
	TypeHeartbeat  = 0x02
	TypeUserList   = 0x03
	TypeDisconnect = 0x04

	// Chat (TCP control).
	TypeChat = 0x10

	// File transfer (TCP file channel).
	TypeFileMetadata        = 0x20
	TypeFileChunk           = 0x21
	TypeFileRequestUpload   = 0x22
	TypeFileRequestDownload = 0x23
	TypeFileAckSuccess      = 0x24
	TypeFileAckFailure      = 0x25

	// Streaming (UDP).
	TypeStreamVideo = 0x40
	TypeStreamAudio = 0x41
)

// typeNames maps message type codes to human-readable names for logging.
var typeNames = map[byte]string{
	TypeRegister:            "REGISTER",
	TypeHeartbeat:           "HEARTBEAT",
	TypeUserList:            "USER_LIST",
	TypeDisconnect:          "DISCONNECT",
	TypeChat:                "CHAT",
	TypeFileMetadata:        "FILE_METADATA",
	TypeFileChunk:           "FILE_CHUNK",
	TypeFileRequestUpload:   "FILE_UPLOAD_REQ",
	TypeFileRequestDownload: "FILE_DOWNLOAD_REQ",
	TypeFileAckSuccess:      "FILE_ACK_SUCCESS",
	TypeFileAckFailure:      "FILE_ACK_FAILURE",
	TypeStreamVideo:         "VIDEO",
	TypeStreamAudio:         "AUDIO",
}

// TypeName returns the human-readable name of a message type code.
func TypeName(t byte) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", t)
}

// Header is the decoded fixed header of a packet.
type Header struct {
	Version    byte
	Type       byte
	PayloadLen uint32
	Sequence   uint16
	Reserved   uint16
}

// Pack frames a payload with a header, sequence zero. The empty payload is
// legal (HEARTBEAT, DISCONNECT).
func Pack(msgType byte, payload []byte) ([]byte, error) {
	return PackSeq(msgType, 0, payload)
}

// PackSeq frames a payload with a header carrying an explicit sequence number.
func PackSeq(msgType byte, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d", len(payload), MaxMessageSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = Version
	buf[1] = msgType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], seq)
	binary.BigEndian.PutUint16(buf[8:10], 0)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// MustPack is Pack for payloads known to be within bounds (synthesized
// control messages). It panics on oversize payloads.
func MustPack(msgType byte, payload []byte) []byte {
	pkt, err := Pack(msgType, payload)
	if err != nil {
		panic(err)
	}
	return pkt
}

// Unpack decodes a complete packet (one UDP datagram, or a framed TCP read).
// The payload must be exactly the length the header declares.
func Unpack(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), HeaderSize)
	}

	h := Header{
		Version:    data[0],
		Type:       data[1],
		PayloadLen: binary.BigEndian.Uint32(data[2:6]),
		Sequence:   binary.BigEndian.Uint16(data[6:8]),
		Reserved:   binary.BigEndian.Uint16(data[8:10]),
	}

	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("protocol version mismatch: expected %d, got %d", Version, h.Version)
	}

	payload := data[HeaderSize:]
	if uint32(len(payload)) != h.PayloadLen {
		return Header{}, nil, fmt.Errorf("payload length mismatch: header declares %d, got %d", h.PayloadLen, len(payload))
	}

	return h, payload, nil
}

// ReadMessage reads exactly one framed message from a TCP stream: the full
// header, then the full declared payload, never crossing a message boundary.
// io.EOF is returned unchanged on a clean close before the first header byte.
// A read deadline that expires before the first byte wraps the net.Error so
// idle-polling callers can resume; once any message byte has been consumed
// the deadline error is flattened, because resuming there would leave the
// stream mid-frame and desynchronize every following read.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Header{}, nil, io.EOF
		}
		if n == 0 {
			return Header{}, nil, fmt.Errorf("reading header: %w", err)
		}
		return Header{}, nil, fmt.Errorf("reading header: %v after %d of %d bytes", err, n, HeaderSize)
	}

	h := Header{
		Version:    hdr[0],
		Type:       hdr[1],
		PayloadLen: binary.BigEndian.Uint32(hdr[2:6]),
		Sequence:   binary.BigEndian.Uint16(hdr[6:8]),
		Reserved:   binary.BigEndian.Uint16(hdr[8:10]),
	}

	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("protocol version mismatch: expected %d, got %d", Version, h.Version)
	}
	if h.PayloadLen > MaxMessageSize {
		return Header{}, nil, fmt.Errorf("declared payload length %d exceeds maximum %d", h.PayloadLen, MaxMessageSize)
	}

	if h.PayloadLen == 0 {
		return h, nil, nil
	}

	payload := make([]byte, h.PayloadLen)
	if n, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("reading payload: %v after %d of %d bytes", err, n, h.PayloadLen)
	}
	return h, payload, nil
}
