package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType byte
		seq     uint16
		payload []byte
	}{
		{"empty heartbeat", TypeHeartbeat, 0, nil},
		{"empty disconnect", TypeDisconnect, 0, nil},
		{"chat json", TypeChat, 7, []byte(`{"text":"hi"}`)},
		{"binary chunk", TypeFileChunk, 42, bytes.Repeat([]byte{0xAB}, 32*1024)},
		{"max payload", TypeStreamVideo, 0, make([]byte, MaxMessageSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := PackSeq(tt.msgType, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("PackSeq() error: %v", err)
			}
			if len(pkt) != HeaderSize+len(tt.payload) {
				t.Fatalf("packet length = %d, want %d", len(pkt), HeaderSize+len(tt.payload))
			}

			h, payload, err := Unpack(pkt)
			if err != nil {
				t.Fatalf("Unpack() error: %v", err)
			}
			if h.Version != Version {
				t.Errorf("version = %d, want %d", h.Version, Version)
			}
			if h.Type != tt.msgType {
				t.Errorf("type = 0x%02x, want 0x%02x", h.Type, tt.msgType)
			}
			if h.Sequence != tt.seq {
				t.Errorf("sequence = %d, want %d", h.Sequence, tt.seq)
			}
			if int(h.PayloadLen) != len(tt.payload) {
				t.Errorf("payload length = %d, want %d", h.PayloadLen, len(tt.payload))
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload differs after round trip")
			}
		})
	}
}

func TestPackRejectsOversizePayload(t *testing.T) {
	if _, err := Pack(TypeChat, make([]byte, MaxMessageSize+1)); err == nil {
		t.Fatal("Pack() accepted payload over MaxMessageSize")
	}
}

func TestUnpackRejectsMalformed(t *testing.T) {
	good := MustPack(TypeChat, []byte("x"))

	badVersion := append([]byte(nil), good...)
	badVersion[0] = 99

	truncated := good[:len(good)-1]

	overDeclared := append([]byte(nil), good...)
	overDeclared[5] = 200 // declared length no longer matches

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"empty", nil},
		{"bad version", badVersion},
		{"truncated payload", truncated},
		{"length mismatch", overDeclared},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Unpack(tt.data); err == nil {
				t.Errorf("Unpack() accepted malformed packet")
			}
		})
	}
}

func TestReadMessageFraming(t *testing.T) {
	// Three back-to-back messages on one stream must come out one at a time,
	// never crossing a message boundary.
	var stream bytes.Buffer
	stream.Write(MustPack(TypeRegister, []byte(`{"username":"Alice"}`)))
	stream.Write(MustPack(TypeHeartbeat, nil))
	stream.Write(MustPack(TypeChat, []byte(`{"text":"hello"}`)))

	want := []struct {
		msgType byte
		payload string
	}{
		{TypeRegister, `{"username":"Alice"}`},
		{TypeHeartbeat, ""},
		{TypeChat, `{"text":"hello"}`},
	}
	for i, w := range want {
		h, payload, err := ReadMessage(&stream)
		if err != nil {
			t.Fatalf("message %d: ReadMessage() error: %v", i, err)
		}
		if h.Type != w.msgType {
			t.Errorf("message %d: type = 0x%02x, want 0x%02x", i, h.Type, w.msgType)
		}
		if string(payload) != w.payload {
			t.Errorf("message %d: payload = %q, want %q", i, payload, w.payload)
		}
	}

	if _, _, err := ReadMessage(&stream); err != io.EOF {
		t.Errorf("ReadMessage() at end of stream = %v, want io.EOF", err)
	}
}

func TestReadMessageRejectsOversizeDeclaration(t *testing.T) {
	pkt := MustPack(TypeChat, []byte("x"))
	pkt[2] = 0xFF // declared length now far over MaxMessageSize
	if _, _, err := ReadMessage(bytes.NewReader(pkt)); err == nil {
		t.Fatal("ReadMessage() accepted oversize declared length")
	}
}

func TestReadMessageTruncatedStream(t *testing.T) {
	pkt := MustPack(TypeChat, []byte("hello"))
	if _, _, err := ReadMessage(bytes.NewReader(pkt[:HeaderSize+2])); err == nil {
		t.Fatal("ReadMessage() accepted truncated payload")
	}
	if _, _, err := ReadMessage(bytes.NewReader(pkt[:4])); err == nil {
		t.Fatal("ReadMessage() accepted truncated header")
	}
}

// A deadline that fires on an idle socket must stay recognizable as a
// timeout so the control loop can resume; the same deadline firing after
// part of a frame has been consumed must not, or the resumed loop would read
// the rest of that frame as a fresh header.
func TestReadMessageDeadlineHandling(t *testing.T) {
	t.Run("idle timeout resumable", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		server.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, _, err := ReadMessage(server)
		if err == nil {
			t.Fatal("ReadMessage() on idle socket returned nil")
		}
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			t.Errorf("idle deadline error = %v, want a net.Error timeout", err)
		}
	})

	t.Run("mid-frame timeout fatal", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		pkt := MustPack(TypeChat, []byte(`{"text":"hello"}`))
		go client.Write(pkt[:4]) // stall mid-header

		server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := ReadMessage(server)
		if err == nil {
			t.Fatal("ReadMessage() on stalled frame returned nil")
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Errorf("mid-frame deadline error = %v, must not look like a resumable timeout", err)
		}
	})

	t.Run("mid-payload timeout fatal", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		pkt := MustPack(TypeChat, []byte(`{"text":"hello"}`))
		go client.Write(pkt[:HeaderSize+3]) // stall mid-payload

		server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := ReadMessage(server)
		if err == nil {
			t.Fatal("ReadMessage() on stalled payload returned nil")
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Errorf("mid-payload deadline error = %v, must not look like a resumable timeout", err)
		}
	})
}

func TestTypeName(t *testing.T) {
	if got := TypeName(TypeChat); got != "CHAT" {
		t.Errorf("TypeName(TypeChat) = %q", got)
	}
	if got := TypeName(0x7E); got != "UNKNOWN(0x7e)" {
		t.Errorf("TypeName(0x7E) = %q", got)
	}
}
