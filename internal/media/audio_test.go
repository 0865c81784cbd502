package media

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// boundAudioMixer builds a mixer with a bound socket but no running loops,
// for deterministic direct mixTick calls.
func boundAudioMixer(t *testing.T, reg *registry.Registry) *AudioMixer {
	t.Helper()
	a := NewAudioMixer(testConfig(), reg)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind mixer socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	a.conn = conn
	return a
}

func TestMixTickDeliversMixToListener(t *testing.T) {
	reg := registry.New(testLogger())
	a := boundAudioMixer(t, reg)

	listener, listenerAddr := udpListener(t)
	pipeMember(t, reg, "", "", "127.0.0.1")
	reg.RegisterStream(registry.StreamAudio, listenerAddr)

	// Two foreign sources in the listener's (default) room.
	chunkA := makeChunk(alternating(1000))
	chunkB := makeChunk(func(int) int16 { return 0 })
	a.buffers.push("10.1.1.1:5000", chunkA, time.Now())
	a.buffers.push("10.1.1.2:5000", chunkB, time.Now())

	a.mixTick()

	buf := make([]byte, udpReadBuffer)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("listener never received a mix: %v", err)
	}
	h, payload, err := protocol.Unpack(buf[:n])
	if err != nil {
		t.Fatalf("mixed packet malformed: %v", err)
	}
	if h.Type != protocol.TypeStreamAudio {
		t.Fatalf("packet type = %s, want STREAM_AUDIO", protocol.TypeName(h.Type))
	}
	if len(payload) != config.AudioChunkBytes {
		t.Fatalf("mixed payload = %d bytes, want %d", len(payload), config.AudioChunkBytes)
	}
	if want := MixChunks([][]byte{chunkA, chunkB}); !bytes.Equal(payload, want) {
		t.Error("mixed payload differs from expected mix")
	}
}

func TestMixTickExcludesListenerOwnAudio(t *testing.T) {
	reg := registry.New(testLogger())
	a := boundAudioMixer(t, reg)

	listener, listenerAddr := udpListener(t)
	pipeMember(t, reg, "", "", "127.0.0.1")
	reg.RegisterStream(registry.StreamAudio, listenerAddr)

	// Only the listener's own chunk is buffered: no mix may be sent back.
	a.buffers.push("127.0.0.1:50000", makeChunk(alternating(1000)), time.Now())
	a.mixTick()

	buf := make([]byte, udpReadBuffer)
	listener.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := listener.ReadFromUDP(buf); err == nil {
		t.Errorf("listener received its own audio back (%d bytes)", n)
	}
}

func TestMixTickRoomIsolation(t *testing.T) {
	reg := registry.New(testLogger())
	a := boundAudioMixer(t, reg)

	listener, listenerAddr := udpListener(t)
	pipeMember(t, reg, "Lena", "team", "127.0.0.1")
	reg.RegisterStream(registry.StreamAudio, listenerAddr)

	// Source resolves to the default room; the listener is in "team".
	a.buffers.push("10.1.1.1:5000", makeChunk(alternating(1000)), time.Now())
	a.mixTick()

	buf := make([]byte, udpReadBuffer)
	listener.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := listener.ReadFromUDP(buf); err == nil {
		t.Error("audio crossed a room boundary")
	}
}

func TestAudioIngestDropsOffSizeChunks(t *testing.T) {
	reg := registry.New(testLogger())
	a := NewAudioMixer(testConfig(), reg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})

	client, clientAddr := udpListener(t)
	serverAddr := a.conn.LocalAddr().(*net.UDPAddr)

	// One byte short of the canonical chunk size: dropped before any stream
	// registration happens.
	short := protocol.MustPack(protocol.TypeStreamAudio, make([]byte, config.AudioChunkBytes-1))
	if _, err := client.WriteToUDP(short, serverAddr); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	for _, l := range reg.Listeners(registry.StreamAudio, "") {
		if l.Port == clientAddr.Port {
			t.Fatal("off-size chunk registered the sender anyway")
		}
	}

	// The canonical size is accepted.
	ok := protocol.MustPack(protocol.TypeStreamAudio, make([]byte, config.AudioChunkBytes))
	if _, err := client.WriteToUDP(ok, serverAddr); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range reg.Listeners(registry.StreamAudio, "") {
			if l.Port == clientAddr.Port {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("canonical-size chunk did not register the sender")
}

func TestAudioRegisterDatagramLearnsIdentity(t *testing.T) {
	reg := registry.New(testLogger())
	a := NewAudioMixer(testConfig(), reg)
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})

	pipeMember(t, reg, "", "", "127.0.0.1")

	client, clientAddr := udpListener(t)
	serverAddr := a.conn.LocalAddr().(*net.UDPAddr)

	regPkt := protocol.MustPack(protocol.TypeRegister, []byte(`{"username":"Max","room":"team"}`))
	if _, err := client.WriteToUDP(regPkt, serverAddr); err != nil {
		t.Fatalf("send register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.UsernameByIP("127.0.0.1") == "Max" && reg.RoomOf("127.0.0.1") == "team" {
			for _, l := range reg.Listeners(registry.StreamAudio, "") {
				if l.Port == clientAddr.Port {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("register datagram not applied")
}
