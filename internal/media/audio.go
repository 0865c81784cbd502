package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// AudioMixer receives PCM chunks over UDP, jitter-buffers them per source and
// broadcasts a per-listener mix at a fixed cadence. Ingest and mixing share
// one socket but run on separate goroutines; the mix tick never reads.
type AudioMixer struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *slog.Logger

	conn    *net.UDPConn
	buffers *jitterBank
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mixTicks  atomic.Uint64
	mixesSent atomic.Uint64
}

func NewAudioMixer(cfg *config.Config, reg *registry.Registry) *AudioMixer {
	return &AudioMixer{
		cfg:     cfg,
		reg:     reg,
		logger:  slog.Default().With("component", "audio"),
		buffers: newJitterBank(),
	}
}

// Start binds the audio port and begins the ingest and mix loops.
func (a *AudioMixer) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	addr, err := net.ResolveUDPAddr("udp", a.cfg.AudioAddr())
	if err != nil {
		return fmt.Errorf("resolve audio addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind audio port: %w", err)
	}
	a.conn = conn
	a.logger.Info("audio mixer listening",
		"addr", conn.LocalAddr().String(),
		"chunk_bytes", config.AudioChunkBytes,
		"tick", config.AudioChunkDuration,
	)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.ingestLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.mixLoop(ctx)
	}()
	return nil
}

// Stop shuts the mixer down and waits for both loops to exit.
func (a *AudioMixer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.wg.Wait()
	a.logger.Info("audio mixer stopped")
}

func (a *AudioMixer) ingestLoop(ctx context.Context) {
	buf := make([]byte, udpReadBuffer)
	for ctx.Err() == nil {
		a.conn.SetReadDeadline(time.Now().Add(config.SocketTimeout))
		n, sender, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				a.logger.Warn("audio receive failed", "error", err)
			}
			continue
		}

		h, payload, err := protocol.Unpack(buf[:n])
		if err != nil {
			continue
		}

		switch h.Type {
		case protocol.TypeRegister:
			handleStreamRegister(a.reg, registry.StreamAudio, sender, payload)
		case protocol.TypeStreamAudio:
			// Off-size chunks are dropped to keep the mix cadence clean.
			if len(payload) != config.AudioChunkBytes {
				continue
			}
			a.reg.RegisterStream(registry.StreamAudio, cloneUDPAddr(sender))
			chunk := make([]byte, len(payload))
			copy(chunk, payload)
			a.buffers.push(sender.String(), chunk, time.Now())
		}
	}
}

// mixLoop emits one mixed chunk per listener per tick. Ticks are aligned to
// wallclock with accumulating drift correction; when a tick overruns its
// period the schedule resets instead of bursting to catch up.
func (a *AudioMixer) mixLoop(ctx context.Context) {
	next := time.Now().Add(config.AudioChunkDuration)
	for {
		sleep := time.Until(next)
		if sleep < 0 {
			next = time.Now()
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		next = next.Add(config.AudioChunkDuration)

		a.mixTick()
		a.sweepIdleSources()
	}
}

// sourceChunk pairs a popped chunk with its source address for per-listener
// room filtering and self-exclusion.
type sourceChunk struct {
	ip    string
	chunk []byte
}

// MixTicks returns the number of mix iterations that had buffered audio.
func (a *AudioMixer) MixTicks() uint64 {
	return a.mixTicks.Load()
}

// MixesSent returns the total mixed chunks delivered to listeners.
func (a *AudioMixer) MixesSent() uint64 {
	return a.mixesSent.Load()
}

func (a *AudioMixer) mixTick() {
	popped := a.buffers.popAll()
	if len(popped) == 0 {
		return
	}

	a.mixTicks.Add(1)

	sources := make([]sourceChunk, 0, len(popped))
	for key, chunk := range popped {
		host, _, err := net.SplitHostPort(key)
		if err != nil {
			continue
		}
		sources = append(sources, sourceChunk{ip: host, chunk: chunk})
	}

	for _, listener := range a.reg.Listeners(registry.StreamAudio, "") {
		room := a.reg.RoomOf(listener.IP.String())
		listenerIP := listener.IP.String()

		// Same room, never the listener's own audio.
		var selected [][]byte
		for _, src := range sources {
			if src.ip == listenerIP {
				continue
			}
			if a.reg.RoomOf(src.ip) != room {
				continue
			}
			selected = append(selected, src.chunk)
		}
		if len(selected) == 0 {
			// No silence frames; the listener simply hears nothing.
			continue
		}

		mixed := MixChunks(selected)
		if mixed == nil {
			continue
		}
		pkt := protocol.MustPack(protocol.TypeStreamAudio, mixed)
		if _, err := a.conn.WriteToUDP(pkt, listener); err != nil {
			a.reg.UnregisterStream(registry.StreamAudio, listener)
			continue
		}
		a.mixesSent.Add(1)
	}
}

// sweepIdleSources drops jitter buffers and stream registrations for sources
// that have been silent past the idle window.
func (a *AudioMixer) sweepIdleSources() {
	cutoff := time.Now().Add(-config.AudioSourceIdleTimeout)
	for _, key := range a.buffers.sweepIdle(cutoff) {
		addr, err := net.ResolveUDPAddr("udp", key)
		if err != nil {
			continue
		}
		a.reg.UnregisterStream(registry.StreamAudio, addr)
		a.logger.Debug("idle audio source dropped", "addr", key)
	}
}
