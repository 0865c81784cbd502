package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lanmeet/lanmeet/internal/registry"
)

type fakeRegistry struct{ stats registry.Stats }

func (f fakeRegistry) GetStats() registry.Stats { return f.stats }

type fakeVideo struct{ frames, bytes uint64 }

func (f fakeVideo) FramesRouted() uint64 { return f.frames }
func (f fakeVideo) BytesRouted() uint64  { return f.bytes }

func TestCollectorGathersProviderValues(t *testing.T) {
	c := NewCollector(
		fakeRegistry{registry.Stats{Members: 3, Rooms: 2, VideoListeners: 1, AudioListeners: 2}},
		fakeVideo{frames: 42, bytes: 4096},
		nil, nil, nil,
		time.Now(),
	)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() = %v", err)
	}

	expected := `
# HELP lanmeet_members Number of connected control members
# TYPE lanmeet_members gauge
lanmeet_members 3
# HELP lanmeet_rooms Number of live rooms
# TYPE lanmeet_rooms gauge
lanmeet_rooms 2
# HELP lanmeet_video_listeners Number of registered video return addresses
# TYPE lanmeet_video_listeners gauge
lanmeet_video_listeners 1
# HELP lanmeet_audio_listeners Number of registered audio return addresses
# TYPE lanmeet_audio_listeners gauge
lanmeet_audio_listeners 2
# HELP lanmeet_video_frames_routed_total Total video datagrams forwarded to listeners
# TYPE lanmeet_video_frames_routed_total counter
lanmeet_video_frames_routed_total 42
# HELP lanmeet_video_bytes_routed_total Total video bytes forwarded to listeners
# TYPE lanmeet_video_bytes_routed_total counter
lanmeet_video_bytes_routed_total 4096
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lanmeet_members",
		"lanmeet_rooms",
		"lanmeet_video_listeners",
		"lanmeet_audio_listeners",
		"lanmeet_video_frames_routed_total",
		"lanmeet_video_bytes_routed_total",
	)
	if err != nil {
		t.Errorf("GatherAndCompare() = %v", err)
	}
}

func TestCollectorSkipsNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, time.Now())

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() = %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() = %v", err)
	}
	// Only uptime remains when every subsystem is disabled.
	if len(families) != 1 || families[0].GetName() != "lanmeet_uptime_seconds" {
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		t.Errorf("gathered families = %v, want only lanmeet_uptime_seconds", names)
	}
}
