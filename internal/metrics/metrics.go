// Package metrics exposes server health as a prometheus.Collector that
// queries live providers at scrape time rather than maintaining counters of
// its own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanmeet/lanmeet/internal/registry"
)

// RegistryStatsProvider exposes membership counts.
type RegistryStatsProvider interface {
	GetStats() registry.Stats
}

// VideoStatsProvider exposes video fan-out totals.
type VideoStatsProvider interface {
	FramesRouted() uint64
	BytesRouted() uint64
}

// AudioStatsProvider exposes mixer totals.
type AudioStatsProvider interface {
	MixTicks() uint64
	MixesSent() uint64
}

// TransferStatsProvider exposes file transfer totals.
type TransferStatsProvider interface {
	UploadsCompleted() uint64
	DownloadsCompleted() uint64
}

// ScreenStatsProvider exposes screen-share state.
type ScreenStatsProvider interface {
	ActiveConnections() int
	FramesForwarded() uint64
}

// Collector gathers all server metrics at scrape time. Any provider may be
// nil when its subsystem is disabled.
type Collector struct {
	reg       RegistryStatsProvider
	video     VideoStatsProvider
	audio     AudioStatsProvider
	transfers TransferStatsProvider
	screen    ScreenStatsProvider
	startTime time.Time

	membersDesc        *prometheus.Desc
	roomsDesc          *prometheus.Desc
	videoListenersDesc *prometheus.Desc
	audioListenersDesc *prometheus.Desc
	videoFramesDesc    *prometheus.Desc
	videoBytesDesc     *prometheus.Desc
	audioTicksDesc     *prometheus.Desc
	audioMixesDesc     *prometheus.Desc
	uploadsDesc        *prometheus.Desc
	downloadsDesc      *prometheus.Desc
	screenConnsDesc    *prometheus.Desc
	screenFramesDesc   *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates the collector. startTime anchors the uptime gauge.
func NewCollector(
	reg RegistryStatsProvider,
	video VideoStatsProvider,
	audio AudioStatsProvider,
	transfers TransferStatsProvider,
	screen ScreenStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		reg:       reg,
		video:     video,
		audio:     audio,
		transfers: transfers,
		screen:    screen,
		startTime: startTime,

		membersDesc: prometheus.NewDesc(
			"lanmeet_members",
			"Number of connected control members",
			nil, nil,
		),
		roomsDesc: prometheus.NewDesc(
			"lanmeet_rooms",
			"Number of live rooms",
			nil, nil,
		),
		videoListenersDesc: prometheus.NewDesc(
			"lanmeet_video_listeners",
			"Number of registered video return addresses",
			nil, nil,
		),
		audioListenersDesc: prometheus.NewDesc(
			"lanmeet_audio_listeners",
			"Number of registered audio return addresses",
			nil, nil,
		),
		videoFramesDesc: prometheus.NewDesc(
			"lanmeet_video_frames_routed_total",
			"Total video datagrams forwarded to listeners",
			nil, nil,
		),
		videoBytesDesc: prometheus.NewDesc(
			"lanmeet_video_bytes_routed_total",
			"Total video bytes forwarded to listeners",
			nil, nil,
		),
		audioTicksDesc: prometheus.NewDesc(
			"lanmeet_audio_mix_ticks_total",
			"Total mix iterations that had buffered audio",
			nil, nil,
		),
		audioMixesDesc: prometheus.NewDesc(
			"lanmeet_audio_mixes_sent_total",
			"Total mixed audio chunks delivered to listeners",
			nil, nil,
		),
		uploadsDesc: prometheus.NewDesc(
			"lanmeet_file_uploads_total",
			"Total successful file uploads",
			nil, nil,
		),
		downloadsDesc: prometheus.NewDesc(
			"lanmeet_file_downloads_total",
			"Total completed file downloads",
			nil, nil,
		),
		screenConnsDesc: prometheus.NewDesc(
			"lanmeet_screen_connections",
			"Number of open screen-share sockets",
			nil, nil,
		),
		screenFramesDesc: prometheus.NewDesc(
			"lanmeet_screen_frames_forwarded_total",
			"Total screen frames forwarded to viewers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"lanmeet_uptime_seconds",
			"Seconds since the server process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.membersDesc
	ch <- c.roomsDesc
	ch <- c.videoListenersDesc
	ch <- c.audioListenersDesc
	ch <- c.videoFramesDesc
	ch <- c.videoBytesDesc
	ch <- c.audioTicksDesc
	ch <- c.audioMixesDesc
	ch <- c.uploadsDesc
	ch <- c.downloadsDesc
	ch <- c.screenConnsDesc
	ch <- c.screenFramesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.reg != nil {
		s := c.reg.GetStats()
		ch <- prometheus.MustNewConstMetric(c.membersDesc, prometheus.GaugeValue, float64(s.Members))
		ch <- prometheus.MustNewConstMetric(c.roomsDesc, prometheus.GaugeValue, float64(s.Rooms))
		ch <- prometheus.MustNewConstMetric(c.videoListenersDesc, prometheus.GaugeValue, float64(s.VideoListeners))
		ch <- prometheus.MustNewConstMetric(c.audioListenersDesc, prometheus.GaugeValue, float64(s.AudioListeners))
	}

	if c.video != nil {
		ch <- prometheus.MustNewConstMetric(c.videoFramesDesc, prometheus.CounterValue, float64(c.video.FramesRouted()))
		ch <- prometheus.MustNewConstMetric(c.videoBytesDesc, prometheus.CounterValue, float64(c.video.BytesRouted()))
	}

	if c.audio != nil {
		ch <- prometheus.MustNewConstMetric(c.audioTicksDesc, prometheus.CounterValue, float64(c.audio.MixTicks()))
		ch <- prometheus.MustNewConstMetric(c.audioMixesDesc, prometheus.CounterValue, float64(c.audio.MixesSent()))
	}

	if c.transfers != nil {
		ch <- prometheus.MustNewConstMetric(c.uploadsDesc, prometheus.CounterValue, float64(c.transfers.UploadsCompleted()))
		ch <- prometheus.MustNewConstMetric(c.downloadsDesc, prometheus.CounterValue, float64(c.transfers.DownloadsCompleted()))
	}

	if c.screen != nil {
		ch <- prometheus.MustNewConstMetric(c.screenConnsDesc, prometheus.GaugeValue, float64(c.screen.ActiveConnections()))
		ch <- prometheus.MustNewConstMetric(c.screenFramesDesc, prometheus.CounterValue, float64(c.screen.FramesForwarded()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
