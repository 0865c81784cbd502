// Package discovery implements the LAN discovery beacon: a periodic UDP
// broadcast announcing the server's name and control address so clients on
// the same segment can find it without configuration.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
)

// BroadcastInterval is how often the beacon announces itself.
const BroadcastInterval = 5 * time.Second

// announcement is the JSON discovery packet.
type announcement struct {
	Type       string  `json:"type"`
	ServerName string  `json:"server_name"`
	IP         string  `json:"ip"`
	Port       int     `json:"port"`
	Timestamp  float64 `json:"timestamp"`
}

// announcementType identifies our packets among other broadcast traffic on
// the discovery port.
const announcementType = "lanmeet_discovery"

// Beacon broadcasts discovery announcements at a fixed interval.
type Beacon struct {
	cfg    *config.Config
	logger *slog.Logger

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBeacon(cfg *config.Config) *Beacon {
	return &Beacon{
		cfg:    cfg,
		logger: slog.Default().With("component", "discovery"),
	}
}

// Start opens a broadcast socket and begins announcing.
func (b *Beacon) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open discovery socket: %w", err)
	}
	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return fmt.Errorf("enable broadcast: %w", err)
	}
	b.conn = conn

	b.logger.Info("discovery beacon started",
		"server_name", b.cfg.ServerName,
		"port", b.cfg.DiscoveryPort,
		"interval", BroadcastInterval,
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.broadcastLoop(ctx)
	}()
	return nil
}

// Stop halts the beacon and closes its socket.
func (b *Beacon) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.wg.Wait()
	b.logger.Info("discovery beacon stopped")
}

func (b *Beacon) broadcastLoop(ctx context.Context) {
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: b.cfg.DiscoveryPort}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	b.announce(dest)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.announce(dest)
		}
	}
}

// enableBroadcast sets SO_BROADCAST so writes to 255.255.255.255 are
// permitted.
func enableBroadcast(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func (b *Beacon) announce(dest *net.UDPAddr) {
	pkt := announcement{
		Type:       announcementType,
		ServerName: b.cfg.ServerName,
		IP:         b.cfg.LocalIP(),
		Port:       b.cfg.ControlPort,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	if _, err := b.conn.WriteToUDP(payload, dest); err != nil {
		b.logger.Debug("discovery broadcast failed",
			"dest", net.JoinHostPort(dest.IP.String(), strconv.Itoa(dest.Port)),
			"error", err,
		)
	}
}
