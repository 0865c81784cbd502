// Package transfer implements the reliable file channel: one TCP connection
// per transfer, chunked upload and download with MD5 verification and path
// safety anchored at a single storage directory.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

// initialRequestTimeout bounds how long a fresh connection may idle before
// sending its upload or download request.
const initialRequestTimeout = 60 * time.Second

// Ack reason literals clients key their UI on.
const (
	reasonInvalidMetadata  = "Invalid metadata"
	reasonInvalidNameSize  = "Invalid filename or filesize"
	reasonFileTooLarge     = "File too large"
	reasonInvalidFilename  = "Invalid filename"
	reasonChecksumMismatch = "Checksum mismatch"
	reasonFileNotFound     = "File not found"
	reasonInvalidRequest   = "Invalid request"
	reasonTooManyRequests  = "Too many requests"
	reasonUploadOK         = "Upload successful"
)

// Announcer routes a file availability notice after a successful upload. The
// control server's chat router implements it.
type Announcer interface {
	Announce(senderIP, filename string, size int64, target string)
}

// Server accepts transfer connections and runs one handler per connection.
type Server struct {
	cfg       *config.Config
	reg       *registry.Registry
	store     *Store
	announcer Announcer
	limiter   *ipRateLimiter
	logger    *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	uploads   atomic.Uint64
	downloads atomic.Uint64
}

// UploadsCompleted returns the number of successful uploads.
func (s *Server) UploadsCompleted() uint64 {
	return s.uploads.Load()
}

// DownloadsCompleted returns the number of completed downloads.
func (s *Server) DownloadsCompleted() uint64 {
	return s.downloads.Load()
}

// NewServer creates the file transfer server rooted at cfg.StorageDir.
func NewServer(cfg *config.Config, reg *registry.Registry, announcer Announcer) (*Server, error) {
	store, err := NewStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		reg:       reg,
		store:     store,
		announcer: announcer,
		limiter:   newIPRateLimiter(rate.Limit(2), 5),
		logger:    slog.Default().With("component", "transfer"),
	}, nil
}

// Start binds the file port and begins accepting transfer connections.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.FileAddr())
	if err != nil {
		return fmt.Errorf("bind file port: %w", err)
	}
	s.ln = ln
	s.logger.Info("file server listening", "addr", ln.Addr().String(), "storage", s.store.Root())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return nil
}

// Stop closes the listener and waits for in-flight transfers to finish.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	s.limiter.stop()
	s.logger.Info("file server stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads one framed request and runs the transfer to completion.
// The connection is single-use.
func (s *Server) handleConn(conn net.Conn) {
	ip := remoteIP(conn)
	logger := s.logger.With("ip", ip)

	if !s.limiter.allow(ip) {
		logger.Warn("transfer rate limit exceeded")
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonTooManyRequests)
		return
	}

	conn.SetReadDeadline(time.Now().Add(initialRequestTimeout))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("no transfer request", "error", err)
		}
		return
	}

	switch h.Type {
	case protocol.TypeFileRequestUpload:
		s.handleUpload(conn, ip, payload, logger)
	case protocol.TypeFileRequestDownload:
		s.handleDownload(conn, payload, logger)
	default:
		logger.Warn("unexpected transfer request", "type", protocol.TypeName(h.Type))
	}
}

// handleUpload validates metadata, streams chunks to disk, verifies the
// declared checksum and announces the file to its targets. Any failure
// deletes the partial file before the failure ack.
func (s *Server) handleUpload(conn net.Conn, ip string, payload []byte, logger *slog.Logger) {
	meta, err := protocol.DecodeFileMetadata(payload)
	if err != nil {
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonInvalidMetadata)
		return
	}
	if meta.Filename == "" || meta.Filesize <= 0 {
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonInvalidNameSize)
		return
	}
	if meta.Filesize > config.MaxFileSize {
		logger.Warn("upload rejected, too large", "filename", meta.Filename, "size", meta.Filesize)
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonFileTooLarge)
		return
	}

	path, err := s.store.Resolve(meta.Filename)
	if err != nil {
		logger.Warn("upload rejected, unsafe filename", "filename", meta.Filename, "error", err)
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonInvalidFilename)
		return
	}

	// The deadline scales with the declared size so slow LANs can finish
	// large files without letting a dead peer pin the handler forever.
	deadline := time.Now().Add(transferTimeout(meta.Filesize))
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := s.receiveFile(conn, path, meta.Filesize); err != nil {
		os.Remove(path)
		logger.Warn("upload failed", "filename", meta.Filename, "error", err)
		s.sendAck(conn, protocol.TypeFileAckFailure, err.Error())
		return
	}

	if meta.Checksum != "" {
		actual, err := s.store.MD5(path)
		if err != nil || actual != meta.Checksum {
			os.Remove(path)
			logger.Warn("upload checksum mismatch", "filename", meta.Filename)
			s.sendAck(conn, protocol.TypeFileAckFailure, reasonChecksumMismatch)
			return
		}
	}

	logger.Info("upload complete",
		"filename", meta.Filename,
		"size", meta.Filesize,
		"target", meta.Target,
		"uploader", s.reg.UsernameByIP(ip),
	)
	s.sendAck(conn, protocol.TypeFileAckSuccess, reasonUploadOK)
	s.uploads.Add(1)

	if s.announcer != nil {
		s.announcer.Announce(ip, meta.Filename, meta.Filesize, meta.Target)
	}
}

// receiveFile streams FILE_CHUNK messages into path until the declared size
// is reached.
func (s *Server) receiveFile(conn net.Conn, path string, filesize int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	var received int64
	for received < filesize {
		h, chunk, err := protocol.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("connection lost during transfer: %w", err)
		}
		if h.Type != protocol.TypeFileChunk {
			return fmt.Errorf("unexpected %s message during upload", protocol.TypeName(h.Type))
		}
		if len(chunk) > config.FileChunkSize {
			return fmt.Errorf("chunk of %d bytes exceeds the %d byte limit", len(chunk), config.FileChunkSize)
		}
		if _, err := f.Write(chunk); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		received += int64(len(chunk))
	}
	if received != filesize {
		return fmt.Errorf("received size mismatch (got %d, expected %d)", received, filesize)
	}
	return nil
}

// handleDownload validates the filename, then emits FILE_METADATA followed by
// the file body as FILE_CHUNK messages.
func (s *Server) handleDownload(conn net.Conn, payload []byte, logger *slog.Logger) {
	filename := string(payload)

	path, err := s.store.Resolve(filename)
	if err != nil {
		logger.Warn("download rejected, unsafe filename", "filename", filename, "error", err)
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonInvalidFilename)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		logger.Info("download of missing file", "filename", filename)
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonFileNotFound)
		return
	}

	checksum, err := s.store.MD5(path)
	if err != nil {
		s.sendAck(conn, protocol.TypeFileAckFailure, reasonFileNotFound)
		return
	}

	deadline := time.Now().Add(transferTimeout(info.Size()))
	conn.SetWriteDeadline(deadline)

	meta := protocol.FileMetadata{Filename: filename, Filesize: info.Size(), Checksum: checksum}
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileMetadata, protocol.EncodeFileMetadata(meta))); err != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, config.FileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(protocol.MustPack(protocol.TypeFileChunk, buf[:n])); werr != nil {
				logger.Debug("download aborted by peer", "filename", filename, "error", werr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("download read failed", "filename", filename, "error", err)
			return
		}
	}
	logger.Info("download complete", "filename", filename, "size", info.Size())
	s.downloads.Add(1)
}

func (s *Server) sendAck(conn net.Conn, msgType uint8, reason string) {
	conn.SetWriteDeadline(time.Now().Add(config.ConnectionTimeout))
	conn.Write(protocol.MustPack(msgType, []byte(reason)))
}

// transferTimeout allows 2 seconds per MiB with a 30 second floor.
func transferTimeout(size int64) time.Duration {
	d := time.Duration(float64(size) / (1 << 20) * 2 * float64(time.Second))
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
