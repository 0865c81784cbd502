package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lanmeet/lanmeet/internal/config"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/registry"
)

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []announceCall
}

type announceCall struct {
	ip       string
	filename string
	size     int64
	target   string
}

func (f *fakeAnnouncer) Announce(senderIP, filename string, size int64, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, announceCall{senderIP, filename, size, target})
}

func (f *fakeAnnouncer) snapshot() []announceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]announceCall(nil), f.calls...)
}

func startServer(t *testing.T) (addr, storageDir string, ann *fakeAnnouncer) {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	storageDir = t.TempDir()
	cfg := &config.Config{BindIP: "127.0.0.1", StorageDir: storageDir} // port 0: ephemeral
	reg := registry.New(slog.Default())
	ann = &fakeAnnouncer{}

	srv, err := NewServer(cfg, reg, ann)
	if err != nil {
		t.Fatalf("NewServer() = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv.ln.Addr().String(), storageDir, ann
}

func dialTransfer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial transfer: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// upload runs one upload exchange and returns the ack type and reason.
func upload(t *testing.T, addr string, meta protocol.FileMetadata, body []byte) (uint8, string) {
	t.Helper()
	conn := dialTransfer(t, addr)

	req := protocol.MustPack(protocol.TypeFileRequestUpload, protocol.EncodeFileMetadata(meta))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("send upload request: %v", err)
	}
	for off := 0; off < len(body); off += config.FileChunkSize {
		end := off + config.FileChunkSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := conn.Write(protocol.MustPack(protocol.TypeFileChunk, body[off:end])); err != nil {
			t.Fatalf("send chunk: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return h.Type, string(payload)
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	addr, storageDir, ann := startServer(t)

	body := make([]byte, 3*config.FileChunkSize+17)
	rand.New(rand.NewSource(42)).Read(body)

	meta := protocol.FileMetadata{
		Filename: "report.pdf",
		Filesize: int64(len(body)),
		Checksum: md5Hex(body),
		Target:   "bob",
	}
	ackType, reason := upload(t, addr, meta, body)
	if ackType != protocol.TypeFileAckSuccess {
		t.Fatalf("ack = %s %q, want success", protocol.TypeName(ackType), reason)
	}
	if reason != "Upload successful" {
		t.Errorf("ack reason = %q", reason)
	}

	onDisk, err := os.ReadFile(filepath.Join(storageDir, "report.pdf"))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if !bytes.Equal(onDisk, body) {
		t.Error("stored bytes differ from uploaded bytes")
	}

	calls := ann.snapshot()
	if len(calls) != 1 {
		t.Fatalf("announce calls = %d, want 1", len(calls))
	}
	if calls[0].filename != "report.pdf" || calls[0].size != int64(len(body)) || calls[0].target != "bob" {
		t.Errorf("announce = %+v", calls[0])
	}

	// Download it back.
	conn := dialTransfer(t, addr)
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileRequestDownload, []byte("report.pdf"))); err != nil {
		t.Fatalf("send download request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if h.Type != protocol.TypeFileMetadata {
		t.Fatalf("first message = %s, want FILE_METADATA", protocol.TypeName(h.Type))
	}
	gotMeta, err := protocol.DecodeFileMetadata(payload)
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if gotMeta.Filesize != int64(len(body)) || gotMeta.Checksum != meta.Checksum {
		t.Errorf("download metadata = %+v", gotMeta)
	}

	var received bytes.Buffer
	for received.Len() < len(body) {
		h, chunk, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		if h.Type != protocol.TypeFileChunk {
			t.Fatalf("mid-download message = %s", protocol.TypeName(h.Type))
		}
		received.Write(chunk)
	}
	if !bytes.Equal(received.Bytes(), body) {
		t.Error("downloaded bytes differ from original")
	}
}

func TestUploadChecksumMismatch(t *testing.T) {
	addr, storageDir, ann := startServer(t)

	body := []byte("these bytes do not match the declared checksum")
	meta := protocol.FileMetadata{
		Filename: "report.pdf",
		Filesize: int64(len(body)),
		Checksum: md5Hex([]byte("the original bytes")),
	}
	ackType, reason := upload(t, addr, meta, body)
	if ackType != protocol.TypeFileAckFailure || reason != "Checksum mismatch" {
		t.Fatalf("ack = %s %q, want failure with checksum mismatch", protocol.TypeName(ackType), reason)
	}

	if _, err := os.Stat(filepath.Join(storageDir, "report.pdf")); !os.IsNotExist(err) {
		t.Error("corrupt upload left a file on disk")
	}
	if calls := ann.snapshot(); len(calls) != 0 {
		t.Errorf("corrupt upload was announced: %+v", calls)
	}
}

func TestUploadOversizedChunkRejected(t *testing.T) {
	addr, storageDir, ann := startServer(t)

	oversized := make([]byte, config.FileChunkSize+1)
	meta := protocol.FileMetadata{
		Filename: "report.pdf",
		Filesize: int64(len(oversized)),
		Checksum: md5Hex(oversized),
	}

	conn := dialTransfer(t, addr)
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileRequestUpload, protocol.EncodeFileMetadata(meta))); err != nil {
		t.Fatalf("send upload request: %v", err)
	}
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileChunk, oversized)); err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if h.Type != protocol.TypeFileAckFailure {
		t.Fatalf("ack = %s %q, want failure", protocol.TypeName(h.Type), payload)
	}

	if _, err := os.Stat(filepath.Join(storageDir, "report.pdf")); !os.IsNotExist(err) {
		t.Error("oversized chunk left a partial file on disk")
	}
	if calls := ann.snapshot(); len(calls) != 0 {
		t.Errorf("rejected upload was announced: %+v", calls)
	}
}

func TestUploadPathTraversalRejected(t *testing.T) {
	addr, storageDir, _ := startServer(t)

	meta := protocol.FileMetadata{
		Filename: "../escape.txt",
		Filesize: 4,
		Checksum: md5Hex([]byte("data")),
	}

	conn := dialTransfer(t, addr)
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileRequestUpload, protocol.EncodeFileMetadata(meta))); err != nil {
		t.Fatalf("send upload request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if h.Type != protocol.TypeFileAckFailure || string(payload) != "Invalid filename" {
		t.Fatalf("ack = %s %q", protocol.TypeName(h.Type), payload)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(storageDir), "escape.txt")); !os.IsNotExist(err) {
		t.Error("traversal attempt touched the filesystem")
	}
}

func TestUploadValidationFailures(t *testing.T) {
	addr, _, _ := startServer(t)

	tests := []struct {
		name    string
		payload []byte
		reason  string
	}{
		{
			name:    "undecodable metadata",
			payload: []byte{0x01},
			reason:  "Invalid metadata",
		},
		{
			name:    "zero filesize",
			payload: []byte(`{"filename":"a.txt","filesize":0,"checksum":"","target":"all"}`),
			reason:  "Invalid filename or filesize",
		},
		{
			name:    "over size limit",
			payload: protocol.EncodeFileMetadata(protocol.FileMetadata{Filename: "big.bin", Filesize: config.MaxFileSize + 1}),
			reason:  "File too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialTransfer(t, addr)
			if _, err := conn.Write(protocol.MustPack(protocol.TypeFileRequestUpload, tt.payload)); err != nil {
				t.Fatalf("send request: %v", err)
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			h, payload, err := protocol.ReadMessage(conn)
			if err != nil {
				t.Fatalf("read ack: %v", err)
			}
			if h.Type != protocol.TypeFileAckFailure || string(payload) != tt.reason {
				t.Errorf("ack = %s %q, want failure %q", protocol.TypeName(h.Type), payload, tt.reason)
			}
		})
	}
}

func TestDownloadMissingFile(t *testing.T) {
	addr, _, _ := startServer(t)

	conn := dialTransfer(t, addr)
	if _, err := conn.Write(protocol.MustPack(protocol.TypeFileRequestDownload, []byte("nope.txt"))); err != nil {
		t.Fatalf("send download request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if h.Type != protocol.TypeFileAckFailure || string(payload) != "File not found" {
		t.Errorf("ack = %s %q", protocol.TypeName(h.Type), payload)
	}
}

func TestStoreResolve(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}

	tests := []struct {
		filename string
		wantErr  bool
	}{
		{"report.pdf", false},
		{"nested/dir/file.txt", false},
		{"", true},
		{"..", true},
		{"../escape.txt", true},
		{"a/../../escape.txt", true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		_, err := store.Resolve(tt.filename)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resolve(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
		}
	}
}
