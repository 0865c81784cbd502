package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lanmeet/lanmeet/internal/config"
)

// Store is the single directory holding uploaded files under their original
// basenames. Every filename off the wire resolves through it; a name whose
// resolved path escapes the root is rejected before the filesystem is
// touched.
type Store struct {
	root string
}

// NewStore creates the storage directory if needed and anchors all path
// resolution at its absolute location.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a client-supplied filename to an absolute path under the
// storage root. Traversal attempts (absolute names, ".." components) fail.
func (s *Store) Resolve(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("empty filename")
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("absolute filename %q", filename)
	}
	path := filepath.Join(s.root, filename)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes storage root", filename)
	}
	return path, nil
}

// MD5 computes the hex MD5 of the file at path, reading in transfer-sized
// chunks.
func (s *Store) MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, config.FileChunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
