package protocol

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestFileMetadataJSONRoundTrip(t *testing.T) {
	in := FileMetadata{
		Filename: "report.pdf",
		Filesize: 123456,
		Checksum: "9e107d9d372bb6826bd81d3542a419d6",
		Target:   "Bob",
	}
	out, err := DecodeFileMetadata(EncodeFileMetadata(in))
	if err != nil {
		t.Fatalf("DecodeFileMetadata() error: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestFileMetadataDefaultTarget(t *testing.T) {
	out, err := DecodeFileMetadata([]byte(`{"filename":"a.txt","filesize":10,"checksum":""}`))
	if err != nil {
		t.Fatalf("DecodeFileMetadata() error: %v", err)
	}
	if out.Target != "all" {
		t.Errorf("target = %q, want %q", out.Target, "all")
	}
}

// legacyMetadata builds the length-prefixed binary form old clients send.
func legacyMetadata(filename string, filesize uint64, checksum string) []byte {
	buf := make([]byte, 0, 16+len(filename)+len(checksum))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(filename)))
	buf = append(buf, filename...)
	buf = binary.BigEndian.AppendUint64(buf, filesize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(checksum)))
	buf = append(buf, checksum...)
	return buf
}

func TestFileMetadataLegacyDecode(t *testing.T) {
	out, err := DecodeFileMetadata(legacyMetadata("old.bin", 2048, "abc123"))
	if err != nil {
		t.Fatalf("DecodeFileMetadata() error: %v", err)
	}
	want := FileMetadata{Filename: "old.bin", Filesize: 2048, Checksum: "abc123", Target: "all"}
	if out != want {
		t.Errorf("legacy decode:\n got %+v\nwant %+v", out, want)
	}
}

func TestFileMetadataLegacyTruncated(t *testing.T) {
	full := legacyMetadata("old.bin", 2048, "abc123")
	for _, n := range []int{0, 3, 4, 10, len(full) - 1} {
		if _, err := DecodeFileMetadata(full[:n]); err == nil {
			t.Errorf("DecodeFileMetadata() accepted %d-byte truncation", n)
		}
	}
}

// Declared lengths near the uint32 maximum must fail the truncation checks
// instead of wrapping them and slicing out of range.
func TestFileMetadataLegacyHugeDeclaredLengths(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{
			"name length near max",
			append(binary.BigEndian.AppendUint32(nil, 0xFFFFFFF0), make([]byte, 12)...),
		},
		{
			"name length max",
			append(binary.BigEndian.AppendUint32(nil, 0xFFFFFFFF), make([]byte, 12)...),
		},
		{
			"checksum length near max",
			func() []byte {
				buf := binary.BigEndian.AppendUint32(nil, 1) // 1-byte name
				buf = append(buf, 'a')
				buf = binary.BigEndian.AppendUint64(buf, 2048)
				buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFF0)
				return buf
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFileMetadata(tt.payload); err == nil {
				t.Errorf("DecodeFileMetadata() accepted payload with hostile length")
			}
		})
	}
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"seconds", 15 * time.Second, "15s ago"},
		{"minutes", 5 * time.Minute, "5m ago"},
		{"hours", 3 * time.Hour, "3h ago"},
		{"days", 48 * time.Hour, "2026-08-22 12:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatLastSeen(now.Add(-tt.ago), now); got != tt.want {
				t.Errorf("FormatLastSeen() = %q, want %q", got, tt.want)
			}
		})
	}
}
