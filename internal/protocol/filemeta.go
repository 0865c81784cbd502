package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// FileMetadata describes a file transfer: the upload request payload and the
// FILE_METADATA response on download. Target is "all" or a username
// (matched case-insensitively by the router).
type FileMetadata struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Checksum string `json:"checksum"` // hex MD5 of the file body, may be empty
	Target   string `json:"target"`
}

// EncodeFileMetadata serializes metadata as JSON, the only emitted form.
func EncodeFileMetadata(m FileMetadata) []byte {
	if m.Target == "" {
		m.Target = "all"
	}
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFileMetadata parses a metadata payload. JSON is tried first; the
// legacy length-prefixed binary form (u32 name length, name, u64 size, u32
// checksum length, checksum) is accepted on ingress and decodes with
// target "all". The legacy form is never emitted.
func DecodeFileMetadata(data []byte) (FileMetadata, error) {
	var m FileMetadata
	if json.Unmarshal(data, &m) == nil && m.Filename != "" {
		if m.Target == "" {
			m.Target = "all"
		}
		return m, nil
	}
	return decodeLegacyFileMetadata(data)
}

func decodeLegacyFileMetadata(data []byte) (FileMetadata, error) {
	// Length arithmetic runs in uint64 so hostile u32 lengths cannot wrap
	// the bounds checks into accepting the payload.
	if len(data) < 4 {
		return FileMetadata{}, fmt.Errorf("metadata too short: %d bytes", len(data))
	}
	nameLen := binary.BigEndian.Uint32(data[0:4])
	if uint64(len(data)) < 4+uint64(nameLen)+8+4 {
		return FileMetadata{}, fmt.Errorf("metadata truncated: %d bytes for declared name length %d", len(data), nameLen)
	}
	offset := 4 + int(nameLen)
	name := data[4:offset]
	if !utf8.Valid(name) {
		return FileMetadata{}, fmt.Errorf("metadata filename is not valid utf-8")
	}

	size := binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	sumLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if uint64(len(data)) < uint64(offset)+uint64(sumLen) {
		return FileMetadata{}, fmt.Errorf("metadata truncated: %d bytes for declared checksum length %d", len(data), sumLen)
	}
	sum := data[offset : offset+int(sumLen)]
	if !utf8.Valid(sum) {
		return FileMetadata{}, fmt.Errorf("metadata checksum is not valid utf-8")
	}

	return FileMetadata{
		Filename: string(name),
		Filesize: int64(size),
		Checksum: string(sum),
		Target:   "all", // the legacy form predates targeted uploads
	}, nil
}
