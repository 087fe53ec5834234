package fetch

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
)

// crc32cTable is the Castagnoli polynomial table the archive host signs
// its x-goog-hash header with. No third-party CRC32C implementation
// appeared anywhere in the retrieval pack, so this is the one
// deliberate stdlib choice in the fetch pipeline (see DESIGN.md).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// parseGoogHashCRC32C extracts the base64-encoded, big-endian 4-byte
// CRC32C value from an x-goog-hash header such as
// "crc32c=n03x6A==,md5=...". Returns ok=false if no crc32c component is
// present.
func parseGoogHashCRC32C(header string) (uint32, bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "crc32c=") {
			continue
		}
		encoded := strings.TrimPrefix(part, "crc32c=")
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != 4 {
			return 0, false
		}
		return binary.BigEndian.Uint32(raw), true
	}
	return 0, false
}

// checksumError marks a CRC32C mismatch as retryable, per spec §4.E.
type checksumError struct {
	want, got uint32
}

func (e *checksumError) Error() string {
	return fmt.Sprintf("crc32c mismatch: want %08x, got %08x", e.want, e.got)
}

// crc32cValidatingReader wraps a response body, accumulating a running
// CRC32C as bytes are read, and checks it against an expected value
// once the stream is exhausted. The expected value is only known once
// headers have arrived, so this is always constructed after the status
// line and headers are parsed.
type crc32cValidatingReader struct {
	r        io.Reader
	sum      uint32
	expected uint32
	checked  bool
}

func newCRC32CValidatingReader(r io.Reader, expected uint32) *crc32cValidatingReader {
	return &crc32cValidatingReader{r: r, expected: expected}
}

func (v *crc32cValidatingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.sum = crc32.Update(v.sum, crc32cTable, p[:n])
	}
	if err == io.EOF && !v.checked {
		v.checked = true
		if v.sum != v.expected {
			return n, &checksumError{want: v.expected, got: v.sum}
		}
	}
	return n, err
}

// checksumFromResponse returns the declared CRC32C and whether the
// header was present, for a response whose headers have already
// arrived.
func checksumFromResponse(resp *http.Response) (uint32, bool) {
	h := resp.Header.Get("x-goog-hash")
	if h == "" {
		return 0, false
	}
	return parseGoogHashCRC32C(h)
}
