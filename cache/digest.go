package cache

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// dirDigest derives the directory-naming digest for a (kind, name,
// version) triple. This is distinct from a hosted package's recorded
// SHA-256 content hash (spec §4.C); it only needs to be fast and
// collision-resistant for on-disk naming, so it uses blake3 rather than
// the interop-mandated sha256.
func dirDigest(kind, name, version string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(version))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
