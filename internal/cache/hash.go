// Package cache implements the content-addressed two-tier file cache
// behind the distribution server: hot/cold storage, coalesced
// pull-through fetch from an upstream peer, and the janitor that
// reconciles disk state with the file registry.
package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// DownloadSuffix is appended to a file's final path while its bytes are
// being staged. A file only appears under its final name via an atomic
// rename, so readers never observe partial content.
const DownloadSuffix = ".dl"

// NormalizeHash uppercases a content hash. Hashes are compared
// case-insensitively everywhere; the on-disk name is always uppercase.
func NormalizeHash(hash string) string {
	return strings.ToUpper(hash)
}

// PathFor returns the canonical path of a hash below root. Files are
// sharded by the first two hex digits: <root>/<H[0:2]>/<H>.
func PathFor(root, hash string) string {
	h := NormalizeHash(hash)
	if len(h) < 2 {
		return filepath.Join(root, h)
	}
	return filepath.Join(root, h[:2], h)
}

// InfoFor stats the file for a hash below root. The second return is
// false when the file does not exist.
func InfoFor(root, hash string) (os.FileInfo, bool) {
	info, err := os.Stat(PathFor(root, hash))
	if err != nil {
		return nil, false
	}
	return info, true
}
