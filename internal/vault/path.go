package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/framecast/framecast/internal/catalog"
)

// Shards returns the three shard directory names for a storage key: the
// first three bytes of SHA-256(key) as lowercase hex. Pure and stateless;
// the same key always lands in the same place, here and on the origin.
func Shards(storageKey string) [3]string {
	sum := sha256.Sum256([]byte(storageKey))
	var s [3]string
	for i := 0; i < 3; i++ {
		s[i] = hex.EncodeToString(sum[i : i+1])
	}
	return s
}

// ShardDir returns <root>/<hh1>/<hh2>/<hh3> for a storage key.
func ShardDir(root, storageKey string) string {
	s := Shards(storageKey)
	return filepath.Join(root, s[0], s[1], s[2])
}

// ObjectPath returns the final vault path <shardDir>/<key>.<ext>.
func ObjectPath(root, storageKey string, tag catalog.Tag) string {
	return filepath.Join(ShardDir(root, storageKey), storageKey+"."+tag.Ext())
}

// TempPath returns the transient write path for an object. A surviving .tmp
// file signifies an interrupted write and is removed lazily by Exists.
func TempPath(objectPath string) string { return objectPath + ".tmp" }

// SidecarPath returns the .json sibling for an object path.
func SidecarPath(objectPath string) string { return trimObjectExt(objectPath) + ".json" }

// MarkerPath returns the .404 sibling for an object path.
func MarkerPath(objectPath string) string { return trimObjectExt(objectPath) + ".404" }

// FailCountPath returns the failure-tracker sibling for a storage key.
// Keyed by storage key only; the container extension does not participate.
func FailCountPath(root, storageKey string) string {
	return filepath.Join(ShardDir(root, storageKey), storageKey+".fail")
}

func trimObjectExt(objectPath string) string {
	ext := filepath.Ext(objectPath)
	return objectPath[:len(objectPath)-len(ext)]
}
