// Package catalog reads the per-channel artwork catalogs mirrored to local
// storage. A channel is a flat binary file of fixed 64-byte records; the
// download scheduler walks it with a cursor looking for artwork that is not
// yet in the vault.
package catalog

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RecordSize is the fixed on-disk size of one catalog record. A catalog file
// whose size is not a multiple of RecordSize is treated as unavailable.
const RecordSize = 64

// MaxChannels is the configured-channel cap.
const MaxChannels = 16

// MaxChannelIDLen is the channel identifier byte limit.
const MaxChannelIDLen = 63

// Tag selects the container format of an asset.
type Tag uint8

const (
	TagWebP Tag = 0
	TagGIF  Tag = 1
	TagPNG  Tag = 2
	TagJPEG Tag = 3
)

// Ext returns the vault file extension for the tag.
func (t Tag) Ext() string {
	switch t {
	case TagWebP:
		return "webp"
	case TagGIF:
		return "gif"
	case TagPNG:
		return "png"
	case TagJPEG:
		return "jpg"
	}
	return ""
}

// Valid reports whether t is one of the four known container tags.
func (t Tag) Valid() bool { return t <= TagJPEG }

// Animated reports whether the container can hold more than one frame.
func (t Tag) Animated() bool { return t == TagWebP || t == TagGIF }

// Kind discriminates artwork records from playlist metadata records.
type Kind uint8

const (
	KindPlaylist Kind = 0
	KindArtwork  Kind = 1
)

// Descriptor is one decoded catalog record. The identifier is UUID-shaped
// but treated as an opaque byte string; only its canonical textual form
// matters for storage and URL construction.
type Descriptor struct {
	ID   [16]byte
	Tag  Tag
	Kind Kind
}

// StorageKey returns the canonical 36-char textual form of the identifier.
// Deterministic: the same record always yields the same key, vault path,
// and origin URL.
func (d Descriptor) StorageKey() string {
	return uuid.UUID(d.ID).String()
}

// DecodeRecord decodes one 64-byte catalog record. Bytes 0..15 identifier,
// 16 container tag, 17 kind; the rest is reserved and ignored.
func DecodeRecord(b []byte) (Descriptor, error) {
	if len(b) != RecordSize {
		return Descriptor{}, fmt.Errorf("catalog: record is %d bytes, want %d", len(b), RecordSize)
	}
	var d Descriptor
	copy(d.ID[:], b[:16])
	d.Tag = Tag(b[16])
	d.Kind = Kind(b[17])
	return d, nil
}

// EncodeRecord writes d as a 64-byte record (reserved bytes zero).
// Exists for tests and the mirror tooling; the daemon itself only reads.
func EncodeRecord(d Descriptor) []byte {
	b := make([]byte, RecordSize)
	copy(b[:16], d.ID[:])
	b[16] = byte(d.Tag)
	b[17] = byte(d.Kind)
	return b
}

// ValidChannelID checks the channel identifier constraints: non-empty UTF-8,
// at most 63 bytes.
func ValidChannelID(id string) bool {
	return id != "" && len(id) <= MaxChannelIDLen && utf8.ValidString(id)
}

// Sidecar is the descriptor metadata stored as the vault .json sibling.
type Sidecar struct {
	StorageKey string `json:"storage_key"`
	Tag        Tag    `json:"tag"`
	Channel    string `json:"channel,omitempty"`
}

// EncodeSidecar renders s as the vault sidecar JSON.
func EncodeSidecar(s Sidecar) ([]byte, error) { return json.Marshal(s) }

// DecodeSidecar parses vault sidecar JSON.
func DecodeSidecar(b []byte) (Sidecar, error) {
	var s Sidecar
	err := json.Unmarshal(b, &s)
	return s, err
}
