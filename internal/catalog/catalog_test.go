package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func desc(b byte, tag Tag, kind Kind) Descriptor {
	var d Descriptor
	for i := range d.ID {
		d.ID[i] = b
	}
	d.Tag = tag
	d.Kind = kind
	return d
}

func TestStorageKeyCanonicalForm(t *testing.T) {
	d := desc(0xab, TagGIF, KindArtwork)
	key := d.StorageKey()
	if len(key) != 36 {
		t.Fatalf("storage key %q len=%d, want 36", key, len(key))
	}
	if key != "abababab-abab-abab-abab-abababababab" {
		t.Errorf("key = %q", key)
	}
	if key != d.StorageKey() {
		t.Error("StorageKey must be deterministic")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	d := desc(7, TagPNG, KindPlaylist)
	b := EncodeRecord(d)
	if len(b) != RecordSize {
		t.Fatalf("record len %d", len(b))
	}
	got, err := DecodeRecord(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Errorf("round trip: got %+v want %+v", got, d)
	}
	if _, err := DecodeRecord(b[:63]); err == nil {
		t.Error("short record should fail")
	}
}

func TestTagExt(t *testing.T) {
	cases := map[Tag]string{TagWebP: "webp", TagGIF: "gif", TagPNG: "png", TagJPEG: "jpg"}
	for tag, want := range cases {
		if got := tag.Ext(); got != want {
			t.Errorf("Ext(%d) = %q, want %q", tag, got, want)
		}
	}
	if Tag(9).Valid() {
		t.Error("tag 9 should be invalid")
	}
}

func TestValidChannelID(t *testing.T) {
	if !ValidChannelID("gallery-main") {
		t.Error("plain id should be valid")
	}
	if ValidChannelID("") {
		t.Error("empty id should be invalid")
	}
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	if ValidChannelID(string(long)) {
		t.Error("64-byte id should be invalid")
	}
	if ValidChannelID(string([]byte{0xff, 0xfe})) {
		t.Error("non-UTF8 id should be invalid")
	}
}

func writeChannel(t *testing.T, dir, id string, descs ...Descriptor) string {
	t.Helper()
	var data []byte
	for _, d := range descs {
		data = append(data, EncodeRecord(d)...)
	}
	path := filepath.Join(dir, id+".cat")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeAvail map[string]bool

func (f fakeAvail) Has(key string) bool { return f[key] }

func TestRegistryFindMissingFile(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if c := r.Find("nope"); c != nil {
		t.Error("absent channel should return nil")
	}
}

func TestRegistryFindMisalignedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.cat"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(dir)
	if c := r.Find("bad"); c != nil {
		t.Error("misaligned catalog must be treated as unavailable")
	}
}

func TestNextMissingSkipsAvailable(t *testing.T) {
	dir := t.TempDir()
	d0 := desc(0, TagWebP, KindArtwork)
	d1 := desc(1, TagGIF, KindArtwork)
	d2 := desc(2, TagPNG, KindArtwork)
	writeChannel(t, dir, "ch", d0, d1, d2)

	r := NewRegistry(dir)
	c := r.Find("ch")
	if c == nil {
		t.Fatal("channel should load")
	}
	avail := fakeAvail{d1.StorageKey(): true}

	var cur int64
	got, ok := c.NextMissing(&cur, avail)
	if !ok || got != d0 {
		t.Fatalf("first missing = %+v ok=%v", got, ok)
	}
	if cur != 1 {
		t.Errorf("cursor = %d, want 1", cur)
	}
	got, ok = c.NextMissing(&cur, avail)
	if !ok || got != d2 {
		t.Fatalf("second missing should skip available d1: %+v", got)
	}
	if cur != 3 {
		t.Errorf("cursor = %d, want 3", cur)
	}
	if _, ok := c.NextMissing(&cur, avail); ok {
		t.Error("exhausted channel should report no more entries")
	}
}

func TestNextMissingCursorMonotonic(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, "ch", desc(0, TagGIF, KindArtwork), desc(1, TagGIF, KindArtwork))
	c := NewRegistry(dir).Find("ch")
	var cur int64
	prev := cur
	for {
		_, ok := c.NextMissing(&cur, nil)
		if cur < prev {
			t.Fatalf("cursor went backwards: %d -> %d", prev, cur)
		}
		prev = cur
		if !ok {
			break
		}
	}
}

func TestRegistryReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeChannel(t, dir, "ch", desc(0, TagGIF, KindArtwork))
	r := NewRegistry(dir)
	if c := r.Find("ch"); c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
	writeChannel(t, dir, "ch", desc(0, TagGIF, KindArtwork), desc(1, TagGIF, KindArtwork))
	if c := r.Find("ch"); c.Len() != 2 {
		t.Errorf("registry should reload grown file, len = %d", c.Len())
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	s := Sidecar{StorageKey: "k", Tag: TagJPEG, Channel: "ch"}
	b, err := EncodeSidecar(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeSidecar(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Errorf("got %+v want %+v", got, s)
	}
}
