package bundle

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/clock"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
	storagefs "github.com/kk-code-lab/sealstream/internal/storage/fs"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	store, err := New(storagefs.NewLayout(t.TempDir()), nil, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func testManifest(t *testing.T, assetID string, chunks [][]byte, expiresAt time.Time) *manifest.Manifest {
	t.Helper()
	m := &manifest.Manifest{
		AssetID:    assetID,
		Sender:     "alice",
		Recipient:  "bob",
		Filename:   "f.bin",
		MimeType:   "application/octet-stream",
		ChunkSize:  8,
		CreatedAt:  time.Now().UTC().UnixNano(),
		ExpiresAt:  expiresAt.UnixNano(),
		WrappedKey: []byte("wrapped"),
	}
	var pos int64
	for i, data := range chunks {
		m.Chunks = append(m.Chunks, manifest.ChunkDescriptor{
			Index:  i,
			Offset: pos,
			Length: int64(len(data)),
			Nonce:  chunk.DeriveNonce(assetID, i),
			Digest: [32]byte{byte(i)},
		})
		pos += int64(len(data))
	}
	m.TotalSize = pos
	if err := manifest.Build(m); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestCommitPublishesAtomically(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	store := newTestStore(t, clk)
	chunks := [][]byte{bytes.Repeat([]byte{1}, 8), bytes.Repeat([]byte{2}, 3)}

	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, data := range chunks {
		if err := handle.WriteChunk(i, data); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}

	// Invisible before commit.
	if _, err := store.ReadManifest("asset-1"); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("before commit: got %v, want ErrNotFound", err)
	}
	if _, err := store.ReadChunk("asset-1", 0); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("before commit: got %v, want ErrNotFound", err)
	}

	m := testManifest(t, "asset-1", chunks, clk.Now().Add(time.Hour))
	if err := store.Commit(handle, m); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.ReadManifest("asset-1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.AssetID != "asset-1" || len(got.Chunks) != 2 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	for i, want := range chunks {
		data, err := store.ReadChunk("asset-1", i)
		if err != nil {
			t.Fatalf("ReadChunk %d: %v", i, err)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("chunk %d mismatch", i)
		}
	}

	staged, err := store.ListStaging()
	if err != nil {
		t.Fatalf("ListStaging: %v", err)
	}
	if len(staged) != 0 {
		t.Fatalf("staging not empty after commit: %v", staged)
	}
}

func TestWriteChunkIdempotent(t *testing.T) {
	store := newTestStore(t, nil)
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := handle.WriteChunk(0, []byte("same bytes")); err != nil {
			t.Fatalf("WriteChunk attempt %d: %v", i, err)
		}
	}
}

func TestReadChunkChecksExpiry(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	store := newTestStore(t, clk)
	chunks := [][]byte{[]byte("12345678")}

	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := handle.WriteChunk(0, chunks[0]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := store.Commit(handle, testManifest(t, "asset-1", chunks, clk.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := store.ReadChunk("asset-1", 0); err != nil {
		t.Fatalf("ReadChunk before expiry: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := store.ReadChunk("asset-1", 0); !errors.Is(err, asset.ErrExpired) {
		t.Fatalf("after expiry: got %v, want ErrExpired", err)
	}
}

func TestReadChunkUnknownIndex(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	store := newTestStore(t, clk)
	chunks := [][]byte{[]byte("12345678")}
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := handle.WriteChunk(0, chunks[0]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := store.Commit(handle, testManifest(t, "asset-1", chunks, clk.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := store.ReadChunk("asset-1", 5); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := store.ReadChunk("asset-1", -1); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReadManifestRejectsTampering(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	store := newTestStore(t, clk)
	chunks := [][]byte{[]byte("12345678")}
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := handle.WriteChunk(0, chunks[0]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	m := testManifest(t, "asset-1", chunks, clk.Now().Add(time.Hour))
	if err := store.Commit(handle, m); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Rewrite the manifest with a flipped tag so the codec checksum
	// still matches and only the integrity tag can catch it.
	m.Tag[0] ^= 0xff
	path := storagefs.ManifestFile(store.layout.AssetDir("asset-1"))
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	codec := &manifest.BinaryCodec{}
	if err := codec.Encode(file, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ReadManifest("asset-1"); !errors.Is(err, manifest.ErrTampered) {
		t.Fatalf("ReadManifest: got %v, want ErrTampered", err)
	}
	if _, err := store.ReadChunk("asset-1", 0); !errors.Is(err, manifest.ErrTampered) {
		t.Fatalf("ReadChunk: got %v, want ErrTampered", err)
	}
}

type countingCodec struct {
	manifest.BinaryCodec
	decodes atomic.Int32
}

func (c *countingCodec) Decode(r io.Reader) (*manifest.Manifest, error) {
	c.decodes.Add(1)
	return c.BinaryCodec.Decode(r)
}

func TestManifestDecodedOncePerAsset(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	codec := &countingCodec{}
	store, err := New(storagefs.NewLayout(t.TempDir()), codec, clk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks := [][]byte{[]byte("12345678"), []byte("abc")}
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, data := range chunks {
		if err := handle.WriteChunk(i, data); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	if err := store.Commit(handle, testManifest(t, "asset-1", chunks, clk.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for pass := 0; pass < 3; pass++ {
		for i := range chunks {
			if _, err := store.ReadChunk("asset-1", i); err != nil {
				t.Fatalf("ReadChunk %d: %v", i, err)
			}
		}
	}
	if n := codec.decodes.Load(); n != 1 {
		t.Fatalf("manifest decoded %d times across reads, want 1", n)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	clk := &clock.Fixed{T: time.Unix(1000, 0).UTC()}
	store := newTestStore(t, clk)
	chunks := [][]byte{[]byte("12345678")}
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := handle.WriteChunk(0, chunks[0]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := store.Commit(handle, testManifest(t, "asset-1", chunks, clk.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := store.Delete("asset-1"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := store.Delete("asset-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.ReadManifest("asset-1"); !errors.Is(err, asset.ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	ids, err := store.ListAssetIDs()
	if err != nil {
		t.Fatalf("ListAssetIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("residual bundles: %v", ids)
	}
}

func TestAbortDiscardsStaging(t *testing.T) {
	store := newTestStore(t, nil)
	handle, err := store.Create("asset-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := handle.WriteChunk(0, []byte("x")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := store.Abort(handle); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	staged, err := store.ListStaging()
	if err != nil {
		t.Fatalf("ListStaging: %v", err)
	}
	if len(staged) != 0 {
		t.Fatalf("staging not empty after abort: %v", staged)
	}
}
