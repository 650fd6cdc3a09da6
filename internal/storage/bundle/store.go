// Package bundle persists asset bundles: N ciphertext chunk blobs plus one
// manifest, addressed by asset id and chunk index. Bundles are immutable
// after commit; creation is all-or-nothing and no decrypted byte is ever
// written.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/clock"
	storagefs "github.com/kk-code-lab/sealstream/internal/storage/fs"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

// Store owns the bundle read/write path.
type Store struct {
	layout storagefs.Layout
	codec  manifest.Codec
	clk    clock.Clock

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	manifests map[string]*manifest.Manifest
}

// New creates a bundle store rooted at the layout.
func New(layout storagefs.Layout, codec manifest.Codec, clk clock.Clock) (*Store, error) {
	if layout.Root == "" {
		return nil, errors.New("bundle: layout root required")
	}
	if codec == nil {
		codec = &manifest.BinaryCodec{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Store{
		layout:    layout,
		codec:     codec,
		clk:       clk,
		locks:     map[string]*sync.Mutex{},
		manifests: map[string]*manifest.Manifest{},
	}
	if err := os.MkdirAll(layout.AssetsDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(layout.StagingDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

// Handle addresses an uncommitted bundle in the staging area.
type Handle struct {
	assetID string
	dir     string
}

// AssetID returns the id the handle was created for.
func (h *Handle) AssetID() string {
	return h.assetID
}

// Create allocates a staging directory for a new bundle. Nothing is visible
// to readers until Commit.
func (s *Store) Create(assetID string) (*Handle, error) {
	if assetID == "" {
		return nil, errors.New("bundle: asset id required")
	}
	dir := s.layout.StagingAssetDir(assetID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, err
	}
	return &Handle{assetID: assetID, dir: dir}, nil
}

// WriteChunk persists one ciphertext chunk and syncs it to disk.
// Idempotent per index; safe to call concurrently for distinct indices of
// the same handle.
func (h *Handle) WriteChunk(index int, ciphertext []byte) error {
	if index < 0 {
		return errors.New("bundle: negative chunk index")
	}
	file, err := os.Create(storagefs.ChunkFile(h.dir, index))
	if err != nil {
		return err
	}
	if _, err := file.Write(ciphertext); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Commit writes the manifest into the staged bundle and renames the bundle
// into the committed area. The chunk directory is synced before the
// manifest is written so a published manifest never outlives its chunks,
// and the rename is synced so the publish itself survives a crash. Before
// Commit the asset does not exist from the retrieval path's perspective.
func (s *Store) Commit(h *Handle, m *manifest.Manifest) error {
	lock := s.lockFor(h.assetID)
	lock.Lock()
	defer lock.Unlock()

	if err := syncDir(filepath.Join(h.dir, "chunks")); err != nil {
		return err
	}
	path := storagefs.ManifestFile(h.dir)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.codec.Encode(file, m); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := syncDir(h.dir); err != nil {
		return err
	}
	if err := os.Rename(h.dir, s.layout.AssetDir(h.assetID)); err != nil {
		return err
	}
	return syncDir(s.layout.AssetsDir)
}

// Abort discards a staged bundle. Idempotent.
func (s *Store) Abort(h *Handle) error {
	if h == nil {
		return nil
	}
	return os.RemoveAll(h.dir)
}

// ReadManifest loads, decodes, and tamper-checks the manifest for a
// committed asset. A manifest whose integrity tag does not match its
// contents yields manifest.ErrTampered and the asset is never served.
// Manifests are immutable post-commit, so a verified manifest is cached
// for the lifetime of the store.
func (s *Store) ReadManifest(assetID string) (*manifest.Manifest, error) {
	s.mu.Lock()
	m, ok := s.manifests[assetID]
	s.mu.Unlock()
	if ok {
		return m, nil
	}

	file, err := os.Open(storagefs.ManifestFile(s.layout.AssetDir(assetID)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, asset.ErrNotFound
		}
		return nil, err
	}
	defer file.Close()
	m, err = s.codec.Decode(file)
	if err != nil {
		return nil, err
	}
	if err := manifest.Verify(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.manifests[assetID] = m
	s.mu.Unlock()
	return m, nil
}

// ReadChunk returns the ciphertext for one chunk. The expiry is re-checked
// here from the manifest as a second line of defense behind the retrieval
// engine's own check.
func (s *Store) ReadChunk(assetID string, index int) ([]byte, error) {
	m, err := s.ReadManifest(assetID)
	if err != nil {
		return nil, err
	}
	if !s.clk.Now().Before(m.Asset().ExpiresAt) {
		return nil, asset.ErrExpired
	}
	if index < 0 || index >= len(m.Chunks) {
		return nil, fmt.Errorf("%w: chunk %d", asset.ErrNotFound, index)
	}
	data, err := os.ReadFile(storagefs.ChunkFile(s.layout.AssetDir(assetID), index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: chunk %d", asset.ErrNotFound, index)
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a whole bundle. Calling it for an absent asset is a no-op.
func (s *Store) Delete(assetID string) error {
	lock := s.lockFor(assetID)
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	delete(s.manifests, assetID)
	s.mu.Unlock()
	return os.RemoveAll(s.layout.AssetDir(assetID))
}

// ListAssetIDs enumerates committed bundle ids.
func (s *Store) ListAssetIDs() ([]string, error) {
	entries, err := os.ReadDir(s.layout.AssetsDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ListStaging enumerates leftover staging ids (crashed ingestions).
func (s *Store) ListStaging() ([]string, error) {
	entries, err := os.ReadDir(s.layout.StagingDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DropStaging removes one staging directory by id.
func (s *Store) DropStaging(assetID string) error {
	return os.RemoveAll(s.layout.StagingAssetDir(assetID))
}

// syncDir flushes a directory's entries to disk.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// lockFor returns the per-asset mutex serializing commit and delete, so a
// reader never observes a half-deleted bundle.
func (s *Store) lockFor(assetID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[assetID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[assetID] = lock
	}
	return lock
}
