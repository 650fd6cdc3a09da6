package fs

import (
	"fmt"
	"path/filepath"
)

// Layout defines the on-disk directory layout for asset bundles. Committed
// bundles live under AssetsDir; in-progress ingestions are staged under
// StagingDir and become visible only through an atomic rename.
type Layout struct {
	Root       string
	AssetsDir  string
	StagingDir string
}

// NewLayout builds a default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{
		Root:       root,
		AssetsDir:  filepath.Join(root, "assets"),
		StagingDir: filepath.Join(root, "staging"),
	}
}

func (l Layout) AssetDir(assetID string) string {
	return filepath.Join(l.AssetsDir, assetID)
}

func (l Layout) StagingAssetDir(assetID string) string {
	return filepath.Join(l.StagingDir, assetID)
}

// ChunkFile returns the ciphertext path for one chunk inside a bundle dir.
func ChunkFile(bundleDir string, index int) string {
	return filepath.Join(bundleDir, "chunks", fmt.Sprintf("%08d.chk", index))
}

// ManifestFile returns the manifest path inside a bundle dir.
func ManifestFile(bundleDir string) string {
	return filepath.Join(bundleDir, "manifest.bin")
}
