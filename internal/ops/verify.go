package ops

import (
	"context"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	storagefs "github.com/kk-code-lab/sealstream/internal/storage/fs"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

// Verifier scans committed bundles for at-rest damage. It works on raw
// files, without keys and without regard for expiry: chunk digests
// cover ciphertext, so corruption is detectable offline.
type Verifier struct {
	Layout storagefs.Layout
	Codec  manifest.Codec
}

// Fault is one detected problem.
type Fault struct {
	AssetID string
	Detail  string
}

func (f Fault) String() string {
	return f.AssetID + ": " + f.Detail
}

// VerifyReport summarizes one verification run.
type VerifyReport struct {
	Assets int
	Chunks int
	Faults []Fault
}

// Verify checks every committed bundle: manifest checksum and tag, then
// each chunk file against its recorded length and digest.
func (v *Verifier) Verify(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	codec := v.Codec
	if codec == nil {
		codec = &manifest.BinaryCodec{}
	}

	entries, err := os.ReadDir(v.Layout.AssetsDir)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.IsDir() {
			continue
		}
		assetID := e.Name()
		report.Assets++

		dir := v.Layout.AssetDir(assetID)
		file, err := os.Open(storagefs.ManifestFile(dir))
		if err != nil {
			report.Faults = append(report.Faults, Fault{assetID, "manifest unreadable: " + err.Error()})
			continue
		}
		m, err := codec.Decode(file)
		file.Close()
		if err != nil {
			report.Faults = append(report.Faults, Fault{assetID, "manifest damaged: " + err.Error()})
			continue
		}
		if err := manifest.Verify(m); err != nil {
			report.Faults = append(report.Faults, Fault{assetID, "manifest tag mismatch"})
			continue
		}
		if m.AssetID != assetID {
			report.Faults = append(report.Faults, Fault{assetID, "manifest names asset " + m.AssetID})
			continue
		}

		for _, d := range m.Chunks {
			report.Chunks++
			raw, err := os.ReadFile(storagefs.ChunkFile(dir, d.Index))
			if err != nil {
				report.Faults = append(report.Faults, Fault{assetID, fmt.Sprintf("chunk %d unreadable: %v", d.Index, err)})
				continue
			}
			if int64(len(raw)) != d.Length {
				report.Faults = append(report.Faults, Fault{assetID, fmt.Sprintf("chunk %d is %d bytes, manifest says %d", d.Index, len(raw), d.Length)})
				continue
			}
			if blake3.Sum256(raw) != d.Digest {
				report.Faults = append(report.Faults, Fault{assetID, fmt.Sprintf("chunk %d digest mismatch", d.Index)})
			}
		}
	}
	return report, nil
}
