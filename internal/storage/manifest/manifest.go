// Package manifest defines the authoritative per-asset metadata record:
// the ordered chunk descriptors, the wrapped data key, and an integrity
// tag over the descriptor sequence. The manifest is written once, after
// all chunks are durably persisted; a bundle without a manifest does not
// exist from the retrieval path's perspective.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
)

var (
	// ErrInvalid marks a manifest whose chunk layout violates the
	// contiguity invariants.
	ErrInvalid = errors.New("manifest: invalid chunk layout")
	// ErrTampered marks an integrity tag or checksum mismatch. Retrieval
	// must refuse to serve any chunk of such an asset.
	ErrTampered = errors.New("manifest: integrity check failed")
)

// ChunkDescriptor describes one ciphertext chunk on disk. It never holds
// plaintext. Offset and Length address the plaintext byte range the chunk
// covers; ciphertext length equals plaintext length under CTR.
type ChunkDescriptor struct {
	Index  int
	Offset int64
	Length int64
	Nonce  [chunk.NonceSize]byte
	Digest [chunk.DigestSize]byte
}

// Manifest is the single source of truth for one asset's layout and keys.
type Manifest struct {
	AssetID    string
	Sender     string
	Recipient  string
	Filename   string
	MimeType   string
	TotalSize  int64
	ChunkSize  int64
	CreatedAt  int64 // unix nanoseconds
	ExpiresAt  int64 // unix nanoseconds
	WrappedKey []byte
	Chunks     []ChunkDescriptor
	Tag        [32]byte
}

// Build validates the chunk layout and computes the integrity tag in place.
func Build(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalid)
	}
	if m.AssetID == "" || m.Sender == "" || m.Recipient == "" {
		return fmt.Errorf("%w: missing identity fields", ErrInvalid)
	}
	if m.ChunkSize <= 0 || m.TotalSize < 0 || len(m.WrappedKey) == 0 {
		return fmt.Errorf("%w: missing asset fields", ErrInvalid)
	}
	if err := validateLayout(m); err != nil {
		return err
	}
	m.Tag = computeTag(m)
	return nil
}

// Verify recomputes the integrity tag and re-validates the layout. Any
// mismatch yields ErrTampered.
func Verify(m *Manifest) error {
	if m == nil {
		return ErrTampered
	}
	if err := validateLayout(m); err != nil {
		return ErrTampered
	}
	if computeTag(m) != m.Tag {
		return ErrTampered
	}
	return nil
}

// Asset projects the manifest's metadata block into an asset record.
func (m *Manifest) Asset() *asset.Asset {
	return &asset.Asset{
		ID:         m.AssetID,
		Sender:     m.Sender,
		Recipient:  m.Recipient,
		Filename:   m.Filename,
		MimeType:   m.MimeType,
		TotalSize:  m.TotalSize,
		ChunkSize:  m.ChunkSize,
		ChunkCount: len(m.Chunks),
		CreatedAt:  time.Unix(0, m.CreatedAt).UTC(),
		ExpiresAt:  time.Unix(0, m.ExpiresAt).UTC(),
	}
}

// validateLayout checks that chunk ranges are contiguous, non-overlapping,
// strictly increasing, sized to ChunkSize except the final chunk, and sum
// to TotalSize.
func validateLayout(m *Manifest) error {
	var pos int64
	for i, ch := range m.Chunks {
		if ch.Index != i {
			return fmt.Errorf("%w: descriptor %d has index %d", ErrInvalid, i, ch.Index)
		}
		if ch.Offset != pos {
			return fmt.Errorf("%w: chunk %d starts at %d, want %d", ErrInvalid, i, ch.Offset, pos)
		}
		if ch.Length <= 0 {
			return fmt.Errorf("%w: chunk %d has length %d", ErrInvalid, i, ch.Length)
		}
		if i < len(m.Chunks)-1 && ch.Length != m.ChunkSize {
			return fmt.Errorf("%w: interior chunk %d has length %d, want %d", ErrInvalid, i, ch.Length, m.ChunkSize)
		}
		if ch.Length > m.ChunkSize {
			return fmt.Errorf("%w: chunk %d exceeds chunk size", ErrInvalid, i)
		}
		pos += ch.Length
	}
	if pos != m.TotalSize {
		return fmt.Errorf("%w: chunks cover %d bytes, total size is %d", ErrInvalid, pos, m.TotalSize)
	}
	return nil
}

// computeTag hashes the asset identity, size, wrapped key, and the ordered
// descriptor sequence so reordering, truncation, or substitution of any
// chunk is detectable before a single chunk is trusted.
func computeTag(m *Manifest) [32]byte {
	h := blake3.New()
	writeTagString(h, m.AssetID)
	writeTagU64(h, uint64(m.TotalSize))
	writeTagU64(h, uint64(len(m.WrappedKey)))
	_, _ = h.Write(m.WrappedKey)
	writeTagU64(h, uint64(len(m.Chunks)))
	for _, ch := range m.Chunks {
		writeTagU64(h, uint64(ch.Index))
		writeTagU64(h, uint64(ch.Offset))
		writeTagU64(h, uint64(ch.Length))
		_, _ = h.Write(ch.Nonce[:])
		_, _ = h.Write(ch.Digest[:])
	}
	var tag [32]byte
	_, _ = h.Digest().Read(tag[:])
	return tag
}

func writeTagU64(h *blake3.Hasher, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

func writeTagString(h *blake3.Hasher, s string) {
	writeTagU64(h, uint64(len(s)))
	_, _ = h.Write([]byte(s))
}
