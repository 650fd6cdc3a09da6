package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/keywrap"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
)

// Credential is what a consumer presents to open a stream: its identity
// id and the age private key that can unwrap the asset's data key.
type Credential struct {
	Identity   string
	PrivateKey string
}

// ByteRange is a half-open plaintext byte range [Start, End).
type ByteRange struct {
	Start int64
	End   int64
}

// Stream is an open plaintext read of one asset. Close wipes buffered
// plaintext and tears down the stream's readahead session, which retires
// the unwrapped data key once speculative work drains.
type Stream struct {
	io.ReadCloser

	Asset *asset.Asset
	// Start and End are the satisfied half-open byte range.
	Start int64
	End   int64
}

// OpenStream authorizes the credential, unwraps the data key, and
// returns a plaintext stream over the requested byte range. A nil range
// means the whole asset. Only whole chunks are ever read from disk; the
// stream trims the edges.
//
// Holding a wrapped key that fails to unwrap is indistinguishable from
// not being a participant; both surface as ErrForbidden.
func (e *Engine) OpenStream(ctx context.Context, assetID string, cred Credential, br *ByteRange) (*Stream, error) {
	m, err := e.store.ReadManifest(assetID)
	if err != nil {
		return nil, err
	}
	a := m.Asset()
	if err := asset.Authorize(a, cred.Identity, e.clk.Now()).Err(); err != nil {
		return nil, err
	}

	start, end := int64(0), m.TotalSize
	if br != nil {
		start, end = br.Start, br.End
		if start < 0 || end > m.TotalSize || start >= end {
			return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", asset.ErrRangeNotSatisfiable, start, end, m.TotalSize)
		}
	}

	key, err := keywrap.Unwrap(m.WrappedKey, cred.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap refused", asset.ErrForbidden)
	}

	// The fetch closure holds the only live key copy; the unwrapped
	// original is wiped before the stream is handed out. The readahead
	// session takes ownership of the copy and wipes it at teardown; with
	// readahead off the reader wipes it on Close.
	fetchKey := make([]byte, len(key))
	copy(fetchKey, key)
	chunk.Zero(key)
	fetch := func(fctx context.Context, index int) ([]byte, error) {
		if index < 0 || index >= len(m.Chunks) {
			return nil, asset.ErrNotFound
		}
		ciphertext, err := e.store.ReadChunk(assetID, index)
		if err != nil {
			return nil, err
		}
		d := m.Chunks[index]
		return chunk.Decrypt(ciphertext, fetchKey, d.Nonce, d.Digest)
	}
	session := e.sched.Session(assetID, len(m.Chunks), fetch, fetchKey)
	var ownedKey []byte
	if session == nil {
		ownedKey = fetchKey
	}

	return &Stream{
		ReadCloser: newChunkReader(ctx, fetch, session, ownedKey, m, start, end),
		Asset:      a,
		Start:      start,
		End:        end,
	}, nil
}

// Info returns one asset's metadata if the identity is a participant.
func (e *Engine) Info(ctx context.Context, assetID, identity string) (*asset.Asset, error) {
	a, err := e.meta.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if err := asset.Authorize(a, identity, e.clk.Now()).Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// List returns the assets the identity sent or received, newest first.
func (e *Engine) List(ctx context.Context, identity string) ([]asset.Asset, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity required", asset.ErrValidation)
	}
	return e.meta.ListFor(ctx, identity)
}

// Revoke deletes an asset. Only the sender may revoke; expiry does not
// block revocation. Readahead state for the asset is torn down so no
// decrypted chunks linger.
func (e *Engine) Revoke(ctx context.Context, assetID, identity string) error {
	a, err := e.meta.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if identity != a.Sender {
		return asset.ErrForbidden
	}
	e.sched.Drop(assetID)
	if err := e.store.Delete(assetID); err != nil {
		return err
	}
	return e.meta.DeleteAsset(ctx, assetID)
}
