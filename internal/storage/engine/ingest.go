package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kk-code-lab/sealstream/internal/asset"
	"github.com/kk-code-lab/sealstream/internal/keywrap"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

// IngestRequest describes one asset to seal and store. Body is consumed
// exactly once. DeclaredSize, when positive, lets oversize uploads be
// refused before any chunk work; the streaming limit still applies
// regardless.
type IngestRequest struct {
	Sender       string
	Recipient    string
	Filename     string
	MimeType     string
	ExpiresIn    time.Duration
	DeclaredSize int64
	Body         io.Reader
}

var errWriterStopped = errors.New("engine: chunk writer stopped")

type encChunk struct {
	index int
	data  []byte
}

// Ingest splits, encrypts, and commits one asset. The data key is
// generated here, wrapped to both the sender's and the recipient's
// registered public keys, and wiped before return. Nothing is visible
// under the asset id until the commit rename, so a crash mid-ingest
// leaves only staging debris.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*asset.Asset, error) {
	if req.Sender == "" || req.Recipient == "" {
		return nil, fmt.Errorf("%w: sender and recipient required", asset.ErrValidation)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: empty body", asset.ErrValidation)
	}
	if req.ExpiresIn < 0 || req.ExpiresIn > MaxExpiry {
		return nil, fmt.Errorf("%w: expiry out of range", asset.ErrValidation)
	}
	if req.ExpiresIn == 0 {
		req.ExpiresIn = DefaultExpiry
	}
	if req.MimeType == "" {
		req.MimeType = "application/octet-stream"
	}
	if req.DeclaredSize > e.maxAssetSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds %d bytes", asset.ErrSizeLimit, req.DeclaredSize, e.maxAssetSize)
	}

	senderKey, err := e.meta.IdentityKey(ctx, req.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender %q not registered", asset.ErrValidation, req.Sender)
	}
	recipientKey, err := e.meta.IdentityKey(ctx, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %q not registered", asset.ErrValidation, req.Recipient)
	}

	dataKey, err := chunk.NewKey()
	if err != nil {
		return nil, err
	}
	defer chunk.Zero(dataKey)

	wrapped, err := keywrap.Wrap(dataKey, senderKey, recipientKey)
	if err != nil {
		return nil, err
	}

	assetID, err := newAssetID()
	if err != nil {
		return nil, err
	}
	handle, err := e.store.Create(assetID)
	if err != nil {
		return nil, err
	}

	// Encryption runs on the ingest goroutine; writes run behind a small
	// buffer so disk latency overlaps with cipher work.
	ch := make(chan encChunk, 4)
	done := make(chan struct{})
	var writeErr error
	go func() {
		defer close(done)
		for c := range ch {
			if err := handle.WriteChunk(c.index, c.data); err != nil {
				writeErr = err
				return
			}
		}
	}()

	var (
		descs     []manifest.ChunkDescriptor
		totalSize int64
	)
	splitter := chunk.NewFixedSplitter(int(e.chunkSize))
	splitErr := splitter.Split(req.Body, func(c chunk.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		length := int64(len(c.Data))
		if totalSize+length > e.maxAssetSize {
			return fmt.Errorf("%w: asset exceeds %d bytes", asset.ErrSizeLimit, e.maxAssetSize)
		}
		nonce := chunk.DeriveNonce(assetID, c.Index)
		ciphertext, digest, err := chunk.Encrypt(c.Data, dataKey, nonce)
		chunk.Zero(c.Data)
		if err != nil {
			return err
		}
		descs = append(descs, manifest.ChunkDescriptor{
			Index:  c.Index,
			Offset: totalSize,
			Length: length,
			Nonce:  nonce,
			Digest: digest,
		})
		totalSize += length
		select {
		case ch <- encChunk{index: c.Index, data: ciphertext}:
			return nil
		case <-done:
			return errWriterStopped
		}
	})
	close(ch)
	<-done
	if errors.Is(splitErr, errWriterStopped) {
		splitErr = writeErr
	}
	if splitErr == nil {
		splitErr = writeErr
	}
	if splitErr != nil {
		_ = e.store.Abort(handle)
		return nil, splitErr
	}

	now := e.clk.Now()
	m := &manifest.Manifest{
		AssetID:    assetID,
		Sender:     req.Sender,
		Recipient:  req.Recipient,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		TotalSize:  totalSize,
		ChunkSize:  e.chunkSize,
		CreatedAt:  now.UnixNano(),
		ExpiresAt:  now.Add(req.ExpiresIn).UnixNano(),
		WrappedKey: wrapped,
		Chunks:     descs,
	}
	if err := manifest.Build(m); err != nil {
		_ = e.store.Abort(handle)
		return nil, err
	}
	if err := e.store.Commit(handle, m); err != nil {
		_ = e.store.Abort(handle)
		return nil, err
	}

	a := m.Asset()
	if err := e.meta.RecordAsset(ctx, a); err != nil {
		_ = e.store.Delete(assetID)
		return nil, err
	}
	return a, nil
}

func newAssetID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
