package engine

import (
	"context"
	"errors"
	"io"

	"github.com/kk-code-lab/sealstream/internal/prefetch"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
	"github.com/kk-code-lab/sealstream/internal/storage/manifest"
)

var errStreamClosed = errors.New("engine: stream closed")

// piece is one chunk's contribution to the requested range: decrypt the
// whole chunk, skip into it, and emit take bytes.
type piece struct {
	index int
	skip  int64
	take  int64
}

// chunkReader walks the chunks overlapping a byte range, decrypting one
// at a time. Each chunk is taken from the readahead session when it is
// already decrypted there, otherwise fetched on the spot. Consumed
// plaintext is wiped as the cursor moves past it.
type chunkReader struct {
	ctx     context.Context
	fetch   prefetch.FetchFunc
	session *prefetch.Session
	key     []byte // data key to wipe on Close; nil when the session owns it

	pieces []piece
	buf    []byte // current chunk's plaintext, owned by the reader
	cur    []byte // unread window into buf
	closed bool
}

func newChunkReader(ctx context.Context, fetch prefetch.FetchFunc, session *prefetch.Session, key []byte, m *manifest.Manifest, start, end int64) *chunkReader {
	return &chunkReader{
		ctx:     ctx,
		fetch:   fetch,
		session: session,
		key:     key,
		pieces:  slicePieces(m, start, end),
	}
}

// slicePieces maps a half-open byte range onto the chunks that cover it.
func slicePieces(m *manifest.Manifest, start, end int64) []piece {
	var pieces []piece
	for _, d := range m.Chunks {
		chunkStart, chunkEnd := d.Offset, d.Offset+d.Length
		if chunkEnd <= start {
			continue
		}
		if chunkStart >= end {
			break
		}
		skip := int64(0)
		if start > chunkStart {
			skip = start - chunkStart
		}
		take := min64(end, chunkEnd) - chunkStart - skip
		pieces = append(pieces, piece{index: d.Index, skip: skip, take: take})
	}
	return pieces
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errStreamClosed
	}
	for {
		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		default:
		}

		if len(r.cur) > 0 {
			n := copy(p, r.cur)
			r.cur = r.cur[n:]
			if len(r.cur) == 0 {
				r.dropBuf()
			}
			return n, nil
		}
		if len(r.pieces) == 0 {
			return 0, io.EOF
		}

		pc := r.pieces[0]
		r.pieces = r.pieces[1:]
		plain, err := r.load(pc.index)
		if err != nil {
			return 0, err
		}
		r.session.Observe(pc.index)
		r.buf = plain
		r.cur = plain[pc.skip : pc.skip+pc.take]
	}
}

func (r *chunkReader) load(index int) ([]byte, error) {
	if plain, ok := r.session.Take(index); ok {
		return plain, nil
	}
	return r.fetch(r.ctx, index)
}

// Close wipes any plaintext still buffered and tears down the stream's
// readahead session, cancelling its speculative work.
func (r *chunkReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.dropBuf()
	r.cur = nil
	r.pieces = nil
	r.session.Close()
	if r.key != nil {
		chunk.Zero(r.key)
		r.key = nil
	}
	return nil
}

func (r *chunkReader) dropBuf() {
	if r.buf != nil {
		chunk.Zero(r.buf)
		r.buf = nil
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
