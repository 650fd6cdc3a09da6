package manifest

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/blake3"
)

const (
	magic       = 0x53534c4d // "SSLM"
	versionV1   = 1
	headerLen   = 4 + 4
	checksumLen = 32
)

// Codec serializes and deserializes manifests.
type Codec interface {
	Encode(w io.Writer, m *Manifest) error
	Decode(r io.Reader) (*Manifest, error)
}

// BinaryCodec implements a compact binary manifest format with a trailing
// BLAKE3 checksum over the body.
type BinaryCodec struct{}

// Encode writes a manifest with a header and checksum.
func (c *BinaryCodec) Encode(w io.Writer, m *Manifest) error {
	if m == nil {
		return errors.New("manifest: nil manifest")
	}
	buf := make([]byte, 0, 512+len(m.Chunks)*64)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	buf = appendString(buf, m.AssetID)
	buf = appendString(buf, m.Sender)
	buf = appendString(buf, m.Recipient)
	buf = appendString(buf, m.Filename)
	buf = appendString(buf, m.MimeType)
	buf = appendU64(buf, uint64(m.TotalSize))
	buf = appendU64(buf, uint64(m.ChunkSize))
	buf = appendU64(buf, uint64(m.CreatedAt))
	buf = appendU64(buf, uint64(m.ExpiresAt))
	buf = appendBytes(buf, m.WrappedKey)
	buf = append(buf, m.Tag[:]...)
	buf = appendU32(buf, uint32(len(m.Chunks)))
	for _, ch := range m.Chunks {
		buf = appendU32(buf, uint32(ch.Index))
		buf = appendU64(buf, uint64(ch.Offset))
		buf = appendU64(buf, uint64(ch.Length))
		buf = append(buf, ch.Nonce[:]...)
		buf = append(buf, ch.Digest[:]...)
	}
	checksum := blake3.Sum256(buf[headerLen:])
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(checksum[:])
	return err
}

// Decode reads a manifest, validates header and checksum, and returns the
// manifest. Any structural damage yields ErrTampered.
func (c *BinaryCodec) Decode(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < headerLen+checksumLen {
		return nil, ErrTampered
	}
	body := data[:len(data)-checksumLen]
	checksum := data[len(data)-checksumLen:]
	sum := blake3.Sum256(body[headerLen:])
	if !equalBytes(sum[:], checksum) {
		return nil, ErrTampered
	}
	if binary.LittleEndian.Uint32(body[0:4]) != magic {
		return nil, ErrTampered
	}
	if binary.LittleEndian.Uint32(body[4:8]) != versionV1 {
		return nil, ErrTampered
	}
	d := decoder{data: body, offset: headerLen}
	m := &Manifest{
		AssetID:   d.readString(),
		Sender:    d.readString(),
		Recipient: d.readString(),
		Filename:  d.readString(),
		MimeType:  d.readString(),
		TotalSize: int64(d.readU64()),
		ChunkSize: int64(d.readU64()),
		CreatedAt: int64(d.readU64()),
		ExpiresAt: int64(d.readU64()),
	}
	m.WrappedKey = d.readBytes()
	d.readInto(m.Tag[:])
	chunkCount := int(d.readU32())
	if d.failed {
		return nil, ErrTampered
	}
	// Descriptor records are fixed-width; reject impossible counts before
	// allocating.
	const descLen = 4 + 8 + 8 + 16 + 32
	if chunkCount < 0 || chunkCount > (len(body)-d.offset)/descLen {
		return nil, ErrTampered
	}
	chunks := make([]ChunkDescriptor, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		var ch ChunkDescriptor
		ch.Index = int(d.readU32())
		ch.Offset = int64(d.readU64())
		ch.Length = int64(d.readU64())
		d.readInto(ch.Nonce[:])
		d.readInto(ch.Digest[:])
		chunks = append(chunks, ch)
	}
	if d.failed || d.offset != len(body) {
		return nil, ErrTampered
	}
	m.Chunks = chunks
	return m, nil
}

type decoder struct {
	data   []byte
	offset int
	failed bool
}

func (d *decoder) readU32() uint32 {
	if d.failed || d.offset+4 > len(d.data) {
		d.failed = true
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.offset:])
	d.offset += 4
	return v
}

func (d *decoder) readU64() uint64 {
	if d.failed || d.offset+8 > len(d.data) {
		d.failed = true
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.offset:])
	d.offset += 8
	return v
}

func (d *decoder) readString() string {
	return string(d.readBytes())
}

func (d *decoder) readBytes() []byte {
	n := int(d.readU32())
	if d.failed || n < 0 || d.offset+n > len(d.data) {
		d.failed = true
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[d.offset:d.offset+n])
	d.offset += n
	return out
}

func (d *decoder) readInto(out []byte) {
	if d.failed || d.offset+len(out) > len(d.data) {
		d.failed = true
		return
	}
	copy(out, d.data[d.offset:d.offset+len(out)])
	d.offset += len(out)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, v string) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendBytes(buf, v []byte) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
