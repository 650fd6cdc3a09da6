// Package engine ties the storage layers together: it drives ingestion
// (split, encrypt, stage, commit), retrieval (authorize, unwrap, decrypt,
// range-slice), and the readahead scheduler. Callers above this package
// never see ciphertext, wrapped keys, or chunk layout.
package engine

import (
	"errors"
	"time"

	"github.com/kk-code-lab/sealstream/internal/clock"
	"github.com/kk-code-lab/sealstream/internal/meta"
	"github.com/kk-code-lab/sealstream/internal/prefetch"
	"github.com/kk-code-lab/sealstream/internal/storage/bundle"
	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
)

const (
	// DefaultExpiry applies when an ingest request names no lifetime.
	DefaultExpiry = 72 * time.Hour
	// MaxExpiry caps the lifetime an ingest request may ask for.
	MaxExpiry = 30 * 24 * time.Hour
	// DefaultMaxAssetSize caps ingested asset size (1 GiB).
	DefaultMaxAssetSize = 1 << 30
)

// Options configures an engine. Zero values pick defaults.
type Options struct {
	ChunkSize    int64
	MaxAssetSize int64
	Clock        clock.Clock
	Prefetch     prefetch.Options
}

// Engine is the storage façade: all ingest, stream, and lifecycle
// operations go through it.
type Engine struct {
	store *bundle.Store
	meta  *meta.Store
	sched *prefetch.Scheduler

	chunkSize    int64
	maxAssetSize int64
	clk          clock.Clock
}

// New builds an engine over a bundle store and metadata store.
func New(store *bundle.Store, metaStore *meta.Store, opts Options) (*Engine, error) {
	if store == nil || metaStore == nil {
		return nil, errors.New("engine: store and meta store required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.MaxAssetSize <= 0 {
		opts.MaxAssetSize = DefaultMaxAssetSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Engine{
		store:        store,
		meta:         metaStore,
		sched:        prefetch.NewScheduler(opts.Prefetch),
		chunkSize:    opts.ChunkSize,
		maxAssetSize: opts.MaxAssetSize,
		clk:          opts.Clock,
	}, nil
}

// Close stops background readahead. The stores are owned by the caller.
func (e *Engine) Close() {
	e.sched.Close()
}
