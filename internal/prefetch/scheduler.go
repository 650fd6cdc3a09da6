// Package prefetch speculatively decrypts chunks ahead of an active
// stream. A scheduler holds one session per open stream, owned
// exclusively by it; the session watches the stream's chunk cursor,
// estimates read velocity, and keeps a bounded window of decrypted chunks
// ready. Sequential reads widen the window, seeks collapse it and cancel
// stale work. Plaintext stays only in the session cache and is wiped on
// eviction.
package prefetch

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/kk-code-lab/sealstream/internal/storage/chunk"
)

// FetchFunc loads and decrypts one chunk of an asset.
type FetchFunc func(ctx context.Context, index int) ([]byte, error)

// Options tunes the scheduler. Zero values pick the defaults below.
type Options struct {
	// MinWindow and MaxWindow bound the readahead depth in chunks.
	MinWindow int
	MaxWindow int

	// Workers caps concurrent speculative fetches across all sessions.
	Workers int

	// MaxCachedBytes and MaxCachedChunks bound each session's cache of
	// decrypted chunks.
	MaxCachedBytes  int64
	MaxCachedChunks int

	// IdleTimeout tears a session down after no activity.
	IdleTimeout time.Duration

	// Disabled turns readahead off entirely; Session returns nil.
	Disabled bool
}

const (
	defaultMinWindow       = 2
	defaultMaxWindow       = 16
	defaultWorkers         = 4
	defaultMaxCachedBytes  = 64 << 20
	defaultMaxCachedChunks = 32
	defaultIdleTimeout     = 2 * time.Minute

	// fastVelocity is the chunks-per-second rate above which the window
	// grows aggressively.
	fastVelocity = 4.0

	// velocityDecay weights the previous velocity estimate in the EWMA.
	velocityDecay = 0.7
)

func (o Options) withDefaults() Options {
	if o.MinWindow <= 0 {
		o.MinWindow = defaultMinWindow
	}
	if o.MaxWindow < o.MinWindow {
		o.MaxWindow = defaultMaxWindow
	}
	if o.MaxWindow < o.MinWindow {
		o.MaxWindow = o.MinWindow
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.MaxCachedBytes <= 0 {
		o.MaxCachedBytes = defaultMaxCachedBytes
	}
	if o.MaxCachedChunks <= 0 {
		o.MaxCachedChunks = defaultMaxCachedChunks
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	return o
}

// Scheduler owns all prefetch sessions and the shared worker budget.
type Scheduler struct {
	opts Options
	sem  chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	seq      uint64
	closed   bool
}

// NewScheduler builds a scheduler with the given options.
func NewScheduler(opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
		sessions: make(map[string]*Session),
	}
}

// Session creates a fresh readahead session for one open stream. The
// session is owned exclusively by that stream and is never shared; two
// concurrent streams over the same asset get independent windows. The
// session takes ownership of secret and wipes it once all speculative
// work has drained after Close. Returns nil when readahead is disabled,
// in which case secret stays with the caller; a nil session is safe to
// use and does nothing.
func (s *Scheduler) Session(assetID string, chunkCount int, fetch FetchFunc, secret []byte) *Session {
	if s == nil || s.opts.Disabled || chunkCount <= 0 || fetch == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.seq++
	ss := &Session{
		key:        assetID + "\x00" + strconv.FormatUint(s.seq, 10),
		assetID:    assetID,
		sched:      s,
		fetch:      fetch,
		secret:     secret,
		chunkCount: chunkCount,
		lastIndex:  -1,
		window:     s.opts.MinWindow,
		cache:      make(map[int][]byte),
		inflight:   make(map[int]context.CancelFunc),
	}
	ss.idle = time.AfterFunc(s.opts.IdleTimeout, ss.expire)
	s.sessions[ss.key] = ss
	return ss
}

// Drop tears down every session for an asset, wiping cached plaintext.
// Used when an asset is deleted or revoked mid-stream.
func (s *Scheduler) Drop(assetID string) {
	if s == nil {
		return
	}
	prefix := assetID + "\x00"
	s.mu.Lock()
	var victims []*Session
	for key, ss := range s.sessions {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			victims = append(victims, ss)
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()
	for _, ss := range victims {
		ss.Close()
	}
}

// Close tears down all sessions.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	victims := make([]*Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		victims = append(victims, ss)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, ss := range victims {
		ss.Close()
	}
}

func (s *Scheduler) remove(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// Session tracks one stream's position in one asset and keeps a window
// of decrypted chunks ahead of it.
type Session struct {
	key        string
	assetID    string
	sched      *Scheduler
	fetch      FetchFunc
	chunkCount int
	wg         sync.WaitGroup

	mu          sync.Mutex
	secret      []byte
	lastIndex   int
	lastAt      time.Time
	velocity    float64
	window      int
	cache       map[int][]byte
	order       []int
	cachedBytes int64
	inflight    map[int]context.CancelFunc
	idle        *time.Timer
	closed      bool
}

// Take returns the decrypted chunk at index if the session already has
// it, transferring ownership to the caller. The caller should wipe the
// slice when done with it.
func (ss *Session) Take(index int) ([]byte, bool) {
	if ss == nil {
		return nil, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, false
	}
	ss.touchLocked()
	data, ok := ss.cache[index]
	if !ok {
		return nil, false
	}
	ss.dropCachedLocked(index, false)
	return data, true
}

// Observe tells the session the consumer just read the chunk at index.
// It updates the velocity estimate, resizes the window, and schedules
// speculative fetches to fill it.
func (ss *Session) Observe(index int) {
	if ss == nil {
		return
	}
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.touchLocked()

	now := time.Now()
	sequential := index == ss.lastIndex+1
	if ss.lastIndex >= 0 && !ss.lastAt.IsZero() {
		dt := now.Sub(ss.lastAt).Seconds()
		if dt > 0 {
			sample := 1.0 / dt
			ss.velocity = velocityDecay*ss.velocity + (1-velocityDecay)*sample
		}
	}
	ss.lastIndex = index
	ss.lastAt = now

	min, max := ss.sched.opts.MinWindow, ss.sched.opts.MaxWindow
	switch {
	case !sequential:
		// Seek: collapse the window and abandon readahead that no
		// longer lies ahead of the cursor.
		ss.window = min
		ss.pruneLocked(index)
	case ss.velocity >= fastVelocity:
		ss.window *= 2
	default:
		ss.window++
	}
	if ss.window > max {
		ss.window = max
	}
	if ss.window < min {
		ss.window = min
	}

	var wanted []int
	for i := index + 1; i <= index+ss.window && i < ss.chunkCount; i++ {
		if _, ok := ss.cache[i]; ok {
			continue
		}
		if _, ok := ss.inflight[i]; ok {
			continue
		}
		wanted = append(wanted, i)
	}
	for _, i := range wanted {
		ctx, cancel := context.WithCancel(context.Background())
		ss.inflight[i] = cancel
		ss.wg.Add(1)
		go ss.run(ctx, i)
	}
	ss.mu.Unlock()
}

// Close cancels inflight work, wipes the cache, and wipes the session's
// secret once the last speculative fetch has returned.
func (ss *Session) Close() {
	if ss == nil {
		return
	}
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	if ss.idle != nil {
		ss.idle.Stop()
	}
	for i, cancel := range ss.inflight {
		cancel()
		delete(ss.inflight, i)
	}
	for i := range ss.cache {
		ss.dropCachedLocked(i, true)
	}
	ss.order = nil
	ss.mu.Unlock()
	ss.sched.remove(ss.key)
	go ss.reap()
}

// reap waits for outstanding speculative fetches, which still read the
// secret, then zeroes it.
func (ss *Session) reap() {
	ss.wg.Wait()
	ss.mu.Lock()
	chunk.Zero(ss.secret)
	ss.secret = nil
	ss.mu.Unlock()
}

func (ss *Session) expire() {
	ss.Close()
}

func (ss *Session) run(ctx context.Context, index int) {
	defer ss.wg.Done()
	select {
	case ss.sched.sem <- struct{}{}:
		defer func() { <-ss.sched.sem }()
	case <-ctx.Done():
		ss.finish(index)
		return
	}
	if ctx.Err() != nil {
		ss.finish(index)
		return
	}

	data, err := ss.fetch(ctx, index)
	if err != nil {
		// Speculative work is best effort; the foreground read will
		// surface the real error if it hits the same chunk.
		if ctx.Err() == nil {
			log.Printf("prefetch fetch failed asset=%s chunk=%d err=%v", ss.assetID, index, err)
		}
		ss.finish(index)
		return
	}
	ss.store(index, data)
}

func (ss *Session) finish(index int) {
	ss.mu.Lock()
	if cancel, ok := ss.inflight[index]; ok {
		cancel()
		delete(ss.inflight, index)
	}
	ss.mu.Unlock()
}

func (ss *Session) store(index int, data []byte) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if cancel, ok := ss.inflight[index]; ok {
		cancel()
		delete(ss.inflight, index)
	}
	if ss.closed || index <= ss.lastIndex {
		chunk.Zero(data)
		return
	}
	if _, ok := ss.cache[index]; ok {
		chunk.Zero(data)
		return
	}
	ss.cache[index] = data
	ss.order = append(ss.order, index)
	ss.cachedBytes += int64(len(data))
	ss.evictLocked()
}

// pruneLocked drops cached chunks and inflight work that fell behind or
// far ahead of the new cursor after a seek.
func (ss *Session) pruneLocked(cursor int) {
	horizon := cursor + ss.sched.opts.MaxWindow
	for i, cancel := range ss.inflight {
		if i <= cursor || i > horizon {
			cancel()
			delete(ss.inflight, i)
		}
	}
	for i := range ss.cache {
		if i <= cursor || i > horizon {
			ss.dropCachedLocked(i, true)
		}
	}
}

func (ss *Session) evictLocked() {
	o := ss.sched.opts
	for (ss.cachedBytes > o.MaxCachedBytes || len(ss.cache) > o.MaxCachedChunks) && len(ss.order) > 0 {
		oldest := ss.order[0]
		ss.order = ss.order[1:]
		if _, ok := ss.cache[oldest]; ok {
			ss.dropCachedLocked(oldest, true)
		}
	}
}

func (ss *Session) dropCachedLocked(index int, wipe bool) {
	data, ok := ss.cache[index]
	if !ok {
		return
	}
	delete(ss.cache, index)
	ss.cachedBytes -= int64(len(data))
	for i, v := range ss.order {
		if v == index {
			ss.order = append(ss.order[:i], ss.order[i+1:]...)
			break
		}
	}
	if wipe {
		chunk.Zero(data)
	}
}

func (ss *Session) touchLocked() {
	if ss.idle != nil {
		ss.idle.Reset(ss.sched.opts.IdleTimeout)
	}
}
