package disk

import (
	"container/list"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentd/engine/core"
	"github.com/torrentd/engine/metainfo"
	"github.com/torrentd/engine/piece"
	"github.com/torrentd/engine/utils/memsize"
)

// Config defines Manager configuration.
type Config struct {
	WriteQueueSize          int           `yaml:"write_queue_size"`
	RetryQueueSize          int           `yaml:"retry_queue_size"`
	ReadCacheSize           int           `yaml:"read_cache_size"`
	VerificationConcurrency int           `yaml:"verification_concurrency"`
	DiskFullRecheckInterval time.Duration `yaml:"disk_full_recheck_interval"`
	AllocMode               AllocMode     `yaml:"alloc_mode"`
	RemoveEmptyDirsOnDelete bool          `yaml:"remove_empty_dirs_on_delete"`
}

func (c Config) applyDefaults() Config {
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 64
	}
	if c.RetryQueueSize == 0 {
		c.RetryQueueSize = 64
	}
	if c.ReadCacheSize == 0 {
		c.ReadCacheSize = 16
	}
	if c.VerificationConcurrency == 0 {
		c.VerificationConcurrency = 8
	}
	if c.DiskFullRecheckInterval == 0 {
		c.DiskFullRecheckInterval = 30 * time.Second
	}
	if c.AllocMode == "" {
		c.AllocMode = Sparse
	}
	return c
}

// Events receives disk manager lifecycle notifications. Implemented by
// the owning TorrentSession.
type Events interface {
	OnDiskFull(required, available int64)
	OnSpaceAvailable()
	OnVerificationProgress(checked, total int, ratio float64)
}

type writeJob struct {
	index int
	data  []byte
	done  chan error
}

// Manager implements spec.md 4.9's write queue, read cache, initial
// verification, and disk-full backpressure atop an IO. Mutated only via
// its public queue/cache operations, per spec.md 5's ownership rule.
type Manager struct {
	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger
	io     *IO
	meta   *metainfo.TorrentMetadata
	events Events

	writeCh chan *writeJob

	mu         sync.Mutex
	full       bool
	retryQueue []*writeJob

	cache *readCache

	stop     chan struct{}
	wg       sync.WaitGroup
	fullOnce sync.Once
	fullStop chan struct{}
}

// New creates a Manager rooted at dir for meta. Start must be called
// before any writes or reads.
func New(dir string, meta *metainfo.TorrentMetadata, config Config, events Events, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) *Manager {
	config = config.applyDefaults()
	return &Manager{
		config:  config,
		clk:     clk,
		stats:   stats.SubScope("disk"),
		logger:  logger,
		io:      NewIO(dir, meta, config.AllocMode),
		meta:    meta,
		events:  events,
		writeCh: make(chan *writeJob, config.WriteQueueSize),
		cache:   newReadCache(config.ReadCacheSize),
		stop:    make(chan struct{}),
	}
}

// Start allocates underlying files and begins draining the write queue.
func (m *Manager) Start() error {
	if err := m.io.Allocate(); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.runWriter()
	return nil
}

// Stop drains in-flight work and halts the write queue and any active
// disk-full recheck loop. Idempotent.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	m.mu.Lock()
	if m.full && m.fullStop != nil {
		close(m.fullStop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Write queues data for piece index to be persisted. The returned
// channel receives a single error: nil on success, the write error on
// a fatal write failure, or a KindDiskFull *core.Error when the
// disk-full retry queue is already full. A write accepted into the
// retry queue receives nothing until space is available again and the
// write has been retried.
func (m *Manager) Write(index int, data []byte) <-chan error {
	done := make(chan error, 1)
	job := &writeJob{index: index, data: data, done: done}

	m.mu.Lock()
	full := m.full
	m.mu.Unlock()

	if full {
		m.enqueueRetry(job)
		return done
	}

	select {
	case m.writeCh <- job:
	case <-m.stop:
		done <- core.NewDiskError("", nil, "disk manager stopped")
	}
	return done
}

// Read returns piece index's bytes, from the cache if present or by
// reading through to disk and populating the cache otherwise.
func (m *Manager) Read(index int) ([]byte, error) {
	if data, ok := m.cache.get(index); ok {
		return data, nil
	}
	data, err := m.io.ReadPiece(index)
	if err != nil {
		return nil, err
	}
	m.cache.put(index, data)
	return data, nil
}

// Delete stops the write queue and removes every file belonging to the
// torrent. Idempotent.
func (m *Manager) Delete() error {
	m.Stop()
	return m.io.Delete(m.config.RemoveEmptyDirsOnDelete)
}

// Verify runs initial verification: every piece is hashed in batches of
// VerificationConcurrency, with progress emitted after each batch.
// Pieces whose underlying bytes are missing are treated as not-yet-
// complete rather than an error, per spec.md 4.9.
func (m *Manager) Verify() (*piece.Bitfield, error) {
	total := m.meta.PieceCount
	completed := piece.NewBitfield(total)
	checked := 0

	for start := 0; start < total; start += m.config.VerificationConcurrency {
		end := start + m.config.VerificationConcurrency
		if end > total {
			end = total
		}
		indices := make([]int, end-start)
		for i := range indices {
			indices[i] = start + i
		}

		results, err := piece.VerifyBatch(m.meta, indices, m.config.VerificationConcurrency, m.io.ReadPiece)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Valid {
				if err := completed.Set(r.Index); err != nil {
					return nil, err
				}
			}
			checked++
		}
		if m.events != nil {
			m.events.OnVerificationProgress(checked, total, float64(checked)/float64(total))
		}
	}
	return completed, nil
}

func (m *Manager) runWriter() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.writeCh:
			m.process(job)
		case <-m.stop:
			// Drain writes already queued before exiting.
			for {
				select {
				case job := <-m.writeCh:
					m.process(job)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) process(job *writeJob) {
	err := m.io.WritePiece(job.index, job.data)
	if err == nil {
		m.cache.put(job.index, job.data)
		job.done <- nil
		return
	}
	if derr, ok := err.(*core.Error); ok && derr.Kind == core.KindDiskFull {
		m.enterFull(job, derr)
		return
	}
	m.logger.Errorf("disk: fatal write error on piece %d: %s", job.index, err)
	job.done <- err
}

// enterFull moves job and every queued write into the bounded retry
// queue, emits OnDiskFull, and starts the periodic space recheck.
func (m *Manager) enterFull(job *writeJob, cause *core.Error) {
	m.mu.Lock()
	m.full = true
	m.fullStop = make(chan struct{})
	m.mu.Unlock()

	m.enqueueRetry(job)
drain:
	for {
		select {
		case j := <-m.writeCh:
			m.enqueueRetry(j)
		default:
			break drain
		}
	}

	if m.events != nil {
		m.events.OnDiskFull(cause.Required, cause.Available)
	}
	m.logger.Warnf("disk: full, need %s but only %s available",
		memsize.Format(uint64(cause.Required)), memsize.Format(uint64(cause.Available)))
	m.stats.Counter("disk_full").Inc(1)

	m.wg.Add(1)
	go m.recheckLoop()
}

// enqueueRetry appends job to the bounded retry queue. A job that would
// overflow the queue is still surfaced (never silently dropped): it
// completes immediately with a KindDiskFull error so the caller can
// retry later rather than waiting forever.
func (m *Manager) enqueueRetry(job *writeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.retryQueue) >= m.config.RetryQueueSize {
		job.done <- core.NewDiskFullError(int64(len(job.data)), 0)
		return
	}
	m.retryQueue = append(m.retryQueue, job)
}

func (m *Manager) recheckLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(m.config.DiskFullRecheckInterval)
	defer ticker.Stop()

	m.mu.Lock()
	fullStop := m.fullStop
	m.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if m.trySpaceAvailable() {
				return
			}
		case <-fullStop:
			return
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) trySpaceAvailable() bool {
	avail, err := m.io.AvailableBytes()
	if err != nil {
		m.logger.Warnf("disk: space recheck failed: %s", err)
		return false
	}
	if int64(avail) < m.meta.PieceLength {
		return false
	}

	m.mu.Lock()
	queued := m.retryQueue
	m.retryQueue = nil
	m.full = false
	m.mu.Unlock()

	for _, j := range queued {
		select {
		case m.writeCh <- j:
		case <-m.stop:
			j.done <- core.NewDiskError("", nil, "disk manager stopped")
		}
	}
	if m.events != nil {
		m.events.OnSpaceAvailable()
	}
	return true
}

// readCache is an LRU cache of whole-piece payloads, stamped with last
// access time, populated on both successful reads and successful
// writes, per spec.md 4.9.
type readCache struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[int]*list.Element
}

type cacheEntry struct {
	index      int
	data       []byte
	lastAccess time.Time
}

func newReadCache(size int) *readCache {
	return &readCache{size: size, ll: list.New(), items: make(map[int]*list.Element)}
}

func (c *readCache) get(index int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[index]
	if !ok {
		return nil, false
	}
	el.Value.(*cacheEntry).lastAccess = time.Now()
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *readCache) put(index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[index]; ok {
		el.Value.(*cacheEntry).data = data
		el.Value.(*cacheEntry).lastAccess = time.Now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{index: index, data: data, lastAccess: time.Now()})
	c.items[index] = el
	for c.ll.Len() > c.size {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).index)
	}
}
