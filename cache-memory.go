package sdns

import (
	"sync"
	"time"
)

type memoryBackend struct {
	lru    *lruCache
	mu     sync.Mutex
	closed chan struct{}
}

type MemoryBackendOptions struct {
	// Total capacity of the cache, default unlimited
	Capacity int

	// How often to run garbage collection, default 1 minute
	GCPeriod time.Duration
}

var _ CacheBackend = (*memoryBackend)(nil)

// NewMemoryBackend returns an in-memory cache backend with LRU eviction.
func NewMemoryBackend(opt MemoryBackendOptions) *memoryBackend {
	if opt.GCPeriod == 0 {
		opt.GCPeriod = time.Minute
	}
	b := &memoryBackend{
		lru:    newLRUCache(opt.Capacity),
		closed: make(chan struct{}),
	}
	go b.startGC(opt.GCPeriod)
	return b
}

func (b *memoryBackend) Set(key string, answers []Answer, ttl time.Duration) {
	now := time.Now()
	record := &cacheRecord{
		Timestamp: now,
		Expiry:    now.Add(ttl),
		Answers:   answers,
	}
	b.mu.Lock()
	b.lru.add(key, record)
	b.mu.Unlock()
}

func (b *memoryBackend) Get(key string) ([]Answer, bool) {
	b.mu.Lock()
	record := b.lru.get(key)
	b.mu.Unlock()

	if record == nil {
		return nil, false
	}
	if time.Now().After(record.Expiry) {
		b.evict(key)
		return nil, false
	}

	// Adjust the TTLs for the time spent in the cache. A record whose
	// TTL has run out is evicted and reported as a miss.
	answers, ok := record.agedAnswers()
	if !ok {
		b.evict(key)
		return nil, false
	}
	return answers, true
}

func (b *memoryBackend) evict(key string) {
	b.mu.Lock()
	b.lru.delete(key)
	b.mu.Unlock()
}

// Runs every period and evicts all expired items. Expired records are
// otherwise only dropped when a new query for them is made.
func (b *memoryBackend) startGC(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
		}
		now := time.Now()
		var total, removed int
		b.mu.Lock()
		b.lru.deleteFunc(func(r *cacheRecord) bool {
			if now.After(r.Expiry) {
				removed++
				return true
			}
			return false
		})
		total = b.lru.size()
		b.mu.Unlock()

		Log.WithField("total", total).WithField("removed", removed).Debug("cache garbage collection")
	}
}

func (b *memoryBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.size()
}

func (b *memoryBackend) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}
