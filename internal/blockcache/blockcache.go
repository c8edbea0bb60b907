// Package blockcache keeps recently decompressed archive blocks so that
// seeks which replay an entry do not pay for the same decompression
// twice. Admission is frequency-based (tinylfu); evicted buffers return
// to a pool.
package blockcache

import (
	"hash/maphash"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

// Key addresses one decompressed block: the backing file identity, the
// entry's archive offset, and the block index within the entry.
type Key struct {
	File  uint64
	Entry uint32
	Block uint32
}

// Cache is safe for concurrent use by multiple sessions.
type Cache struct {
	mu      sync.Mutex
	lfu     *tinylfu.T[Key, []byte]
	bufpool sync.Pool
	blockSize int
}

var seed = maphash.MakeSeed()

func hasher(k Key) uint64 { return maphash.Comparable(seed, k) }

// New sizes the cache for nBlock blocks of at most blockSize bytes each.
func New(nBlock, blockSize int) *Cache {
	c := &Cache{
		blockSize: blockSize,
		bufpool:   sync.Pool{New: func() any { return make([]byte, 0, blockSize) }},
	}
	c.lfu = tinylfu.New[Key, []byte](nBlock, nBlock*10, hasher, tinylfu.OnEvict(c.evict))
	return c
}

// GetInto copies the cached block for k into dst, reporting its length.
// The copy happens under the lock so eviction cannot race the read.
func (c *Cache) GetInto(k Key, dst []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.lfu.Get(k)
	if !ok || len(block) > len(dst) {
		return 0, false
	}
	return copy(dst, block), true
}

// Put stores a copy of block under k; the caller keeps ownership of the
// argument.
func (c *Cache) Put(k Key, block []byte) {
	if len(block) > c.blockSize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.bufpool.Get().([]byte)[:0]
	buf = append(buf, block...)
	c.lfu.Add(k, buf)
}

func (c *Cache) evict(_ Key, buf []byte) {
	c.bufpool.Put(buf[:0])
}
