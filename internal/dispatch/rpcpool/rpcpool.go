// Package rpcpool caches one grpc.ClientConn per agent host so the
// dispatcher's per-(layer, host) loop does not redial on every frame. Each
// cached connection expires 3 hours after it was cached and at most 100 are
// cached. Expiry is not idle-based: a lookup does not extend an entry's
// lifetime, and an unused connection stays cached until its 3-hour expiry.
//
// Grounded on the teacher's (zos) use of patrickmn/go-cache for bounded,
// TTL-expiring in-memory state (pkg/provision/engine.go, pkg/container/watch.go);
// go-cache's OnEvicted hook is repurposed here to close the underlying
// connection the moment its cache entry expires, so idle connections don't
// leak past the pool's own bookkeeping.
package rpcpool

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	idleExpiration  = 10 * time.Minute
	ttl             = 3 * time.Hour
	cleanupInterval = time.Minute
	maxEntries      = 100
)

// Pool hands out cached *grpc.ClientConn instances keyed by host address.
type Pool struct {
	mu      sync.Mutex
	entries *cache.Cache
	count   int
}

// New builds an empty pool. Get stores every entry with the 3-hour ttl, so
// idleExpiration (the cache's default expiry) is never applied to an entry.
func New() *Pool {
	p := &Pool{entries: cache.New(idleExpiration, cleanupInterval)}
	p.entries.OnEvicted(func(_ string, v interface{}) {
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		if conn, ok := v.(*grpc.ClientConn); ok {
			_ = conn.Close()
		}
	})
	return p
}

// Get returns a cached connection for addr, dialing a new one if absent or
// evicted. Entries beyond maxEntries are not cached (still usable, just not
// reused) to honor the spec's 100-entry cap.
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	if conn, ok := p.entries.Get(addr); ok {
		return conn.(*grpc.ClientConn), nil
	}

	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.count < maxEntries {
		p.entries.Set(addr, conn, ttl)
		p.count++
	}
	p.mu.Unlock()

	return conn, nil
}

// Invalidate drops addr's cached connection and closes it, forcing the next
// Get to redial (spec §4.9 step 4: "invalidate and retry once").
func (p *Pool) Invalidate(addr string) {
	// Delete runs the OnEvicted hook, which decrements count and closes the
	// connection; an unknown addr is a no-op.
	p.entries.Delete(addr)
}

// Len reports how many connections the pool currently holds (tests only).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
