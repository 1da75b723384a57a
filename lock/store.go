package lock

import (
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// AdminRef is the minimal view of an administrator the lock manager needs:
// enough to resolve a CallerContext's username to a stable ID, and to turn
// a held lock's AdminID back into a human-readable owner name.
type AdminRef struct {
	ID       int64
	Username string
	FullName string
}

// EntityStore resolves administrators by username or ID. It is the only
// seam into the wider application's entity graph; this package never reads
// or writes any other entity kind.
type EntityStore interface {
	AdminByUsername(username string) (AdminRef, bool)
	AdminByID(id int64) (AdminRef, bool)
}

// StaticEntityStore is a minimal in-memory EntityStore, suitable for tests
// and for embedding applications that have not wired a richer store yet.
type StaticEntityStore struct {
	mu     sync.RWMutex
	byName map[string]AdminRef
	byID   map[int64]AdminRef
}

// NewStaticEntityStore creates an empty StaticEntityStore.
func NewStaticEntityStore() *StaticEntityStore {
	return &StaticEntityStore{
		byName: make(map[string]AdminRef),
		byID:   make(map[int64]AdminRef),
	}
}

// Put registers (or replaces) an administrator record.
func (s *StaticEntityStore) Put(admin AdminRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[admin.Username] = admin
	s.byID[admin.ID] = admin
}

func (s *StaticEntityStore) AdminByUsername(username string) (AdminRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byName[username]
	return a, ok
}

func (s *StaticEntityStore) AdminByID(id int64) (AdminRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// cachedEntityStore wraps an EntityStore with a short-TTL lookup cache. The
// acquire path calls AdminByUsername on every request (see Manager.AcquireLocks);
// the original C++ service re-scans every administrator on every such call
// (ResourceLockService::getAdmynByUsername), which this port deliberately
// does not repeat. A short TTL keeps externally added/removed
// administrators visible promptly without turning every lock request into
// a full store round trip.
type cachedEntityStore struct {
	backing  EntityStore
	byName   *otter.Cache[string, AdminRef]
	byID     *otter.Cache[int64, AdminRef]
}

const entityCacheTTL = 5 * time.Second

func newCachedEntityStore(backing EntityStore) *cachedEntityStore {
	return &cachedEntityStore{
		backing: backing,
		byName: otter.Must(&otter.Options[string, AdminRef]{
			MaximumSize:      4096,
			ExpiryCalculator: otter.ExpiryWriting[string, AdminRef](entityCacheTTL),
		}),
		byID: otter.Must(&otter.Options[int64, AdminRef]{
			MaximumSize:      4096,
			ExpiryCalculator: otter.ExpiryWriting[int64, AdminRef](entityCacheTTL),
		}),
	}
}

func (c *cachedEntityStore) AdminByUsername(username string) (AdminRef, bool) {
	v, ok := c.byName.GetIfPresent(username)
	if ok {
		return v, true
	}
	a, ok := c.backing.AdminByUsername(username)
	if !ok {
		return AdminRef{}, false
	}
	c.byName.Set(username, a)
	c.byID.Set(a.ID, a)
	return a, true
}

func (c *cachedEntityStore) AdminByID(id int64) (AdminRef, bool) {
	v, ok := c.byID.GetIfPresent(id)
	if ok {
		return v, true
	}
	a, ok := c.backing.AdminByID(id)
	if !ok {
		return AdminRef{}, false
	}
	c.byID.Set(id, a)
	c.byName.Set(a.Username, a)
	return a, true
}
