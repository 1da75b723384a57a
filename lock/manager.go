package lock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTTL is how long an acquired lock remains valid without renewal.
const DefaultTTL = 120 * time.Second

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = d }
}

// WithManagerLogger overrides the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerMetrics attaches Prometheus instrumentation under reg.
func WithManagerMetrics(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) { m.metrics = newMetrics(reg) }
}

// Manager is the resource lock table: an in-memory, all-or-nothing mutual
// exclusion service keyed by administrator. It never persists anything and
// never talks across processes; coordinating multiple processes is
// explicitly out of scope.
type Manager struct {
	store   EntityStore
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics

	mu      sync.Mutex
	byAdmin map[int64][]ResourceLock
	seq     uint64

	listenersMu sync.Mutex
	listeners   map[ListenerToken]*listener
	listenerSeq ListenerToken
}

// ListenerToken identifies a registration made via ListenLocksChanged.
type ListenerToken uint64

type lockDelta struct {
	removed *ResourceLock
	added   *ResourceLock
}

type listener struct {
	token           ListenerToken
	ownerToken      string
	callback        func()
	filter          map[string]struct{}
	ignoreOwnLocks  bool
}

// NewManager creates a Manager backed by store. Administrator lookups are
// wrapped in a short-TTL cache; see cachedEntityStore.
func NewManager(store EntityStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     newCachedEntityStore(store),
		ttl:       DefaultTTL,
		byAdmin:   make(map[int64][]ResourceLock),
		listeners: make(map[ListenerToken]*listener),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	return m
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// AcquireLocks attempts to acquire, all-or-nothing, every resource in
// resources on behalf of ctx. Resources the caller already holds with a
// matching type are renewed instead of re-acquired. It returns false (not
// an error) if any requested resource is held, unexpired, by someone else
// with an incompatible type.
func (m *Manager) AcquireLocks(resources map[LockableResource]ResourceLockType, ctx CallerContext) (bool, error) {
	if len(resources) == 0 {
		return false, fmt.Errorf("%w: empty resource set", ErrInvalidArgument)
	}

	admin, ok := m.store.AdminByUsername(ctx.Username)
	if !ok {
		return false, ErrUnknownAdministrator
	}

	m.mu.Lock()

	now := time.Now()
	isOurs := func(l ResourceLock) bool {
		return !l.isSystem() && l.AdminID == admin.ID && l.AdminToken == ctx.Token
	}

	var deltas []lockDelta
	toCreate, ok := m.resourcesToLock(resources, now, isOurs, &deltas)
	if !ok {
		m.metrics.locksDenied.Inc()
		m.mu.Unlock()
		m.publish(deltas)
		return false, nil
	}

	for res, typ := range toCreate {
		l := ResourceLock{
			Resource:   res.Key(),
			Type:       typ,
			AdminID:    admin.ID,
			AdminToken: ctx.Token,
			Acquired:   now,
			Expires:    now.Add(m.ttl),
			Seq:        m.nextSeq(),
		}
		m.byAdmin[admin.ID] = append(m.byAdmin[admin.ID], l)
		deltas = append(deltas, lockDelta{added: &l})
		m.metrics.locksAcquired.Inc()
	}

	m.updateTableSizeLocked()
	m.mu.Unlock()
	// publish runs listener callbacks, which may themselves call back into
	// the Manager (the delayed service's retry pass does exactly that) — it
	// must never run while m.mu is still held, or a callback reacquiring the
	// lock deadlocks against this very call.
	m.publish(deltas)
	return true, nil
}

// RenewIfPossible behaves like AcquireLocks, except it never creates a new
// lock: it only extends the TTL of locks ctx already owns. It returns true
// only if every requested resource was already held by ctx with a matching
// type (so nothing new would need to be acquired). This mirrors the
// original service literally: a resource ctx does not yet hold at all, even
// though nothing else holds it either, still causes RenewIfPossible to
// report false, because it is reported as "needing to be locked" rather
// than "already renewed". Callers that want best-effort acquire-or-renew
// should call AcquireLocks instead.
func (m *Manager) RenewIfPossible(resources map[LockableResource]ResourceLockType, ctx CallerContext) (bool, error) {
	if len(resources) == 0 {
		return false, fmt.Errorf("%w: empty resource set", ErrInvalidArgument)
	}

	admin, ok := m.store.AdminByUsername(ctx.Username)
	if !ok {
		return false, ErrUnknownAdministrator
	}

	m.mu.Lock()

	now := time.Now()
	isOurs := func(l ResourceLock) bool {
		return !l.isSystem() && l.AdminID == admin.ID && l.AdminToken == ctx.Token
	}

	var deltas []lockDelta
	toCreate, ok := m.resourcesToLock(resources, now, isOurs, &deltas)
	m.updateTableSizeLocked()
	m.mu.Unlock()
	m.publish(deltas)
	if !ok {
		return false, nil
	}
	return len(toCreate) == 0, nil
}

// ReleaseLocks releases every (resource, type) pair in resources that ctx
// currently holds. Resources not held by ctx are silently ignored.
func (m *Manager) ReleaseLocks(resources map[LockableResource]ResourceLockType, ctx CallerContext) error {
	admin, ok := m.store.AdminByUsername(ctx.Username)
	if !ok {
		return ErrUnknownAdministrator
	}

	m.mu.Lock()

	var deltas []lockDelta
	list := m.byAdmin[admin.ID]
	kept := list[:0]
	for _, l := range list {
		remove := false
		for res, typ := range resources {
			if l.Resource == res.Key() && l.Type == typ && l.AdminToken == ctx.Token {
				remove = true
				break
			}
		}
		if remove {
			l := l
			deltas = append(deltas, lockDelta{removed: &l})
			m.metrics.locksReleased.Inc()
			continue
		}
		kept = append(kept, l)
	}
	m.byAdmin[admin.ID] = kept

	m.updateTableSizeLocked()
	m.mu.Unlock()
	m.publish(deltas)
	return nil
}

// AcquireSystemLocks behaves like AcquireLocks but for a system subsystem
// identified by a free-form tag rather than a CallerContext. System locks
// expire after the same TTL as caller locks and are swept the same way;
// they are owned under the sentinel admin id SetWide.
func (m *Manager) AcquireSystemLocks(resources map[LockableResource]ResourceLockType, tag string) (bool, error) {
	if len(resources) == 0 {
		return false, fmt.Errorf("%w: empty resource set", ErrInvalidArgument)
	}

	m.mu.Lock()

	now := time.Now()
	isOurs := func(l ResourceLock) bool { return l.isSystem() && l.Tag == tag }

	var deltas []lockDelta
	toCreate, ok := m.resourcesToLock(resources, now, isOurs, &deltas)
	if !ok {
		m.metrics.locksDenied.Inc()
		m.mu.Unlock()
		m.publish(deltas)
		return false, nil
	}

	for res, typ := range toCreate {
		l := ResourceLock{
			Resource: res.Key(),
			Type:     typ,
			AdminID:  SetWide,
			Tag:      tag,
			Acquired: now,
			Expires:  now.Add(m.ttl),
			Seq:      m.nextSeq(),
		}
		m.byAdmin[SetWide] = append(m.byAdmin[SetWide], l)
		deltas = append(deltas, lockDelta{added: &l})
		m.metrics.locksAcquired.Inc()
	}

	m.updateTableSizeLocked()
	m.mu.Unlock()
	m.publish(deltas)
	return true, nil
}

// ReleaseSystemLocks releases system locks matching resources that were
// acquired under tag.
func (m *Manager) ReleaseSystemLocks(resources map[LockableResource]ResourceLockType, tag string) error {
	m.mu.Lock()

	var deltas []lockDelta
	list := m.byAdmin[SetWide]
	kept := list[:0]
	for _, l := range list {
		remove := false
		for res, typ := range resources {
			if l.Resource == res.Key() && l.Type == typ && l.Tag == tag {
				remove = true
				break
			}
		}
		if remove {
			l := l
			deltas = append(deltas, lockDelta{removed: &l})
			m.metrics.locksReleased.Inc()
			continue
		}
		kept = append(kept, l)
	}
	m.byAdmin[SetWide] = kept

	m.updateTableSizeLocked()
	m.mu.Unlock()
	m.publish(deltas)
	return nil
}

// LockOwner identifies a resource's current holder for display purposes.
type LockOwner struct {
	Username string
	FullName string
}

// GetConcurrentLockOwnerNames returns the distinct (username, full name)
// pairs of everyone other than ctx holding an incompatible, unexpired lock
// on any of resources. Expired locks encountered along the way are swept.
// System locks are reported under the synthetic name "[System]".
func (m *Manager) GetConcurrentLockOwnerNames(resources map[LockableResource]ResourceLockType, ctx CallerContext) (map[LockOwner]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	owners := make(map[LockOwner]struct{})

	for res, typ := range resources {
		for adminID, lockList := range m.byAdmin {
			kept := lockList[:0]
			for _, l := range lockList {
				if !matches(l.Resource, res) {
					kept = append(kept, l)
					continue
				}
				if l.Expires.Before(now) {
					m.metrics.locksExpired.Inc()
					continue
				}
				if compatible(l.Type, typ) {
					kept = append(kept, l)
					continue
				}
				if l.AdminToken != ctx.Token || l.isSystem() {
					if l.isSystem() {
						owners[LockOwner{Username: "[System]", FullName: "[System]"}] = struct{}{}
					} else if admin, ok := m.store.AdminByID(l.AdminID); ok {
						owners[LockOwner{Username: admin.Username, FullName: admin.FullName}] = struct{}{}
					}
				}
				kept = append(kept, l)
			}
			m.byAdmin[adminID] = kept
		}
	}

	m.updateTableSizeLocked()
	return owners, nil
}

// GetLocks returns, for every instance of entitySet currently under an
// unexpired Write lock, the username of the lock holder (system-held locks
// are omitted, matching the original service's admin_id > 0 guard).
func (m *Manager) GetLocks(entitySet string) (map[int64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	result := make(map[int64]string)
	prefix := entitySet + "#"
	for adminID, lockList := range m.byAdmin {
		if adminID <= 0 {
			continue
		}
		for _, l := range lockList {
			if l.Type != Write || l.Expires.Before(now) || len(l.Resource) <= len(prefix) || l.Resource[:len(prefix)] != prefix {
				continue
			}
			res, err := ParseResourceKey(l.Resource)
			if err != nil || res.InstanceID <= 0 {
				continue
			}
			if admin, ok := m.store.AdminByID(l.AdminID); ok {
				result[res.InstanceID] = admin.Username
			}
		}
	}
	return result, nil
}

// ListenLocksChanged registers callback to be invoked (synchronously, on
// the goroutine that mutated the table) whenever a lock changes. filter, if
// non-empty, restricts delivery to changes on resources whose entity set is
// in filter. If ignoreOwnLocks is true, changes caused by a caller
// presenting the same ownerToken are not delivered to this listener.
func (m *Manager) ListenLocksChanged(ownerToken string, callback func(), filter []string, ignoreOwnLocks bool) (ListenerToken, error) {
	if callback == nil {
		return 0, fmt.Errorf("%w: callback is nil", ErrInvalidArgument)
	}
	fset := make(map[string]struct{}, len(filter))
	for _, f := range filter {
		fset[f] = struct{}{}
	}

	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listenerSeq++
	token := m.listenerSeq
	m.listeners[token] = &listener{
		token:          token,
		ownerToken:     ownerToken,
		callback:       callback,
		filter:         fset,
		ignoreOwnLocks: ignoreOwnLocks,
	}
	return token, nil
}

// StopListenLocksChanged removes a registration made via ListenLocksChanged.
func (m *Manager) StopListenLocksChanged(token ListenerToken) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, token)
}

func (m *Manager) publish(deltas []lockDelta) {
	if len(deltas) == 0 {
		return
	}

	m.listenersMu.Lock()
	snapshot := make([]*listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	for _, d := range deltas {
		var l ResourceLock
		switch {
		case d.added != nil:
			l = *d.added
		case d.removed != nil:
			l = *d.removed
		}
		for _, ls := range snapshot {
			if ls.ignoreOwnLocks && ls.ownerToken == l.AdminToken {
				continue
			}
			if len(ls.filter) > 0 {
				res, err := ParseResourceKey(l.Resource)
				if err != nil {
					continue
				}
				if _, ok := ls.filter[res.EntitySet]; !ok {
					continue
				}
			}
			ls.callback()
		}
	}
}

// resourcesToLock is the core acquire algorithm, grounded on
// ResourceLockService::getResourcesToLock: a single pass per requested
// resource that either finds and renews an existing lock of ours, skips a
// compatible foreign lock, sweeps an expired foreign lock, or fails fast on
// the first incompatible non-expired foreign lock. It must be called with
// m.mu held.
func (m *Manager) resourcesToLock(
	resources map[LockableResource]ResourceLockType,
	now time.Time,
	isOurs func(ResourceLock) bool,
	deltas *[]lockDelta,
) (map[LockableResource]ResourceLockType, bool) {
	toCreate := make(map[LockableResource]ResourceLockType)

	// renewAt names a (admin id, resource key, type) identity whose expiry
	// should be bumped once every resource has been scanned without a fast
	// failure. Identity, not index, survives the list rebuilding that later
	// resources in this same call may still perform.
	type renewAt struct {
		adminID int64
		key     string
		typ     ResourceLockType
	}
	var toRenew []renewAt

	for res, typ := range resources {
		hasLock := false

		for adminID, lockList := range m.byAdmin {
			rebuilt := make([]ResourceLock, 0, len(lockList))
			failed := false

			for i, l := range lockList {
				if !matches(l.Resource, res) {
					rebuilt = append(rebuilt, l)
					continue
				}
				if isOurs(l) {
					if typ == l.Type {
						toRenew = append(toRenew, renewAt{adminID: adminID, key: l.Resource, typ: l.Type})
						hasLock = true
					}
					rebuilt = append(rebuilt, l)
					continue
				}
				if l.Expires.Before(now) {
					removed := l
					*deltas = append(*deltas, lockDelta{removed: &removed})
					m.metrics.locksExpired.Inc()
					continue
				}
				if compatible(l.Type, typ) {
					rebuilt = append(rebuilt, l)
					continue
				}
				// Incompatible, unexpired, foreign lock: fail fast. The
				// failing entry and everything after it in this admin's
				// list were never examined, so they're carried over as-is;
				// whatever expirations were already swept ahead of it stay
				// swept, matching getResourcesToLock's in-place mutation
				// with no rollback on failure.
				rebuilt = append(rebuilt, lockList[i:]...)
				failed = true
				break
			}

			m.byAdmin[adminID] = rebuilt
			if failed {
				return nil, false
			}
		}

		if !hasLock {
			toCreate[res] = typ
		}
	}

	for _, r := range toRenew {
		list := m.byAdmin[r.adminID]
		for i := range list {
			if list[i].Resource == r.key && list[i].Type == r.typ {
				list[i].Expires = now.Add(m.ttl)
				break
			}
		}
	}

	return toCreate, true
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Manager) updateTableSizeLocked() {
	n := 0
	for _, list := range m.byAdmin {
		n += len(list)
	}
	m.metrics.tableSize.Set(float64(n))
}
