// Package reservation implements the per-host core-booking engine (spec
// §4.2): socket-affine reservation, administrative locking, and a
// grace-window reaper for dangling bookings left by frames that bypassed
// normal release.
//
// Grounded on hashicorp-nomad's cgutil.cpusetManagerV2 (sharing/isolating
// core-set bookkeeping behind a single mutex, recompute-then-apply) and
// intel-cri-resource-manager's cpuallocator (socket-priority core picking),
// adapted into the teacher's (zos) locking and logging idiom.
package reservation

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/cueframe/rqd/internal/rqderrors"
	"github.com/cueframe/rqd/internal/topology"
)

// ResourceID is an opaque identifier keying a single booking.
type ResourceID string

// CoreBooking is a set of (socket, core) pairs owned by a ResourceID.
type CoreBooking struct {
	ResourceID ResourceID
	Cores      []topology.CoreKey
	CreatedAt  time.Time
}

// CoreInfoReport is the report returned by GetCoreInfoReport (spec §4.2,
// invariant 2 in §8).
type CoreInfoReport struct {
	Total                    int
	Locked                   int
	Booked                   int
	Idle                     int
	HyperthreadingMultiplier int
}

// DefaultGracePeriod is the age below which a booking survives sanitization
// even if its resource id is no longer active.
const DefaultGracePeriod = 60 * time.Second

// Engine books cores against a single host's topology. All exported methods
// are safe for concurrent use; reserve/release take the write lock, report
// takes the read lock (spec §5).
type Engine struct {
	mu   sync.RWMutex
	topo *topology.Topology

	bookings map[ResourceID]CoreBooking
	occupied map[topology.CoreKey]ResourceID

	lockedCores int
	gracePeriod time.Duration
}

// New creates a reservation engine bound to the given topology.
func New(topo *topology.Topology) *Engine {
	return &Engine{
		topo:        topo,
		bookings:    make(map[ResourceID]CoreBooking),
		occupied:    make(map[topology.CoreKey]ResourceID),
		gracePeriod: DefaultGracePeriod,
	}
}

// SetGracePeriod overrides the default reaper grace period (tests only).
func (e *Engine) SetGracePeriod(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gracePeriod = d
}

type socketFree struct {
	phys topology.PhysId
	free []topology.CoreId
}

// ReserveCores picks n cores, prioritising sockets with the most free cores,
// and books every thread belonging to the chosen cores under resourceID.
func (e *Engine) ReserveCores(n int, resourceID ResourceID) ([]topology.ThreadId, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	free := e.freeCoresBySocketLocked()
	sort.SliceStable(free, func(i, j int) bool { return len(free[i].free) > len(free[j].free) })

	total := 0
	for _, s := range free {
		total += len(s.free)
	}
	if total < n {
		return nil, &rqderrors.NotEnoughResourcesAvailable{Requested: n, Available: total}
	}

	var chosen []topology.CoreKey
	for _, s := range free {
		for _, c := range s.free {
			if len(chosen) >= n {
				break
			}
			chosen = append(chosen, topology.CoreKey{Phys: s.phys, Core: c})
		}
		if len(chosen) >= n {
			break
		}
	}

	return e.bookLocked(chosen, resourceID), nil
}

// ReserveCoresByID books the cores owning the given thread ids. Used only on
// the recovery path; may permit double-booking during the recovery window
// (spec §4.2).
func (e *Engine) ReserveCoresByID(threadIDs []topology.ThreadId, resourceID ResourceID) ([]topology.ThreadId, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[topology.CoreKey]struct{})
	var chosen []topology.CoreKey
	var missing []int

	for _, tid := range threadIDs {
		key, ok := e.topo.CoreOf(tid)
		if !ok {
			missing = append(missing, int(tid))
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		chosen = append(chosen, key)
	}

	if len(missing) > 0 {
		return nil, &rqderrors.CoreNotFoundForThread{ThreadIDs: missing}
	}

	return e.bookLocked(chosen, resourceID), nil
}

func (e *Engine) bookLocked(cores []topology.CoreKey, resourceID ResourceID) []topology.ThreadId {
	e.bookings[resourceID] = CoreBooking{
		ResourceID: resourceID,
		Cores:      cores,
		CreatedAt:  time.Now(),
	}

	var threads []topology.ThreadId
	for _, key := range cores {
		e.occupied[key] = resourceID
		threads = append(threads, e.topo.ThreadsOnCore(key.Phys, key.Core)...)
	}
	return threads
}

// ReleaseCores removes the booking for resourceID and returns the cores it
// held.
func (e *Engine) ReleaseCores(resourceID ResourceID) ([]topology.CoreKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.bookings[resourceID]
	if !ok {
		return nil, &rqderrors.ReservationNotFound{ResourceID: string(resourceID)}
	}

	delete(e.bookings, resourceID)
	for _, key := range b.Cores {
		if e.occupied[key] == resourceID {
			delete(e.occupied, key)
		}
	}
	return b.Cores, nil
}

// LockCores withholds n additional cores from dispatch (saturating), and
// returns the actual delta applied.
func (e *Engine) LockCores(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.lockedCores
	e.lockedCores = saturatingAdd(e.lockedCores, n, e.topo.NumCores())
	return e.lockedCores - before
}

// UnlockCores releases n previously-locked cores (saturating at zero).
func (e *Engine) UnlockCores(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.lockedCores
	e.lockedCores = saturatingSub(e.lockedCores, n)
	return before - e.lockedCores
}

// LockAll withholds every core currently not locked.
func (e *Engine) LockAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.lockedCores
	e.lockedCores = e.topo.NumCores()
	return e.lockedCores - before
}

// UnlockAll releases every locked core.
func (e *Engine) UnlockAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.lockedCores
	e.lockedCores = 0
	return before
}

func saturatingAdd(v, delta, max int) int {
	v += delta
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

func saturatingSub(v, delta int) int {
	v -= delta
	if v < 0 {
		return 0
	}
	return v
}

// GetCoreInfoReport returns the multiplied core accounting described in
// spec §4.2 and invariant 2 in §8: idle = min(total-booked, total-locked) *
// multiplier. locked and booked are independent axes.
func (e *Engine) GetCoreInfoReport(multiplier int) CoreInfoReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := e.topo.NumCores() * multiplier
	booked := 0
	for _, b := range e.bookings {
		booked += len(b.Cores)
	}
	lockedMultiplied := e.lockedCores * multiplier
	bookedMultiplied := booked * multiplier

	idle := total - bookedMultiplied
	if rem := total - lockedMultiplied; rem < idle {
		idle = rem
	}
	if idle < 0 {
		idle = 0
	}

	return CoreInfoReport{
		Total:                    total,
		Locked:                   lockedMultiplied,
		Booked:                   bookedMultiplied,
		Idle:                     idle,
		HyperthreadingMultiplier: e.topo.Multiplier(),
	}
}

// ListBookings returns a snapshot of every active booking (debug/host-report
// use only).
func (e *Engine) ListBookings() []CoreBooking {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CoreBooking, 0, len(e.bookings))
	for _, b := range e.bookings {
		out = append(out, b)
	}
	return out
}

// SanitizeReservations retains a booking iff its resource id is still
// active or its age is below the grace period; evicted bookings are logged.
func (e *Engine) SanitizeReservations(activeResourceIDs map[ResourceID]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for id, b := range e.bookings {
		if _, active := activeResourceIDs[id]; active {
			continue
		}
		if now.Sub(b.CreatedAt) < e.gracePeriod {
			continue
		}

		delete(e.bookings, id)
		for _, key := range b.Cores {
			if e.occupied[key] == id {
				delete(e.occupied, key)
			}
		}
		log.Warn().
			Str("resource_id", string(id)).
			Time("booked_at", b.CreatedAt).
			Msg("reaped dangling core reservation")
	}
}

// ReapStale evicts any booking older than the grace period, independent of
// which resource ids the cache currently considers active. This is the
// backstop cron pass (SPEC_FULL.md domain stack: "periodic sanitize_reservations
// job") for bookings orphaned by an agent restart that never recovered a
// snapshot, so nothing ever calls SanitizeReservations with them excluded.
func (e *Engine) ReapStale() {
	e.SanitizeReservations(nil)
}

// StartReaper schedules ReapStale on cronSpec (standard 5-field cron,
// matching robfig/cron/v3's default parser), mirroring the teacher's
// "@midnight cleanup cron in provision.Engine.Run" idiom. The returned
// cron.Cron is already started; call Stop on it at shutdown.
func (e *Engine) StartReaper(cronSpec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(cronSpec, func() {
		log.Debug().Msg("running scheduled dangling-reservation reaper")
		e.ReapStale()
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (e *Engine) freeCoresBySocketLocked() []socketFree {
	var out []socketFree
	for _, phys := range e.topo.Sockets() {
		var free []topology.CoreId
		for _, core := range e.topo.CoresOnSocket(phys) {
			key := topology.CoreKey{Phys: phys, Core: core}
			if _, taken := e.occupied[key]; !taken {
				free = append(free, core)
			}
		}
		if len(free) > 0 {
			out = append(out, socketFree{phys: phys, free: free})
		}
	}
	return out
}
