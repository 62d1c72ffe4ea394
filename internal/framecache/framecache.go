// Package framecache implements the running-frame cache and monitor (spec
// §4.6): a concurrent frame_id→RunningFrame map, swept on a periodic cycle
// to reconcile each frame's OS-observed liveness against its own
// self-reported completion, release its cores, and report it finished.
//
// Grounded on the teacher's (zos) provisiond sweep-loop idiom (a ticker
// driving a retain-then-snapshot pass over an in-memory map — see
// cmds/provisiond) and on
// original_source/rust/crates/rqd/src/running_frames_manager.rs's
// two-cycle "disappeared from the OS" tolerance before forcing a finish.
package framecache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/procacct"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/topology"
)

// ReservationSource is the slice of C2 the monitor needs: releasing a
// finished frame's cores and reaping any booking whose resource id is no
// longer active. *reservation.Engine satisfies this directly.
type ReservationSource interface {
	ReleaseCores(resourceID reservation.ResourceID) ([]topology.CoreKey, error)
	SanitizeReservations(activeResourceIDs map[reservation.ResourceID]struct{})
}

// CompletionReporter receives one call per frame that leaves the cache,
// carrying the data spec §4.6 step 3 requires for the upstream "frame
// complete" report.
type CompletionReporter interface {
	ReportFrameComplete(f *frame.RunningFrame, exitCode int, exitSignal *int)
}

// Cache holds every frame the agent is currently tracking, keyed by frame
// id. All exported methods are safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	frames map[string]*frame.RunningFrame

	accountant  *procacct.Accountant
	reservation ReservationSource
	reporter    CompletionReporter

	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a frame cache bound to the accounting, reservation, and
// reporting collaborators the monitor cycle needs.
func New(accountant *procacct.Accountant, reservation ReservationSource, reporter CompletionReporter, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Cache{
		frames:      make(map[string]*frame.RunningFrame),
		accountant:  accountant,
		reservation: reservation,
		reporter:    reporter,
		interval:    interval,
		stop:        make(chan struct{}),
	}
}

// Add registers a frame the dispatch/spawn path just launched.
func (c *Cache) Add(id string, f *frame.RunningFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[id] = f
}

// IsRunning reports whether frame id is present and in the Running state.
func (c *Cache) IsRunning(id string) bool {
	c.mu.RLock()
	f, ok := c.frames[id]
	c.mu.RUnlock()
	return ok && f.State() == frame.StateRunning
}

// Get returns the tracked frame for id, if any.
func (c *Cache) Get(id string) (*frame.RunningFrame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[id]
	return f, ok
}

// Len reports how many frames are currently tracked.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// Start launches the periodic monitor loop in a goroutine; call Stop to
// end it.
func (c *Cache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends the monitor loop and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Sweep runs one monitor cycle (spec §4.6 steps 1-4): partition by state,
// reconcile running frames against C4, release and report finished ones,
// and reap dangling reservations.
func (c *Cache) Sweep() {
	running, finished := c.snapshotAndPartition()

	for id, f := range running {
		if forced := c.reconcile(id, f); forced {
			finished[id] = f
			delete(running, id)
		}
	}

	active := make(map[reservation.ResourceID]struct{}, len(running))
	for _, f := range running {
		active[reservation.ResourceID(f.Request.ResourceID)] = struct{}{}
	}

	c.finalizeFinished(finished)
	if c.reservation != nil {
		c.reservation.SanitizeReservations(active)
	}

	log.Debug().Int("running", len(running)).Int("finished", len(finished)).Msg("frame cache sweep complete")
}

// snapshotAndPartition copies the map into running/finished buckets and
// removes the already-finished entries from the live cache (spec §4.6
// step 1).
func (c *Cache) snapshotAndPartition() (map[string]*frame.RunningFrame, map[string]*frame.RunningFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running := make(map[string]*frame.RunningFrame)
	finished := make(map[string]*frame.RunningFrame)
	for id, f := range c.frames {
		switch f.State() {
		case frame.StateRunning:
			running[id] = f
		case frame.StateFinished, frame.StateFailedBeforeStart:
			finished[id] = f
			delete(c.frames, id)
		}
	}
	return running, finished
}

// reconcile updates a running frame's stats from C4, or — if the session
// is no longer observable — applies the two-cycle tolerance before
// forcing a finish (spec §4.6 step 2). Returns true if it force-finished
// the frame this cycle.
func (c *Cache) reconcile(id string, f *frame.RunningFrame) bool {
	pid, ok := f.Pid()
	if !ok {
		return false
	}

	c.accountant.Register(int32(pid))
	stats, ok := c.accountant.Collect(int32(pid), f.LogPath)
	if ok {
		f.UpdateStats(frame.Stats{
			RSSBytes:       stats.RSSBytes,
			VSZBytes:       stats.VSZBytes,
			GPUMemoryBytes: stats.GPUMemoryBytes,
			EpochStartTime: stats.EpochStartTime,
			RunTimeSeconds: stats.RunTimeSeconds,
			Children:       convertChildren(stats.Children),
		})
		return false
	}

	if !f.IsMarkedForCacheRemoval() {
		f.MarkForCacheRemoval()
		log.Debug().Msgf("frame %s not observed this cycle, tolerating one more", f)
		return false
	}

	sig := 19
	if err := f.Finish(1, &sig); err != nil {
		log.Warn().Err(err).Msgf("failed to force-finish frame %s", f)
	}
	c.mu.Lock()
	delete(c.frames, id)
	c.mu.Unlock()
	return true
}

// finalizeFinished releases cores and reports completion for every frame
// that left the cache this cycle (spec §4.6 step 3).
func (c *Cache) finalizeFinished(finished map[string]*frame.RunningFrame) {
	for _, f := range finished {
		var exitCode int
		var exitSignal *int
		if fs, ok := f.FinishedSnapshot(); ok {
			exitCode, exitSignal = fs.ExitCode, fs.ExitSignal
		} else {
			// FailedBeforeStart reports as (1, 10) per spec §4.6 step 3.
			exitCode = 1
			sig := 10
			exitSignal = &sig
		}

		if c.reservation != nil {
			if _, err := c.reservation.ReleaseCores(reservation.ResourceID(f.Request.ResourceID)); err != nil {
				log.Warn().Err(err).Msgf("failed to release cores for frame %s", f)
			}
		}
		if c.reporter != nil {
			c.reporter.ReportFrameComplete(f, exitCode, exitSignal)
		}
	}
}

func convertChildren(children []procacct.ChildStat) []frame.ChildInfo {
	out := make([]frame.ChildInfo, 0, len(children))
	for _, c := range children {
		out = append(out, frame.ChildInfo{
			Pid:                c.Pid,
			Name:               c.Name,
			State:              c.State,
			CmdLine:            c.CmdLine,
			RSSBytes:           c.RSSBytes,
			StartTimeFormatted: c.StartTimeFormatted,
		})
	}
	return out
}
