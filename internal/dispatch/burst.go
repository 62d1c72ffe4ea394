package dispatch

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// BurstWindow tracks each host's in-window allocation-burst consumption
// across dispatch passes (spec §4.9 "Allocation burst": burst accounting is
// frame-local and never re-synced against the DB mid-window). A cron job
// resets every host's counter at the start of the next window, mirroring
// the teacher's "@midnight cleanup cron in provision.Engine.Run" idiom
// (SPEC_FULL.md domain stack: "periodic alloc_available_cores burst-window
// reset").
type BurstWindow struct {
	mu       sync.Mutex
	consumed map[string]int
}

// NewBurstWindow builds an empty burst-window tracker.
func NewBurstWindow() *BurstWindow {
	return &BurstWindow{consumed: make(map[string]int)}
}

// Consume records n more cores spent against hostID's burst ceiling this
// window and reports whether the ceiling still holds.
func (b *BurstWindow) Consume(hostID string, n, ceiling int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed[hostID] += n
	return b.consumed[hostID] <= ceiling
}

// Reset clears every host's consumption counter.
func (b *BurstWindow) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for host := range b.consumed {
		delete(b.consumed, host)
	}
}

// StartResetSchedule schedules Reset on cronSpec and starts it immediately;
// call Stop on the returned cron.Cron at shutdown.
func (b *BurstWindow) StartResetSchedule(cronSpec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(cronSpec, func() {
		log.Debug().Msg("resetting dispatch allocation-burst window")
		b.Reset()
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
