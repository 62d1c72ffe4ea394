// Package dispatch implements the dispatcher fit & dispatch engine (spec
// §4.9): for each (layer, host) pair it canonicalizes a frame's core
// request, reserves cores according to the host's thread mode, checks the
// remaining fit predicates, and commits by debiting the in-memory host
// replica, persisting the frame start, and invoking the agent's launch RPC.
//
// Grounded on original_source/rust/crates/scheduler/src/pipeline/dispatcher/
// for the canonicalization/fit/commit sequence, and on the teacher's (zos)
// pkg/provision/engine.go for the host-lock-around-a-transactional-body
// shape (acquire, defer-release, panic-safe).
package dispatch

import (
	"time"

	"github.com/cueframe/rqd/internal/topology"
)

// ThreadMode is the dispatcher-side core-reservation policy for a host
// (spec §3 "Host View", §4.9 core-reservation table).
type ThreadMode int

const (
	// ThreadModeAll always reserves every idle core for any frame.
	ThreadModeAll ThreadMode = iota
	// ThreadModeVariable reserves a small floor for lightly-threaded
	// requests, else falls through to the Auto rule.
	ThreadModeVariable
	// ThreadModeAuto balances core count against requested memory unless
	// the host is a selfish service or nearly out of spare memory.
	ThreadModeAuto
	// ThreadModeStatic reserves exactly the requested core count.
	ThreadModeStatic
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadModeAll:
		return "ALL"
	case ThreadModeVariable:
		return "VARIABLE"
	case ThreadModeAuto:
		return "AUTO"
	default:
		return "STATIC"
	}
}

// HostView is the dispatcher's in-memory replica of one agent host (spec §3
// "Host View"): enough state to fit and debit frames without a round trip,
// refreshed from the agent's host reports.
type HostView struct {
	ID                 string
	Name               string
	Addr               string
	OS                 string
	AllocationName     string
	ThreadMode         ThreadMode
	IsSelfishService   bool
	TotalCores         int
	IdleCores          int
	TotalMemoryKiB     int64
	IdleMemoryKiB      int64
	IdleGpus           int
	IdleGpuMemoryKiB   int64
	AllocAvailableCores int
	StrandedThresholdKiB int64
}

// LayerRequest is the per-layer dispatch template a frame is drawn from
// (spec §4.9, §6 "Launch request payload").
type LayerRequest struct {
	JobID           string
	JobName         string
	LayerID         string
	LayerName       string
	Command         string
	UserName        string
	LogDir          string
	OS              string
	Threadable      bool
	CoresRequested  int
	MinMemoryKiB    int64
	MinGpus         int
	MinGpuMemoryKiB int64
	LayerCoresLimit int
	HardMemoryKiB   int64
	SoftMemoryKiB   int64
	IgnoreNimby     bool
	Environment     map[string]string
	UID             int32
	ChunkSize       int
}

// FrameRequest is a single pending frame drawn from a layer (spec §4.8 for
// the frame-number/chunk fields feeding command-token substitution).
type FrameRequest struct {
	FrameID     string
	FrameName   string
	FrameNumber int
	ChunkStart  int
	ChunkEnd    int
	ChunkSpec   string
}

// VirtualProc is the ephemeral dispatcher-side binding created on a
// successful commit (spec §3 "Virtual Proc").
type VirtualProc struct {
	ResourceID        string
	JobID             string
	FrameID           string
	HostID            string
	CoresReserved     int
	ThreadIDs         []topology.ThreadId
	MemoryReservedKiB int64
	GpusReserved      int
	GpuMemoryReserved int64
	OS                string
	StartTime         time.Time
}

// DispatchSummary aggregates one (layer, host) pass, returned to the caller
// and consumed by tests asserting the end-to-end scenarios (SPEC_FULL.md C9
// supplement).
type DispatchSummary struct {
	HostID       string
	LayerID      string
	Dispatched   []VirtualProc
	Skipped      int
	StoppedEarly bool
	StopReason   error
}
