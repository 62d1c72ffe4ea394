// Package rqderrors declares the abstract error kinds from the reservation
// and dispatch engines (spec §7). Callers compare with errors.As rather than
// string matching.
package rqderrors

import "fmt"

// NotEnoughResourcesAvailable is returned when a core reservation would
// exceed the number of free cores on a host.
type NotEnoughResourcesAvailable struct {
	Requested int
	Available int
}

func (e *NotEnoughResourcesAvailable) Error() string {
	return fmt.Sprintf("not enough resources available: requested %d cores, %d free", e.Requested, e.Available)
}

// CoreNotFoundForThread is returned by the recovery-only reservation path
// when one or more thread ids are not present in the topology.
type CoreNotFoundForThread struct {
	ThreadIDs []int
}

func (e *CoreNotFoundForThread) Error() string {
	return fmt.Sprintf("core not found for thread ids: %v", e.ThreadIDs)
}

// ReservationNotFound is returned by release_cores when no booking matches
// the given resource id.
type ReservationNotFound struct {
	ResourceID string
}

func (e *ReservationNotFound) Error() string {
	return fmt.Sprintf("reservation not found: %s", e.ResourceID)
}

// HostResourcesExtinguished terminates the per-host dispatch loop for a
// layer; it is non-fatal for the layer overall since other hosts continue.
type HostResourcesExtinguished struct {
	Reason string
}

func (e *HostResourcesExtinguished) Error() string {
	return fmt.Sprintf("host resources extinguished: %s", e.Reason)
}

// AllocationOverBurst stops further dispatch for the current layer on the
// current host; non-fatal.
type AllocationOverBurst struct {
	Allocation string
}

func (e *AllocationOverBurst) Error() string {
	return fmt.Sprintf("allocation over burst: %s", e.Allocation)
}

// HostLock signals the host's DB advisory lock could not be acquired; the
// layer loop should try another host.
type HostLock struct {
	Host string
}

func (e *HostLock) Error() string {
	return fmt.Sprintf("could not acquire host lock: %s", e.Host)
}

// GrpcFailure wraps a surfaced (non-retried) transport failure from the
// launch RPC.
type GrpcFailure struct {
	Status string
}

func (e *GrpcFailure) Error() string {
	return fmt.Sprintf("grpc failure: %s", e.Status)
}

// FailedToStartOnDB signals the dispatch transaction failed before the
// launch RPC was ever sent; the frame is not considered dispatched.
type FailedToStartOnDB struct {
	Cause error
}

func (e *FailedToStartOnDB) Error() string {
	return fmt.Sprintf("failed to persist frame start: %v", e.Cause)
}

func (e *FailedToStartOnDB) Unwrap() error { return e.Cause }

// FailureAfterDispatch signals a DB error that occurred after the launch
// RPC succeeded; the frame is "partially dispatched" and left to reconcile
// on the next monitor sweep.
type FailureAfterDispatch struct {
	Cause error
}

func (e *FailureAfterDispatch) Error() string {
	return fmt.Sprintf("failure after dispatch: %v", e.Cause)
}

func (e *FailureAfterDispatch) Unwrap() error { return e.Cause }

// SnapshotMissingOrStale is returned by frame recovery when the persisted
// pid is no longer present in the OS process table.
type SnapshotMissingOrStale struct {
	Path string
}

func (e *SnapshotMissingOrStale) Error() string {
	return fmt.Sprintf("snapshot missing or stale: %s", e.Path)
}

// LoggerInitFailed causes a frame to transition directly to
// FailedBeforeStart; no pid ever exists for it.
type LoggerInitFailed struct {
	Cause error
}

func (e *LoggerInitFailed) Error() string {
	return fmt.Sprintf("logger init failed: %v", e.Cause)
}

func (e *LoggerInitFailed) Unwrap() error { return e.Cause }
