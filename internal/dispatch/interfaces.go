package dispatch

// HostLocker acquires the DB-level advisory lock on a host for the
// duration of one (layer, host) dispatch pass (spec §4.9 "Host lock
// discipline", §5).
type HostLocker interface {
	LockHost(hostID string) (unlock func(), err error)
}

// PersistenceStore is the dispatch transaction's DB-facing seam: recording
// a virtual proc's start and the host's post-dispatch resource state (spec
// §4.9 "Commit" steps 3 and 5). The Non-goals exclude a real job database,
// so production wiring of this interface lives outside this package.
type PersistenceStore interface {
	UpdateFrameStarted(vp VirtualProc) error
	PersistHostResources(host HostView) error
}
