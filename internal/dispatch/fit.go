package dispatch

import (
	"github.com/cueframe/rqd/internal/rqderrors"
)

// canonicalizeCoresRequested applies spec §4.9's sign rule: negative means
// "reserve all but |requested|", zero means "reserve all", positive is
// taken literally.
func canonicalizeCoresRequested(requested, totalCores int) int {
	switch {
	case requested < 0:
		return totalCores + requested
	case requested == 0:
		return totalCores
	default:
		return requested
	}
}

// reserveCoreCount applies the thread-mode table (spec §4.9) to decide how
// many cores a frame actually reserves, given its canonicalized request.
func reserveCoreCount(host HostView, layer LayerRequest, canonical int) int {
	switch {
	case host.ThreadMode == ThreadModeAll:
		return host.IdleCores
	case layer.Threadable && canonical <= 2 && (host.ThreadMode == ThreadModeVariable):
		return 2
	case layer.Threadable && (host.ThreadMode == ThreadModeVariable || host.ThreadMode == ThreadModeAuto):
		if host.IsSelfishService || host.IdleMemoryKiB-layer.MinMemoryKiB <= host.StrandedThresholdKiB {
			return host.IdleCores
		}
		return memoryBalancedCoreCount(host, layer, canonical)
	default:
		return canonical
	}
}

// memoryBalancedCoreCount spends the frame's memory request proportionally
// against the host's per-core memory share, clamped between the request
// itself and the layer's optional core limit (spec §4.9).
func memoryBalancedCoreCount(host HostView, layer LayerRequest, canonical int) int {
	if host.TotalCores == 0 {
		return canonical
	}
	memoryPerCore := host.TotalMemoryKiB / int64(host.TotalCores)
	if memoryPerCore <= 0 {
		return canonical
	}

	coresWorthOfMemory := roundDiv(layer.MinMemoryKiB, memoryPerCore)

	cores := coresWorthOfMemory
	if cores < canonical {
		cores = canonical
	}
	if layer.LayerCoresLimit > 0 && cores > layer.LayerCoresLimit {
		cores = layer.LayerCoresLimit
	}
	if cores < 1 {
		cores = 1
	}
	return cores
}

func roundDiv(a, b int64) int {
	if b == 0 {
		return 0
	}
	// round-half-up, matching spec's "round(min_memory / memory_per_core)".
	return int((a + b/2) / b)
}

// checkFit validates the resource fit predicates from spec §4.9 against the
// host's current idle resources. The allocation burst ceiling is checked
// separately in the commit loop (see checkAllocationBurst), since it is
// consulted frame-local without a DB re-check.
func checkFit(host HostView, layer LayerRequest, coresReserved int) error {
	switch {
	case host.IdleMemoryKiB < layer.MinMemoryKiB:
		return &rqderrors.HostResourcesExtinguished{Reason: "idle memory below layer minimum"}
	case host.IdleGpus < layer.MinGpus:
		return &rqderrors.HostResourcesExtinguished{Reason: "idle gpus below layer minimum"}
	case host.IdleGpuMemoryKiB < layer.MinGpuMemoryKiB:
		return &rqderrors.HostResourcesExtinguished{Reason: "idle gpu memory below layer minimum"}
	case coresReserved > host.IdleCores:
		return &rqderrors.HostResourcesExtinguished{Reason: "cores reserved exceeds idle cores"}
	default:
		return nil
	}
}

// checkAllocationBurst checks a frame's cores against the frame-local
// remaining burst budget, which the caller seeds once per pass and
// decrements per frame without re-querying the DB (spec §4.9 "Allocation
// burst"); exceeding it stops further dispatch for this layer on this host.
func checkAllocationBurst(remaining, coresReserved int, allocationName string) error {
	if coresReserved > remaining {
		return &rqderrors.AllocationOverBurst{Allocation: allocationName}
	}
	return nil
}
