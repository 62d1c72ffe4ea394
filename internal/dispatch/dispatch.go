package dispatch

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/status"

	"github.com/cueframe/rqd/internal/dispatch/rpcpool"
	"github.com/cueframe/rqd/internal/rqdapi"
	"github.com/cueframe/rqd/internal/rqderrors"
)

// Dispatcher runs the per-(layer, host) fit-and-commit loop of spec §4.9.
type Dispatcher struct {
	pool       *rpcpool.Pool
	locker     HostLocker
	store      PersistenceStore
	dryRun     bool
	layerLimit int
}

// New builds a Dispatcher. layerLimit is dispatch_frames_per_layer_limit;
// a non-positive value disables the cap (bounded only by len(pending)).
func New(pool *rpcpool.Pool, locker HostLocker, store PersistenceStore, dryRun bool, layerLimit int) *Dispatcher {
	return &Dispatcher{pool: pool, locker: locker, store: store, dryRun: dryRun, layerLimit: layerLimit}
}

// DispatchLayer runs one (layer, host) pass: it acquires the host's
// advisory lock for the duration of the loop (released even on panic via
// defer), then fits and commits frames from pending in order until the
// layer limit, a fit failure, or a burst ceiling stops it (spec §4.9).
func (d *Dispatcher) DispatchLayer(ctx context.Context, host HostView, layer LayerRequest, pending []FrameRequest) (DispatchSummary, error) {
	summary := DispatchSummary{HostID: host.ID, LayerID: layer.LayerID}

	unlock, err := d.locker.LockHost(host.ID)
	if err != nil {
		return summary, &rqderrors.HostLock{Host: host.ID}
	}
	defer unlock()

	limit := d.layerLimit
	if limit <= 0 || limit > len(pending) {
		limit = len(pending)
	}

	remainingBurst := host.AllocAvailableCores

	for i := 0; i < limit; i++ {
		frameReq := pending[i]

		canonical := canonicalizeCoresRequested(layer.CoresRequested, host.TotalCores)
		cores := reserveCoreCount(host, layer, canonical)

		if err := checkFit(host, layer, cores); err != nil {
			summary.StoppedEarly = true
			summary.StopReason = err
			log.Warn().Str("host", host.ID).Str("layer", layer.LayerID).Err(err).Msg("dispatch stopped: host resources extinguished")
			break
		}
		if err := checkAllocationBurst(remainingBurst, cores, host.AllocationName); err != nil {
			summary.StoppedEarly = true
			summary.StopReason = err
			log.Warn().Str("host", host.ID).Str("layer", layer.LayerID).Err(err).Msg("dispatch stopped: allocation burst exceeded")
			break
		}

		vp := VirtualProc{
			ResourceID:        uuid.NewString(),
			JobID:             layer.JobID,
			FrameID:           frameReq.FrameID,
			HostID:            host.ID,
			CoresReserved:     cores,
			MemoryReservedKiB: layer.MinMemoryKiB,
			GpusReserved:      layer.MinGpus,
			GpuMemoryReserved: layer.MinGpuMemoryKiB,
			OS:                layer.OS,
		}

		host.IdleCores -= cores
		host.IdleMemoryKiB -= layer.MinMemoryKiB
		host.IdleGpus -= layer.MinGpus
		host.IdleGpuMemoryKiB -= layer.MinGpuMemoryKiB
		remainingBurst -= cores

		if err := d.store.UpdateFrameStarted(vp); err != nil {
			return summary, &rqderrors.FailedToStartOnDB{Cause: err}
		}

		if d.dryRun {
			log.Info().Str("resource_id", vp.ResourceID).Str("frame", frameReq.FrameName).Msg("dry-run: would launch frame")
		} else if err := d.launch(ctx, host, layer, frameReq, vp); err != nil {
			return summary, err
		}

		if err := d.store.PersistHostResources(host); err != nil {
			return summary, &rqderrors.FailureAfterDispatch{Cause: err}
		}

		summary.Dispatched = append(summary.Dispatched, vp)
	}

	summary.Skipped = len(pending) - len(summary.Dispatched)
	return summary, nil
}

// launch builds the RunFrame payload and invokes the agent's launch RPC,
// invalidating and redialing the cached channel exactly once on a
// retryable transport failure (spec §4.9 "Commit" step 4).
func (d *Dispatcher) launch(ctx context.Context, host HostView, layer LayerRequest, frameReq FrameRequest, vp VirtualProc) error {
	req := buildRunFrameRequest(host, layer, frameReq, vp)

	var lastRetryable error

	attempt := func() error {
		conn, err := d.pool.Get(host.Addr)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("dialing %s: %w", host.Addr, err))
		}

		client := rqdapi.NewRqdClient(conn)
		_, err = client.RunFrame(ctx, req)
		if err == nil {
			return nil
		}

		st, ok := status.FromError(err)
		if ok && rqdapi.RetryableCode(st.Code()) {
			d.pool.Invalidate(host.Addr)
			lastRetryable = err
			return err
		}
		return backoff.Permanent(&rqderrors.GrpcFailure{Status: err.Error()})
	}

	if err := backoff.Retry(attempt, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)); err != nil {
		if lastRetryable != nil {
			return &rqderrors.GrpcFailure{Status: lastRetryable.Error()}
		}
		return err
	}
	return nil
}

func buildRunFrameRequest(host HostView, layer LayerRequest, frameReq FrameRequest, vp VirtualProc) *rqdapi.RunFrameRequest {
	return &rqdapi.RunFrameRequest{
		ResourceID:    vp.ResourceID,
		JobID:         layer.JobID,
		JobName:       layer.JobName,
		LayerID:       layer.LayerID,
		FrameID:       frameReq.FrameID,
		FrameName:     frameReq.FrameName,
		Command:       substituteTokens(layer.Command, layer, frameReq),
		UserName:      layer.UserName,
		LogDir:        layer.LogDir,
		NumCores:      int32(vp.CoresReserved),
		NumGpus:       int32(vp.GpusReserved),
		OS:            layer.OS,
		IgnoreNimby:   layer.IgnoreNimby,
		HardMemoryKiB: layer.HardMemoryKiB,
		SoftMemoryKiB: layer.SoftMemoryKiB,
		Environment:   layer.Environment,
		UID:           layer.UID,
	}
}
