// Package rqdserver adapts the launch RPC (internal/rqdapi) onto the agent
// facade (internal/machine): it is the thin RPC-handler layer spec §4.7
// describes as consuming Machine, translating wire requests into core
// reservations and frame spawns and wire responses back.
package rqdserver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/machine"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/rqdapi"
	"github.com/cueframe/rqd/internal/rqderrors"
)

// LoggerFactory builds the per-frame log writer for a launch; in
// production this is frame.NewFileLogger, substituted in tests.
type LoggerFactory func(path string, runAsUser bool, uid, gid int32) (frame.Logger, error)

// Server implements rqdapi.RqdServer on top of a Machine.
type Server struct {
	machine  *machine.Machine
	cfg      frame.RunnerConfig
	hostname string
	newLog   LoggerFactory
}

// New builds an rqdapi.RqdServer bound to m.
func New(m *machine.Machine, cfg frame.RunnerConfig, hostname string, newLog LoggerFactory) *Server {
	return &Server{machine: m, cfg: cfg, hostname: hostname, newLog: newLog}
}

// RunFrame reserves cores for the request, builds and registers a
// RunningFrame, and spawns it in the background (spec §4.9 "Commit" step 4
// / §4.5 "Spawn"). The RPC itself does not block on frame completion;
// completion is reported asynchronously through the frame cache's sweep.
func (s *Server) RunFrame(ctx context.Context, in *rqdapi.RunFrameRequest) (*rqdapi.RunFrameResponse, error) {
	threadIDs, err := s.machine.ReserveCores(machine.CoreRequest{Count: int(in.NumCores)}, reservation.ResourceID(in.ResourceID))
	if err != nil {
		return nil, fmt.Errorf("reserving cores for %s: %w", in.ResourceID, err)
	}

	ids := make([]int, len(threadIDs))
	for i, t := range threadIDs {
		ids[i] = int(t)
	}

	req := frame.LaunchRequest{
		ResourceID:  in.ResourceID,
		JobID:       in.JobID,
		JobName:     in.JobName,
		LayerID:     in.LayerID,
		FrameID:     in.FrameID,
		FrameName:   in.FrameName,
		Command:     in.Command,
		UserName:    in.UserName,
		LogDir:      in.LogDir,
		NumCores:    int(in.NumCores),
		NumGpus:     int(in.NumGpus),
		OS:          in.OS,
		IgnoreNimby: in.IgnoreNimby,
		HardMemKiB:  uint64(in.HardMemoryKiB),
		SoftMemKiB:  uint64(in.SoftMemoryKiB),
		Environment: in.Environment,
		GID:         0,
	}

	f := frame.New(req, in.UID, s.cfg, ids, nil, s.hostname)
	s.machine.AddRunningFrame(in.FrameID, f)

	logger, err := s.newLog(f.LogPath, s.cfg.RunAsUser, in.UID, req.GID)
	if err != nil {
		if fbErr := f.FailBeforeStart(); fbErr != nil {
			log.Error().Err(fbErr).Str("frame_id", in.FrameID).Msg("failed to mark frame as failed before start after logger setup failure")
		}
		if _, relErr := s.machine.ReleaseCores(reservation.ResourceID(in.ResourceID)); relErr != nil {
			log.Error().Err(relErr).Str("resource_id", in.ResourceID).Msg("failed to release cores after logger setup failure")
		}
		return nil, fmt.Errorf("opening frame log for %s: %w", in.FrameID, &rqderrors.LoggerInitFailed{Cause: err})
	}

	go f.Run(context.Background(), logger, false)

	return &rqdapi.RunFrameResponse{Accepted: true}, nil
}

// KillRunningFrame signals the tracked frame's process group (spec §4.5
// "Kill request").
func (s *Server) KillRunningFrame(ctx context.Context, in *rqdapi.KillRunningFrameRequest) (*rqdapi.KillRunningFrameResponse, error) {
	f, ok := s.machine.GetRunningFrame(in.FrameID)
	if !ok {
		return nil, fmt.Errorf("frame %s is not tracked on this host", in.FrameID)
	}

	reason := "killed by request"
	if in.Force {
		reason = "force-killed by request"
	}
	pid, err := f.GetPidToKill(reason)
	if err != nil {
		return nil, fmt.Errorf("killing frame %s: %w", in.FrameID, err)
	}

	if err := s.machine.KillSession(int32(pid), in.Force); err != nil {
		return nil, fmt.Errorf("signalling frame %s (pid %d): %w", in.FrameID, pid, err)
	}

	return &rqdapi.KillRunningFrameResponse{Accepted: true}, nil
}
