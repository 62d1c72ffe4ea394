// Command rqd-agent is the render-node RPC server: it probes the local
// host, books cores out of its topology, accepts launch/kill RPCs, and
// reports host state on a periodic cadence. Wiring follows
// cmds/provisiond/main.go's shape (ConsoleWriter logging, flag-built
// config, a long-running engine started from main and run until signalled).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/cueframe/rqd/internal/config"
	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/framecache"
	"github.com/cueframe/rqd/internal/machine"
	"github.com/cueframe/rqd/internal/procacct"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/rqdapi"
	"github.com/cueframe/rqd/internal/rqdserver"
	"github.com/cueframe/rqd/internal/sysinfo"
	"github.com/cueframe/rqd/internal/topology"
)

// logReportSink writes every host report as a structured log line. No
// controller gRPC surface is specified (spec Non-goals), so this is the
// only report sink the agent has.
type logReportSink struct{}

func (logReportSink) SendHostReport(r machine.HostReport) {
	log.Info().
		Str("hostname", r.Hostname).
		Int("cores_idle", r.Cores.Idle).
		Int("cores_total", r.Cores.Total).
		Int("frames_running", len(r.RunningFrames)).
		Msg("host report")
}

// logCompletionReporter logs the outcome of every frame that leaves the
// cache, standing in for the "frame complete" upstream call spec §4.6
// step 3 describes (also a Non-goal: no job database to report to).
type logCompletionReporter struct{}

func (logCompletionReporter) ReportFrameComplete(f *frame.RunningFrame, exitCode int, exitSignal *int) {
	log.Info().
		Str("frame", f.String()).
		Int("exit_code", exitCode).
		Interface("exit_signal", exitSignal).
		Msg("frame complete")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := flag.NewFlagSet("rqd-agent", flag.ExitOnError)
	cfg, err := config.LoadAgentConfig(fs, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent configuration")
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read hostname")
	}

	topoFile, err := os.Open("/proc/cpuinfo")
	var topo *topology.Topology
	if err != nil {
		log.Warn().Err(err).Msg("no /proc/cpuinfo; falling back to a single-socket topology")
		topo = topology.Single(runtime.NumCPU())
	} else {
		defer topoFile.Close()
		topo, err = topology.Parse(topoFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse processor topology")
		}
	}

	res := reservation.New(topo)
	res.SetGracePeriod(cfg.ReservationGrace)

	probe, err := sysinfo.New(sysinfo.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize system probe")
	}

	acct := procacct.New(probe)
	cache := framecache.New(acct, res, logCompletionReporter{}, 5*time.Second)
	cache.Start()
	defer cache.Stop()

	mach := machine.New(machine.Config{
		Facility:       cfg.Facility,
		CoreMultiplier: cfg.CoreMultiplier,
		ReportInterval: cfg.ReportInterval,
		StartupReport:  true,
	}, topo, res, probe, acct, cache, logReportSink{})

	reaper, err := res.StartReaper(cfg.ReaperCronSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start reservation reaper")
	}
	defer reaper.Stop()

	runnerCfg := frame.RunnerConfig{
		SnapshotsPath: cfg.SnapshotsPath,
	}
	server := rqdserver.New(mach, runnerCfg, hostname, func(path string, runAsUser bool, uid, gid int32) (frame.Logger, error) {
		return frame.NewFileLogger(path, runAsUser, uid, gid)
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind RPC listener")
	}

	gs := grpc.NewServer()
	rqdapi.RegisterRqdServer(gs, server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mach.Run(ctx)

	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("rqd-agent listening")
		if err := gs.Serve(lis); err != nil {
			log.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	log.Info().Msg("shutting down rqd-agent")
	gs.GracefulStop()
	mach.Stop()
}
