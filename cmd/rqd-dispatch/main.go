// Command rqd-dispatch drives the fit-and-dispatch loop (spec §4.9) against
// a batch of pending layers described in a YAML file, and keeps the
// allocation-burst window reset on a cron schedule for as long as the
// process runs. There is no persistent job database or message bus in
// scope (spec Non-goals), so the batch file plus an in-memory host lock
// and a log-only persistence stub stand in for those systems' call sites.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/cueframe/rqd/internal/config"
	"github.com/cueframe/rqd/internal/dispatch"
	"github.com/cueframe/rqd/internal/dispatch/rpcpool"
)

// jobBatch is the on-disk description of the layers this dispatcher run
// should attempt, in lieu of a real job database (spec Non-goals).
type jobBatch struct {
	Hosts  []dispatch.HostView `yaml:"hosts"`
	Layers []batchLayer        `yaml:"layers"`
}

type batchLayer struct {
	HostID string                  `yaml:"host_id"`
	Layer  dispatch.LayerRequest   `yaml:"layer"`
	Frames []dispatch.FrameRequest `yaml:"frames"`
}

func loadBatch(path string) (jobBatch, error) {
	var batch jobBatch
	if path == "" {
		return batch, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return batch, err
	}
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return batch, err
	}
	return batch, nil
}

// memLocker is a single-process advisory lock keyed by host id; it stands
// in for a cross-process host lock service (spec Non-goals exclude a real
// job/lock database).
type memLocker struct {
	mu     sync.Mutex
	byHost map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{byHost: make(map[string]*sync.Mutex)}
}

func (l *memLocker) LockHost(hostID string) (func(), error) {
	l.mu.Lock()
	hostLock, ok := l.byHost[hostID]
	if !ok {
		hostLock = &sync.Mutex{}
		l.byHost[hostID] = hostLock
	}
	l.mu.Unlock()

	hostLock.Lock()
	return hostLock.Unlock, nil
}

// logStore logs dispatch commits in place of persisting them to a job
// database (spec Non-goals).
type logStore struct{}

func (logStore) UpdateFrameStarted(vp dispatch.VirtualProc) error {
	log.Info().Str("resource_id", vp.ResourceID).Str("frame", vp.FrameID).Int("cores", vp.CoresReserved).Msg("frame started")
	return nil
}

func (logStore) PersistHostResources(host dispatch.HostView) error {
	log.Debug().Str("host", host.ID).Int("idle_cores", host.IdleCores).Msg("host resources persisted")
	return nil
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := flag.NewFlagSet("rqd-dispatch", flag.ExitOnError)
	batchPath := fs.String("batch", "", "optional YAML job batch to dispatch once at startup")
	cfg, err := config.LoadDispatchConfig(fs, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load dispatch configuration")
	}

	pool := rpcpool.New()
	locker := newMemLocker()
	store := logStore{}
	d := dispatch.New(pool, locker, store, cfg.DryRun, cfg.FramesPerLayerCap)

	burst := dispatch.NewBurstWindow()
	resetCron, err := burst.StartResetSchedule(cfg.BurstResetCronSpec)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start burst-window reset schedule")
	}
	defer resetCron.Stop()

	batch, err := loadBatch(*batchPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load job batch")
	}

	hostsByID := make(map[string]dispatch.HostView, len(batch.Hosts))
	for _, h := range batch.Hosts {
		hostsByID[h.ID] = h
	}

	ctx := context.Background()
	for _, bl := range batch.Layers {
		host, ok := hostsByID[bl.HostID]
		if !ok {
			log.Error().Str("layer", bl.Layer.LayerID).Str("host_id", bl.HostID).Msg("dispatch skipped: unknown host")
			continue
		}
		summary, err := d.DispatchLayer(ctx, host, bl.Layer, bl.Frames)
		if err != nil {
			log.Error().Err(err).Str("layer", bl.Layer.LayerID).Msg("dispatch failed")
			continue
		}
		log.Info().
			Str("layer", bl.Layer.LayerID).
			Int("dispatched", len(summary.Dispatched)).
			Int("skipped", summary.Skipped).
			Bool("stopped_early", summary.StoppedEarly).
			Msg("layer dispatch pass complete")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info().Msg("shutting down rqd-dispatch")
}
