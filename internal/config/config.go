// Package config builds the agent and dispatcher's runtime settings by
// layering, in increasing priority, an optional on-disk YAML defaults file,
// process environment variables, and command-line flags — the same
// defaults-then-flags/env shape the teacher's cmds/provisiond/main.go uses
// for its own (flag-only) settings, extended with the YAML layer shown in
// the gastown-byrd example's Config/loadConfig (other_examples).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the rqd agent's full set of runtime tunables (spec §4.7
// host reporting, the reservation grace period and reaper schedule, the
// snapshot and log directories, and the transport port it serves rqdapi on).
type AgentConfig struct {
	Facility         string        `yaml:"facility"`
	GRPCPort         int           `yaml:"grpc_port"`
	CoreMultiplier   int           `yaml:"core_multiplier"`
	ReportInterval   time.Duration `yaml:"report_interval"`
	ReservationGrace time.Duration `yaml:"reservation_grace"`
	ReaperCronSpec   string        `yaml:"reaper_cron_spec"`
	SnapshotsPath    string        `yaml:"snapshots_path"`
	LogsPath         string        `yaml:"logs_path"`
}

// DispatchConfig is the dispatcher process's runtime tunables (spec §4.9).
type DispatchConfig struct {
	DryRun             bool   `yaml:"dry_run"`
	FramesPerLayerCap  int    `yaml:"frames_per_layer_cap"`
	BurstResetCronSpec string `yaml:"burst_reset_cron_spec"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Facility:         "default",
		GRPCPort:         8444,
		CoreMultiplier:   100,
		ReportInterval:   10 * time.Second,
		ReservationGrace: 60 * time.Second,
		ReaperCronSpec:   "@midnight",
		SnapshotsPath:    "/var/run/rqd/snapshots",
		LogsPath:         "/var/spool/rqd/logs",
	}
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		DryRun:             false,
		FramesPerLayerCap:  0,
		BurstResetCronSpec: "@every 1h",
	}
}

// loadYAMLDefaults reads path (if non-empty and present) and unmarshals it
// over base. A missing file is not an error: the defaults file is always
// optional, per the on-disk-layer being the lowest-priority source.
func loadYAMLDefaults(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// LoadAgentConfig layers an optional YAML defaults file under environment
// variables under flag.FlagSet fs's parsed flags. fs must not have been
// parsed yet; args is normally os.Args[1:].
func LoadAgentConfig(fs *flag.FlagSet, args []string) (AgentConfig, error) {
	cfg := defaultAgentConfig()

	configPath := fs.String("config", os.Getenv("RQD_CONFIG"), "path to an optional YAML defaults file")
	facility := fs.String("facility", "", "facility name reported alongside this host (env RQD_FACILITY)")
	grpcPort := fs.Int("grpc-port", 0, "port the agent serves its RPC surface on (env RQD_GRPC_PORT)")
	coreMultiplier := fs.Int("core-multiplier", 0, "multiplier applied to core counts in host reports (env RQD_CORE_MULTIPLIER)")
	reportInterval := fs.Duration("report-interval", 0, "interval between periodic host reports (env RQD_REPORT_INTERVAL)")
	reservationGrace := fs.Duration("reservation-grace", 0, "grace period before a dangling reservation is reaped (env RQD_RESERVATION_GRACE)")
	reaperCron := fs.String("reaper-cron", "", "cron spec for the dangling-reservation reaper (env RQD_REAPER_CRON)")
	snapshotsPath := fs.String("snapshots-path", "", "directory running-frame snapshots are written to (env RQD_SNAPSHOTS_PATH)")
	logsPath := fs.String("logs-path", "", "directory frame log files are written to (env RQD_LOGS_PATH)")

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	if err := loadYAMLDefaults(*configPath, &cfg); err != nil {
		return AgentConfig{}, err
	}

	applyStringEnv(&cfg.Facility, "RQD_FACILITY")
	applyIntEnv(&cfg.GRPCPort, "RQD_GRPC_PORT")
	applyIntEnv(&cfg.CoreMultiplier, "RQD_CORE_MULTIPLIER")
	applyDurationEnv(&cfg.ReportInterval, "RQD_REPORT_INTERVAL")
	applyDurationEnv(&cfg.ReservationGrace, "RQD_RESERVATION_GRACE")
	applyStringEnv(&cfg.ReaperCronSpec, "RQD_REAPER_CRON")
	applyStringEnv(&cfg.SnapshotsPath, "RQD_SNAPSHOTS_PATH")
	applyStringEnv(&cfg.LogsPath, "RQD_LOGS_PATH")

	overrideString(&cfg.Facility, *facility)
	overrideInt(&cfg.GRPCPort, *grpcPort)
	overrideInt(&cfg.CoreMultiplier, *coreMultiplier)
	overrideDuration(&cfg.ReportInterval, *reportInterval)
	overrideDuration(&cfg.ReservationGrace, *reservationGrace)
	overrideString(&cfg.ReaperCronSpec, *reaperCron)
	overrideString(&cfg.SnapshotsPath, *snapshotsPath)
	overrideString(&cfg.LogsPath, *logsPath)

	return cfg, nil
}

// LoadDispatchConfig layers the dispatcher's settings the same way
// LoadAgentConfig does for the agent.
func LoadDispatchConfig(fs *flag.FlagSet, args []string) (DispatchConfig, error) {
	cfg := defaultDispatchConfig()

	configPath := fs.String("config", os.Getenv("RQD_DISPATCH_CONFIG"), "path to an optional YAML defaults file")
	dryRun := fs.Bool("dry-run", false, "commit dispatch decisions without issuing launch RPCs (env RQD_DISPATCH_DRY_RUN)")
	frameCap := fs.Int("frames-per-layer-cap", 0, "max frames dispatched per (layer, host) pass; 0 disables the cap (env RQD_FRAMES_PER_LAYER_CAP)")
	burstCron := fs.String("burst-reset-cron", "", "cron spec resetting the allocation-burst window (env RQD_BURST_RESET_CRON)")

	if err := fs.Parse(args); err != nil {
		return DispatchConfig{}, err
	}

	if err := loadYAMLDefaults(*configPath, &cfg); err != nil {
		return DispatchConfig{}, err
	}

	applyBoolEnv(&cfg.DryRun, "RQD_DISPATCH_DRY_RUN")
	applyIntEnv(&cfg.FramesPerLayerCap, "RQD_FRAMES_PER_LAYER_CAP")
	applyStringEnv(&cfg.BurstResetCronSpec, "RQD_BURST_RESET_CRON")

	if *dryRun {
		cfg.DryRun = true
	}
	overrideInt(&cfg.FramesPerLayerCap, *frameCap)
	overrideString(&cfg.BurstResetCronSpec, *burstCron)

	return cfg, nil
}

func applyStringEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyIntEnv(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyBoolEnv(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func applyDurationEnv(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
