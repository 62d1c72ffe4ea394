package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadAgentConfig(fs, nil)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Facility)
	assert.Equal(t, 8444, cfg.GRPCPort)
	assert.Equal(t, 100, cfg.CoreMultiplier)
}

func TestLoadAgentConfig_YAMLUnderEnvUnderFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("facility: fromyaml\ngrpc_port: 1111\n"), 0o644))

	t.Setenv("RQD_FACILITY", "fromenv")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadAgentConfig(fs, []string{"-config", path, "-grpc-port", "2222"})
	require.NoError(t, err)

	// flag wins over env, env wins over yaml
	assert.Equal(t, "fromenv", cfg.Facility)
	assert.Equal(t, 2222, cfg.GRPCPort)
}

func TestLoadAgentConfig_MissingFileIsNotAnError(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadAgentConfig(fs, []string{"-config", "/no/such/file.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Facility)
}

func TestLoadDispatchConfig_FlagOverridesDefault(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadDispatchConfig(fs, []string{"-dry-run", "-frames-per-layer-cap", "5"})
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 5, cfg.FramesPerLayerCap)
	assert.Equal(t, "@every 1h", cfg.BurstResetCronSpec)
}

func TestLoadAgentConfig_DurationFromEnv(t *testing.T) {
	t.Setenv("RQD_REPORT_INTERVAL", "5s")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadAgentConfig(fs, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ReportInterval)
}
