package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 12222, cfg.Master.InitializePort)
	assert.Equal(t, 3, cfg.Master.MaxDisconnectErrors)
	assert.Equal(t, 20, cfg.Master.MaxConnections)
	assert.Equal(t, 100*time.Millisecond, cfg.Master.PollInterval)
	assert.Equal(t, 12222, cfg.Slave.InitializePort)
	assert.Equal(t, 10*time.Second, cfg.Slave.AcceptTimeout)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "info", cfg.EffectiveLevel())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
debug: true
master:
  initialize_port: 13000
  max_disconnect_errors: 5
  heartbeat_interval: 500ms
slave:
  master_address: 127.0.0.1
  scan_subnet: false
api:
  address: ":8090"
logging:
  level: warn
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 13000, cfg.Master.InitializePort)
	assert.Equal(t, 5, cfg.Master.MaxDisconnectErrors)
	assert.Equal(t, 500*time.Millisecond, cfg.Master.HeartbeatInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Master.LoopInterval)
	assert.Equal(t, "127.0.0.1", cfg.Slave.MasterAddress)
	assert.False(t, cfg.Slave.ScanSubnet)
	assert.Equal(t, ":8090", cfg.API.Address)
	assert.Equal(t, "debug", cfg.EffectiveLevel())
}

func TestLoadFromNonExistentFile(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Master, cfg.Master)
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("master: [oops"), 0644))

	_, err := LoadFromFile(configPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TM_MASTER_INITIALIZE_PORT", "14000")
	t.Setenv("TM_MASTER_HEARTBEAT_INTERVAL", "3s")
	t.Setenv("TM_SLAVE_SCAN_SUBNET", "false")
	t.Setenv("TM_DEBUG", "true")
	t.Setenv("TM_LOG_LEVEL", "error")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 14000, cfg.Master.InitializePort)
	assert.Equal(t, 3*time.Second, cfg.Master.HeartbeatInterval)
	assert.False(t, cfg.Slave.ScanSubnet)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestEnvPrefix(t *testing.T) {
	t.Setenv("MESH_MASTER_TASK_QUEUE_SIZE", "7")

	cfg, err := NewLoader().WithEnvPrefix("MESH_").Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Master.TaskQueueSize)
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("TM_MASTER_MAX_DISCONNECT_ERRORS", "three")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestCmdOverridesWinOverEnv(t *testing.T) {
	t.Setenv("TM_MASTER_INITIALIZE_PORT", "14000")

	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"master.initialize_port":       "15000",
		"master.max_disconnect_errors": "9",
		"slave.master_address":         "10.0.0.5",
		"debug":                        "true",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 15000, cfg.Master.InitializePort)
	assert.Equal(t, 9, cfg.Master.MaxDisconnectErrors)
	assert.Equal(t, "10.0.0.5", cfg.Slave.MasterAddress)
	assert.True(t, cfg.Debug)
}

func TestCmdOverrideUnknownPath(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"master.nope": "1"}).Load()
	assert.Error(t, err)

	_, err = NewLoader().WithCmdArgs(map[string]string{"debug.level": "1"}).Load()
	assert.Error(t, err)
}

func TestSerializeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Master.InitializePort = 16000

	data, err := cfg.Serialize()
	require.NoError(t, err)

	parsed, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestWatcherReloadsLevel(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	changes := make(chan *Config, 4)
	w := NewWatcher(NewLoader().WithConfigPath(configPath), func(c *Config) { changes <- c }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcherWithoutPath(t *testing.T) {
	w := NewWatcher(NewLoader(), func(*Config) {}, nil)
	assert.Error(t, w.Run(context.Background()))
}
