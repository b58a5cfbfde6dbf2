package cmd

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskmesh/api/rest"
	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/internal/master"
	"yqhp/taskmesh/internal/scanner"
	"yqhp/taskmesh/internal/slave"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "taskmesh version "+Version+"\n", out.String())
}

func TestFlagArgsOnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("initialize-port", 12222, "")
	fs.Int("max-disconnect-errors", 3, "")
	fs.String("api-address", "", "")
	require.NoError(t, fs.Parse([]string{"--initialize-port", "13000", "--api-address", ":9000"}))

	args := flagArgs(fs, masterFlagPaths)
	assert.Equal(t, map[string]string{
		"master.initialize_port": "13000",
		"api.address":            ":9000",
	}, args)

	cfg, err := config.NewLoader().WithCmdArgs(args).Load()
	require.NoError(t, err)
	assert.Equal(t, 13000, cfg.Master.InitializePort)
	assert.Equal(t, 3, cfg.Master.MaxDisconnectErrors)
	assert.Equal(t, ":9000", cfg.API.Address)
}

type fakeMasters []string

func (f fakeMasters) Masters(context.Context) ([]string, error) { return f, nil }

func TestBuildSource(t *testing.T) {
	cfg := config.DefaultConfig().Slave

	cfg.MasterAddress = "10.0.0.5"
	src, err := buildSource(cfg, fakeMasters{"10.0.0.9:12222"})
	require.NoError(t, err)
	assert.Equal(t, scanner.Static{"10.0.0.5"}, src)

	cfg.MasterAddress = ""
	cfg.ScanSubnet = false
	src, err = buildSource(cfg, fakeMasters{"10.0.0.9:12222"})
	require.NoError(t, err)
	got, err := src.Candidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9:12222"}, got)

	_, err = buildSource(cfg, nil)
	assert.Error(t, err)

	cfg.ScanSubnet = true
	src, err = buildSource(cfg, nil)
	require.NoError(t, err)
	require.Len(t, src.(scanner.Chain), 1)
	live, ok := src.(scanner.Chain)[0].(scanner.Live)
	require.True(t, ok)
	assert.Equal(t, cfg.InitializePort, live.Port)
	assert.Equal(t, cfg.ScanWorkers, live.Workers)
}

func TestAdvertiseAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Master.AdvertiseAddress = "10.1.2.3:12222"
	assert.Equal(t, "10.1.2.3:12222", advertiseAddress(cfg))

	cfg.Master.AdvertiseAddress = ""
	assert.True(t, strings.HasSuffix(advertiseAddress(cfg), ":12222"))
}

func TestNodeRecords(t *testing.T) {
	now := time.Now()
	recs := nodeRecords([]master.NodeSnapshot{
		{ID: "10.0.0.2:12223", State: master.NodeBusy, AssignedTask: "t1", CPUCount: 8, Hostname: "w1", LastContact: now},
		{ID: "10.0.0.3:12225", State: master.NodeIdle},
	})
	require.Len(t, recs, 2)
	assert.Equal(t, "busy", recs[0].State)
	assert.Equal(t, "t1", recs[0].AssignedTask)
	assert.Equal(t, 8, recs[0].CPUCount)
	assert.Equal(t, now, recs[0].LastContact)
	assert.Equal(t, "idle", recs[1].State)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// TestTaskSubmitEndToEnd drives task submit and master status through the API
// of a master with one echo slave.
func TestTaskSubmitEndToEnd(t *testing.T) {
	mcfg := master.DefaultConfig()
	mcfg.InitializePort = freePort(t)
	mcfg.HeartbeatInterval = 200 * time.Millisecond
	mcfg.LoopInterval = 10 * time.Millisecond
	mcfg.AcceptTimeout = 100 * time.Millisecond
	m := master.New(mcfg)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Stop(context.Background())

	scfg := slave.DefaultConfig()
	scfg.MasterAddress = "127.0.0.1"
	scfg.InitializePort = mcfg.InitializePort
	scfg.AcceptTimeout = 500 * time.Millisecond
	scfg.RetryInterval = 50 * time.Millisecond
	s := slave.New(scfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, slave.EchoHandler) }()
	defer s.Stop()
	require.NoError(t, m.WaitForConnection(context.Background(), 3*time.Second))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rest.NewServer(m, rest.DefaultConfig(), nil)
	go func() { _ = srv.App().Listener(ln) }()
	defer srv.App().Shutdown()
	base := "http://" + ln.Addr().String()

	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"task", "submit", "--address", base, "--payload", `{"op":"echo","v":1}`, "--wait", "2s"})
	require.NoError(t, root.Execute())
	assert.JSONEq(t, `{"v":1}`, strings.TrimSpace(out.String()))

	out.Reset()
	root.SetArgs([]string{"master", "status", "--address", base})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Master 状态: running")
	assert.Contains(t, out.String(), "已完成: 1")
}

func TestConfigCheck(t *testing.T) {
	root := GetRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("master:\n  initialize_port: 14000\n"))
	root.SetArgs([]string{"config", "check", "-"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "配置有效")

	root.SetIn(strings.NewReader("master:\n  initialize_port: 70000\n"))
	root.SetArgs([]string{"config", "check", "-"})
	assert.Error(t, root.Execute())
}

func TestConfigShow(t *testing.T) {
	t.Setenv("TM_MASTER_INITIALIZE_PORT", "15000")

	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show"})
	require.NoError(t, root.Execute())

	cfg, err := config.ParseConfig(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 15000, cfg.Master.InitializePort)
}
