package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/taskmesh/api/rest"
	"yqhp/taskmesh/api/rest/client"
	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/internal/directory"
	"yqhp/taskmesh/internal/master"
	"yqhp/taskmesh/pkg/logger"
	"yqhp/taskmesh/pkg/utils"
)

var (
	// master status 命令的 flags
	masterStatusAddress string
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点接受 Slave 握手、分配任务并通过心跳剔除失联节点。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，在 initialize 端口上等待 Slave 握手。

Master 节点负责：
  - 为每个 Slave 分配任务端口和完成端口
  - 按提交顺序把任务分配给空闲节点
  - 定期心跳并剔除失联节点
  - 提供 REST API（设置 --api-address 时）`,
	Example: `  # 使用默认配置启动
  taskmesh master start

  # 指定握手端口并开启 API
  taskmesh master start --initialize-port 13000 --api-address :8080

  # 使用配置文件
  taskmesh master start --config taskmesh.yaml`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看 Master 节点状态",
	Long:    `通过 REST API 查看 Master 的运行状态、节点列表和延迟统计。`,
	Example: `  taskmesh master status --address http://localhost:8080`,
	RunE:    runMasterStatus,
}

var masterFlagPaths = map[string]string{
	"initialize-port":       "master.initialize_port",
	"max-disconnect-errors": "master.max_disconnect_errors",
	"api-address":           "api.address",
	"advertise-address":     "master.advertise_address",
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	defaults := config.DefaultConfig()
	masterStartCmd.Flags().Int("initialize-port", defaults.Master.InitializePort, "握手端口")
	masterStartCmd.Flags().Int("max-disconnect-errors", defaults.Master.MaxDisconnectErrors, "连续失败多少次后剔除节点")
	masterStartCmd.Flags().String("api-address", "", "REST API 地址，为空则不启动")
	masterStartCmd.Flags().String("advertise-address", "", "写入目录的 Master 地址（host:port）")

	masterStatusCmd.Flags().StringVar(&masterStatusAddress, "address", "http://localhost:8080", "Master API 地址")
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	loader := newLoader(flagArgs(cmd.Flags(), masterFlagPaths))
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchConfig(ctx, loader, log)

	opts := []master.Option{master.WithLogger(log)}

	var dir *directory.RedisDirectory
	if cfg.Directory.Enabled {
		dir, err = openDirectory(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer dir.Close()
	}

	advertise := advertiseAddress(cfg)
	if dir != nil {
		opts = append(opts, master.WithNodeObserver(func(ctx context.Context, nodes []master.NodeSnapshot) {
			if err := dir.SyncNodes(ctx, advertise, nodeRecords(nodes)); err != nil {
				log.Warn("同步节点到目录失败", zap.Error(err))
			}
		}, cfg.Directory.TTL/2))
	}

	m := master.New(master.FromConfig(cfg.Master), opts...)

	printBanner(
		"正在启动 Master 节点...",
		fmt.Sprintf("握手端口: %d", cfg.Master.InitializePort),
		fmt.Sprintf("最大失败次数: %d", cfg.Master.MaxDisconnectErrors),
		fmt.Sprintf("API 地址: %s", orNone(cfg.API.Address)),
	)

	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("启动 Master 失败: %w", err)
	}

	if dir != nil {
		utils.SafeGo(log, "directory-advertise", func() {
			advertiseLoop(ctx, dir, advertise, cfg.Directory.TTL, log)
		})
	}

	apiErr := make(chan error, 1)
	if cfg.API.Address != "" {
		server := rest.NewServer(m, rest.FromConfig(cfg.API), log)
		utils.SafeGo(log, "api", func() {
			apiErr <- server.StartWithContext(ctx)
		})
	}

	if !quiet {
		fmt.Println("Master 节点启动成功。按 Ctrl+C 停止。")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-apiErr:
		if runErr != nil {
			runErr = fmt.Errorf("API 服务异常退出: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.Stop(shutdownCtx); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("停止 Master 失败: %w", err))
	}
	if dir != nil {
		if err := dir.WithdrawMaster(shutdownCtx, advertise); err != nil {
			log.Warn("撤销目录登记失败", zap.Error(err))
		}
	}

	if !quiet {
		fmt.Println("Master 节点已停止。")
	}
	return runErr
}

func runMasterStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.New(&client.Config{BaseURL: masterStatusAddress, RequestTimeout: 5 * time.Second})
	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("无法访问 Master %s: %w", masterStatusAddress, err)
	}
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("获取节点列表失败: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Master 状态: %s\n", stats.State)
	fmt.Fprintf(out, "  节点数: %d  队列长度: %d\n", stats.Nodes, stats.QueueLength)
	fmt.Fprintf(out, "  已提交: %d  已完成: %d  丢失: %d  失败: %d  剔除节点: %d\n",
		stats.Submitted, stats.Completed, stats.Lost, stats.Failed, stats.NodesEvicted)
	if stats.LatencySamples > 0 {
		fmt.Fprintf(out, "  延迟(ms): p50=%d p95=%d p99=%d max=%d\n",
			stats.LatencyP50Ms, stats.LatencyP95Ms, stats.LatencyP99Ms, stats.LatencyMaxMs)
	}
	for _, n := range nodes {
		task := n.AssignedTask
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(out, "  %-24s %-5s task=%s failures=%d cpus=%d\n", n.ID, n.State, task, n.ConsecutiveFailures, n.CPUCount)
	}
	return nil
}

func openDirectory(ctx context.Context, cfg *config.Config, log *zap.Logger) (*directory.RedisDirectory, error) {
	dir, err := directory.Open(ctx, directory.Options{
		Addr:     cfg.Directory.Address,
		Password: cfg.Directory.Password,
		DB:       cfg.Directory.DB,
		Prefix:   cfg.Directory.Prefix,
		TTL:      cfg.Directory.TTL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("连接目录失败: %w", err)
	}
	return dir, nil
}

// advertiseAddress falls back to hostname:initialize_port.
func advertiseAddress(cfg *config.Config) string {
	if cfg.Master.AdvertiseAddress != "" {
		return cfg.Master.AdvertiseAddress
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Master.InitializePort))
}

// advertiseLoop refreshes the master entry before its TTL runs out.
func advertiseLoop(ctx context.Context, dir directory.Directory, addr string, ttl time.Duration, log *zap.Logger) {
	interval := ttl / 2
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := dir.AdvertiseMaster(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("登记 Master 失败", zap.String("address", addr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func nodeRecords(nodes []master.NodeSnapshot) []directory.NodeRecord {
	recs := make([]directory.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		recs = append(recs, directory.NodeRecord{
			ID:           n.ID,
			State:        string(n.State),
			AssignedTask: n.AssignedTask,
			CPUCount:     n.CPUCount,
			Hostname:     n.Hostname,
			LastContact:  n.LastContact,
		})
	}
	return recs
}

func orNone(s string) string {
	if s == "" {
		return "(未启用)"
	}
	return s
}
