package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/internal/directory"
	"yqhp/taskmesh/internal/scanner"
	"yqhp/taskmesh/internal/slave"
	"yqhp/taskmesh/pkg/logger"
)

// slaveCmd 是 slave 子命令
var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "管理 Slave 节点",
	Long:  `Slave 节点发现 Master、接收任务并回报结果。`,
}

// slaveStartCmd 是 slave start 子命令
var slaveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Slave 节点",
	Long: `启动 Slave 节点并开始寻找 Master。

发现顺序：
  - 指定了 --master 时只连接该地址
  - 否则依次尝试目录中登记的 Master 和本机子网（--no-scan 关闭子网扫描）

收到的任务由内置的 echo 处理器执行：JSON 对象去掉 "op" 字段后原样返回。`,
	Example: `  # 扫描本机子网寻找 Master
  taskmesh slave start

  # 指定 Master 地址
  taskmesh slave start --master 10.0.0.5 --initialize-port 13000`,
	RunE: runSlaveStart,
}

var slaveFlagPaths = map[string]string{
	"master":          "slave.master_address",
	"initialize-port": "slave.initialize_port",
	"max-disconnects": "slave.max_disconnects",
}

func init() {
	rootCmd.AddCommand(slaveCmd)
	slaveCmd.AddCommand(slaveStartCmd)

	defaults := config.DefaultConfig()
	slaveStartCmd.Flags().String("master", "", "Master 地址（host 或 host:port）")
	slaveStartCmd.Flags().Int("initialize-port", defaults.Slave.InitializePort, "Master 握手端口")
	slaveStartCmd.Flags().Int("max-disconnects", defaults.Slave.MaxDisconnects, "连续失联多少次后重新发现")
	slaveStartCmd.Flags().Bool("no-scan", false, "不扫描本机子网")
}

func runSlaveStart(cmd *cobra.Command, args []string) error {
	overrides := flagArgs(cmd.Flags(), slaveFlagPaths)
	if noScan, _ := cmd.Flags().GetBool("no-scan"); noScan {
		overrides["slave.scan_subnet"] = "false"
	}

	loader := newLoader(overrides)
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchConfig(ctx, loader, log)

	var dir *directory.RedisDirectory
	if cfg.Directory.Enabled && cfg.Slave.MasterAddress == "" {
		dir, err = openDirectory(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer dir.Close()
	}

	var masters scanner.Masters
	if dir != nil {
		masters = dir
	}
	src, err := buildSource(cfg.Slave, masters)
	if err != nil {
		return err
	}

	s := slave.New(slave.FromConfig(cfg.Slave), slave.WithLogger(log), slave.WithSource(src))

	target := cfg.Slave.MasterAddress
	if target == "" {
		target = "(自动发现)"
	}
	printBanner(
		"正在启动 Slave 节点...",
		fmt.Sprintf("Master: %s", target),
		fmt.Sprintf("握手端口: %d", cfg.Slave.InitializePort),
		fmt.Sprintf("最大失联次数: %d", cfg.Slave.MaxDisconnects),
	)

	if err := s.Initialize(ctx); err != nil {
		return fmt.Errorf("启动 Slave 失败: %w", err)
	}
	if !quiet {
		fmt.Println("Slave 节点已启动。按 Ctrl+C 停止。")
	}

	serveErr := s.Serve(ctx, slave.EchoHandler)
	if err := s.Stop(); err != nil {
		log.Warn("停止 Slave 失败", zap.Error(err))
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("Slave 运行失败: %w", serveErr)
	}

	if !quiet {
		fmt.Println("Slave 节点已停止。")
	}
	return nil
}

// buildSource 决定 Slave 寻找 Master 的候选地址来源
func buildSource(cfg config.SlaveConfig, masters scanner.Masters) (scanner.Source, error) {
	if cfg.MasterAddress != "" {
		return scanner.Static{cfg.MasterAddress}, nil
	}

	var chain scanner.Chain
	if masters != nil {
		chain = append(chain, scanner.Directory{Dir: masters})
	}
	if cfg.ScanSubnet {
		chain = append(chain, scanner.Live{
			Source:  scanner.Subnet{},
			Port:    cfg.InitializePort,
			Timeout: cfg.ScanTimeout,
			Workers: cfg.ScanWorkers,
		})
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("没有可用的 Master 来源：请指定 --master、启用目录或允许子网扫描")
	}
	return chain, nil
}
