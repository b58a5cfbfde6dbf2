// Package cmd 提供 taskmesh CLI 的命令实现
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"yqhp/taskmesh/internal/config"
	"yqhp/taskmesh/pkg/logger"
	"yqhp/taskmesh/pkg/utils"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   _            _                        _
  | |_ __ _ ___| | ___ __ ___   ___  ___| |__
  | __/ _' / __| |/ / '_ ' _ \ / _ \/ __| '_ \
  | || (_| \__ \   <| | | | | |  __/\__ \ | | |
   \__\__,_|___/_|\_\_| |_| |_|\___||___/_| |_| %s
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Master/Slave 任务分发",
	Long: `taskmesh 在一个 Master 和若干 Slave 之间分发任务。
Slave 自动发现 Master，Master 通过心跳剔除失联节点。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskmesh version %s\n", Version)
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
	rootCmd.AddCommand(versionCmd)
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// flagArgs maps changed flags onto dotted config paths for Loader.WithCmdArgs.
func flagArgs(flags *pflag.FlagSet, paths map[string]string) map[string]string {
	args := make(map[string]string)
	for name, path := range paths {
		if f := flags.Lookup(name); f != nil && f.Changed {
			args[path] = f.Value.String()
		}
	}
	return args
}

func newLoader(overrides map[string]string) *config.Loader {
	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	return loader
}

// loadConfig 加载并校验配置
func loadConfig(loader *config.Loader) (*config.Config, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) *zap.Logger {
	return logger.Init(&logger.Config{
		Level:      cfg.EffectiveLevel(),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
}

// watchConfig 在配置文件变化时调整日志级别
func watchConfig(ctx context.Context, loader *config.Loader, log *zap.Logger) {
	if cfgFile == "" {
		return
	}
	w := config.NewWatcher(loader, func(c *config.Config) {
		if debug {
			c.Debug = true
		}
		logger.SetLevel(c.EffectiveLevel())
		log.Info("配置已重新加载", zap.Stringer("level", logger.Level()))
	}, logger.Named("config"))

	utils.SafeGo(log, "config-watcher", func() {
		if err := w.Run(ctx); err != nil {
			log.Warn("配置监听失败", zap.Error(err))
		}
	})
}

func printBanner(lines ...string) {
	if quiet {
		return
	}
	fmt.Printf(Banner, Version)
	fmt.Println()
	for _, line := range lines {
		fmt.Println("  " + line)
	}
	fmt.Println()
}
