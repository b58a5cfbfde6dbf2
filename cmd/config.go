package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"yqhp/taskmesh/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "查看和校验配置",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "打印合并后的配置（默认值 < 文件 < 环境变量）",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(newLoader(nil))
		if err != nil {
			return err
		}
		data, err := cfg.Serialize()
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configCheckCmd = &cobra.Command{
	Use:     "check <file|->",
	Short:   "校验配置文件",
	Example: `  taskmesh config check taskmesh.yaml
  cat taskmesh.yaml | taskmesh config check -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cfg *config.Config
			err error
		)
		if args[0] == "-" {
			data, rerr := io.ReadAll(cmd.InOrStdin())
			if rerr != nil {
				return fmt.Errorf("读取标准输入失败: %w", rerr)
			}
			cfg, err = config.ParseConfig(data)
		} else {
			cfg, err = config.LoadFromFile(args[0])
		}
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("配置无效: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "配置有效")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
}
