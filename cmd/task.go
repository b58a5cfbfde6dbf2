package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"yqhp/taskmesh/api/rest/client"
)

var (
	taskAddress string
	taskPayload string
	taskWait    time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "通过 REST API 提交任务",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "提交一个任务",
	Long: `把 payload 作为任务提交给 Master。payload 为 "-" 时从标准输入读取。
指定 --wait 时等待任务完成并打印结果。`,
	Example: `  taskmesh task submit --payload '{"op":"echo","v":1}' --wait 5s
  echo hello | taskmesh task submit --payload -`,
	RunE: runTaskSubmit,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd)

	taskSubmitCmd.Flags().StringVar(&taskAddress, "address", "http://localhost:8080", "Master API 地址")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "任务内容")
	taskSubmitCmd.Flags().DurationVar(&taskWait, "wait", 0, "等待任务完成的时间，0 表示不等待")
	_ = taskSubmitCmd.MarkFlagRequired("payload")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	payload := []byte(taskPayload)
	if taskPayload == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("读取标准输入失败: %w", err)
		}
		payload = data
	}

	ctx := context.Background()
	c := client.New(&client.Config{BaseURL: taskAddress, RequestTimeout: 10 * time.Second})

	id, err := c.Submit(ctx, payload)
	if err != nil {
		return fmt.Errorf("提交任务失败: %w", err)
	}

	out := cmd.OutOrStdout()
	if taskWait <= 0 {
		fmt.Fprintln(out, id)
		return nil
	}

	done, err := c.Wait(ctx, id, taskWait)
	if err != nil {
		return fmt.Errorf("等待任务 %s 失败: %w", id, err)
	}
	if done.Error != "" {
		return fmt.Errorf("任务 %s 未能执行: %s", id, done.Error)
	}
	if done.NodeLost {
		fmt.Fprintf(os.Stderr, "任务 %s 所在节点已失联，没有结果\n", id)
		return nil
	}
	fmt.Fprintln(out, done.Result)
	return nil
}
