package cmd

import (
	"context"
	"fmt"
	"time"

	"SynthFM/db"
	"SynthFM/queue"

	"github.com/spf13/cobra"
)

var queueRecover bool

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"redis"},
	Short:   "Redis连接测试与任务队列状态",
	Long:    `测试Redis连接并进行基本读写操作，然后显示处理任务队列的长度。使用 --recover 把未确认的任务放回队列。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Redis: %s, 队列: %s\n", cfg.RedisURL, cfg.QueueName)

		client, err := db.ConnectRedis(cfg)
		if err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := db.TestRedis(ctx, client); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		q := queue.NewRedisQueue(client, cfg.QueueName)
		if queueRecover {
			moved, err := q.Recover(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("已重新投递 %d 个任务\n", moved)
		}

		stats, err := q.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Println(renderTable(
			[]string{"Queue", "Pending", "In flight"},
			[][]string{{cfg.QueueName, fmt.Sprint(stats.Pending), fmt.Sprint(stats.InFlight)}},
			1, 2,
		))
		return nil
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueRecover, "recover", false, "把未确认的任务放回待处理队列")
	rootCmd.AddCommand(queueCmd)
}
