package cmd

import (
	"fmt"

	"SynthFM/app"
	"SynthFM/logger"

	"github.com/spf13/cobra"
)

var workerRecover bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "运行处理任务的 worker",
	Long: `从 Redis 队列消费处理任务：运行转换命令，上传结果并标记完成。
--recover 会在启动时把上次未确认的任务放回队列，只应在没有其他 worker 运行时使用。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.QueueBackend == "memory" {
			return fmt.Errorf("the memory queue only works with `server --with-worker`")
		}

		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.WatchGenres(ctx)

		if workerRecover {
			moved, err := a.Queue.Recover(ctx)
			if err != nil {
				return err
			}
			logger.Info("[Worker] 已恢复未确认任务", logger.Int64("count", moved))
		}
		return a.NewWorker().Run(ctx)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerRecover, "recover", true, "启动时重新投递未确认的任务")
	rootCmd.AddCommand(workerCmd)
}
