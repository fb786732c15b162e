package cmd

import (
	"fmt"
	"sync"

	"SynthFM/app"
	"SynthFM/logger"
	"SynthFM/server"

	"github.com/spf13/cobra"
)

var serverWithWorker bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 SynthFM HTTP 服务器",
	Long: `启动 SynthFM 的 HTTP API 服务。
使用 --with-worker 在同一进程中运行处理任务的 worker；QUEUE_BACKEND=memory 时必须如此。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.QueueBackend == "memory" && !serverWithWorker {
			return fmt.Errorf("QUEUE_BACKEND=memory requires --with-worker")
		}

		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.WatchGenres(ctx)

		var wg sync.WaitGroup
		if serverWithWorker {
			if _, err := a.Queue.Recover(ctx); err != nil {
				logger.Warn("[Worker] 恢复未确认任务失败", logger.ErrorField(err))
			}
			w := a.NewWorker()
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}

		err = server.Run(ctx, a)
		stop()
		wg.Wait()
		return err
	},
}

func init() {
	serverCmd.Flags().BoolVar(&serverWithWorker, "with-worker", false, "在服务器进程内运行 worker")
	rootCmd.AddCommand(serverCmd)
}
