package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"SynthFM/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看 MinIO 存储桶中的歌曲文件，支持按前缀（用户ID）过滤和按用户汇总统计。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewMinioStore(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		objects, stats, err := store.ListObjects(ctx, minioPrefix)
		if err != nil {
			return err
		}

		if minioStats {
			owners := make([]string, 0, len(stats.Owners))
			for owner := range stats.Owners {
				owners = append(owners, owner)
			}
			sort.Strings(owners)
			rows := make([][]string, 0, len(owners))
			for _, owner := range owners {
				rows = append(rows, []string{owner, humanize.IBytes(uint64(stats.Owners[owner]))})
			}
			fmt.Println(renderTable([]string{"User", "Size"}, rows, 1))
			lastModified := "-"
			if !stats.LastModified.IsZero() {
				lastModified = humanize.Time(stats.LastModified)
			}
			fmt.Printf("共 %d 个文件, 总大小 %s, 最后修改 %s\n",
				stats.TotalObjects, humanize.IBytes(uint64(stats.TotalSize)), lastModified)
			return nil
		}

		rows := make([][]string, 0, len(objects))
		for _, obj := range objects {
			rows = append(rows, []string{
				obj.Key,
				humanize.IBytes(uint64(obj.Size)),
				obj.LastModified.Format(time.DateTime),
			})
		}
		fmt.Println(renderTable([]string{"Key", "Size", "Last Modified"}, rows, 1))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件（例如用户ID \"3/\"）")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示按用户汇总的统计信息")

	minioCmd.Example = `  # 列出所有文件
  synthfm minio

  # 只看用户 3 的文件
  synthfm minio -p "3/"

  # 显示存储桶统计信息
  synthfm minio -s`
}
