package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"soundslice/db"
	"soundslice/repository"
	"soundslice/storage"

	"github.com/spf13/cobra"
)

var (
	storageStats  bool
	storageSweep  bool
	storageDryRun bool
	storageGrace  time.Duration
	storageLimit  int
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "MinIO 内容存储管理",
	Long:  `查看 MinIO 存储桶中的音轨与片段对象，显示统计信息，或清理不再被任何音轨和复用记录引用的孤立对象。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewMinioStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		switch {
		case storageSweep:
			return sweepStorage(ctx, store)
		case storageStats:
			_, stats, err := store.ListBlobs(ctx)
			if err != nil {
				return err
			}
			printStats(stats)
			return nil
		default:
			blobs, _, err := store.ListBlobs(ctx)
			if err != nil {
				return err
			}
			sort.Slice(blobs, func(i, j int) bool { return blobs[i].LastModified.After(blobs[j].LastModified) })
			for i, b := range blobs {
				if storageLimit > 0 && i >= storageLimit {
					fmt.Printf("... 还有 %d 个对象\n", len(blobs)-i)
					break
				}
				fmt.Printf("%s  %10s  %-12s  %s\n",
					b.LastModified.Format("2006-01-02 15:04:05"), storage.FormatSize(b.Size), b.ContentType, b.Ref)
			}
			return nil
		}
	},
}

func printStats(stats *storage.BucketStats) {
	fmt.Printf("对象总数: %d\n", stats.TotalObjects)
	fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
	if !stats.LastModified.IsZero() {
		fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-16s %s\n", t, storage.FormatSize(stats.ByType[t]))
	}
}

func sweepStorage(ctx context.Context, store *storage.MinioStore) error {
	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	defer db.CloseGormDB()
	tracks := repository.NewGormTrackRepository(db.GormDB)

	orphans, err := store.SweepOrphans(ctx, tracks.ContentInUse, storageGrace, storageDryRun)
	var total int64
	for _, o := range orphans {
		total += o.Size
		fmt.Printf("%s  %10s  %s\n", o.LastModified.Format("2006-01-02 15:04:05"), storage.FormatSize(o.Size), o.Ref)
	}
	if storageDryRun {
		fmt.Printf("可清理 %d 个孤立对象，共 %s（dry-run，未删除）\n", len(orphans), storage.FormatSize(total))
	} else {
		fmt.Printf("已清理 %d 个孤立对象，共 %s\n", len(orphans), storage.FormatSize(total))
	}
	return err
}

func init() {
	rootCmd.AddCommand(storageCmd)

	storageCmd.Flags().BoolVarP(&storageStats, "stats", "s", false, "显示存储桶统计信息")
	storageCmd.Flags().BoolVar(&storageSweep, "sweep", false, "清理孤立对象")
	storageCmd.Flags().BoolVar(&storageDryRun, "dry-run", true, "只列出待清理对象，不删除")
	storageCmd.Flags().DurationVar(&storageGrace, "grace", 24*time.Hour, "只清理早于该时长的对象")
	storageCmd.Flags().IntVarP(&storageLimit, "limit", "n", 100, "最多列出的对象数，0 表示不限")

	storageCmd.Example = `  # 列出最近的对象
  soundslice storage

  # 显示存储桶统计信息
  soundslice storage -s

  # 查看可清理的孤立对象
  soundslice storage --sweep

  # 实际删除一周前的孤立对象
  soundslice storage --sweep --dry-run=false --grace 168h`
}
