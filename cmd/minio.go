package cmd

import (
	"context"
	"fmt"
	"log"

	"LoopDeck/config"
	"LoopDeck/storage"

	"github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看MinIO存储桶中的缩略图文件，支持按前缀列出文件和查看统计信息。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")

		// 加载配置
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		// 初始化MinIO客户端
		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		client := storage.GetMinioClient()
		ctx := context.Background()

		objectCh := client.ListObjects(ctx, cfg.MinioBucket, minio.ListObjectsOptions{
			Prefix:    minioPrefix,
			Recursive: true,
		})

		var count int
		var totalSize int64
		for object := range objectCh {
			if object.Err != nil {
				log.Fatalf("列出文件失败: %v", object.Err)
			}
			count++
			totalSize += object.Size
			if !minioStats {
				fmt.Printf("%10d  %s  %s\n", object.Size, object.LastModified.Format("2006-01-02 15:04:05"), object.Key)
			}
		}

		fmt.Printf("\n共 %d 个文件，总大小 %.2f MB\n", count, float64(totalSize)/(1024*1024))
	},
}

func init() {
	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示统计信息")
	rootCmd.AddCommand(minioCmd)
}
