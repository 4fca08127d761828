package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"LoopDeck/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	minioClient *minio.Client
	minioBucket string
)

// InitMinio 初始化 MinIO 客户端并确保缩略图存储桶存在
func InitMinio(cfg *config.Config) error {
	log.Printf("正在连接 MinIO 服务器...")
	log.Printf("Bucket: %s", cfg.MinioBucket)
	if len(cfg.MinioAccessKey) > 4 {
		log.Printf("AccessKey: %s...", cfg.MinioAccessKey[:4])
	}

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 检查存储桶是否存在
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{
			Region: cfg.MinioRegion,
		})
		if err != nil {
			return fmt.Errorf("创建存储桶失败: %w", err)
		}
		log.Printf("成功创建存储桶: %s", cfg.MinioBucket)
	}

	minioClient = client
	minioBucket = cfg.MinioBucket
	log.Println("MinIO 客户端初始化成功")
	return nil
}

// GetMinioClient 获取 MinIO 客户端实例
func GetMinioClient() *minio.Client {
	return minioClient
}

// UploadThumbnail stores a composition thumbnail and returns its object name.
func UploadThumbnail(ctx context.Context, compositionID, filename, contentType string, reader io.Reader, size int64) (string, error) {
	if minioClient == nil {
		return "", fmt.Errorf("minio client not initialized")
	}

	objectName := fmt.Sprintf("thumbnails/%s%s", compositionID, path.Ext(filename))
	_, err := minioClient.PutObject(ctx, minioBucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload thumbnail for %s: %w", compositionID, err)
	}
	return objectName, nil
}

// GetThumbnail opens a stored thumbnail for streaming back to the client.
func GetThumbnail(ctx context.Context, objectName string) (io.ReadCloser, error) {
	if minioClient == nil {
		return nil, fmt.Errorf("minio client not initialized")
	}

	object, err := minioClient.GetObject(ctx, minioBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbnail %s: %w", objectName, err)
	}
	return object, nil
}

// RemoveThumbnail deletes a stored thumbnail, ignoring missing objects.
func RemoveThumbnail(ctx context.Context, objectName string) error {
	if minioClient == nil {
		return fmt.Errorf("minio client not initialized")
	}
	return minioClient.RemoveObject(ctx, minioBucket, objectName, minio.RemoveObjectOptions{})
}
