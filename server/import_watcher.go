package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"LoopDeck/cache"
	"LoopDeck/config"
	"LoopDeck/core/timeline"
	"LoopDeck/logger"
	"LoopDeck/repository"

	"github.com/fsnotify/fsnotify"
)

// ImportWatcher 监听导入目录，拖入的 *.json 作品文档自动校验入库
type ImportWatcher struct {
	cfg      *config.Config
	userRepo repository.UserRepository
	compRepo repository.CompositionRepository
}

// NewImportWatcher 创建导入监听器
func NewImportWatcher(cfg *config.Config, userRepo repository.UserRepository, compRepo repository.CompositionRepository) *ImportWatcher {
	return &ImportWatcher{cfg: cfg, userRepo: userRepo, compRepo: compRepo}
}

// Run 阻塞运行直到 ctx 取消，通常在独立协程中启动
func (w *ImportWatcher) Run(ctx context.Context) {
	if w.cfg.ImportDir == "" {
		return
	}

	// 归属用户在 InitDB 时已建立
	importUser, err := w.userRepo.GetUserByUsername(w.cfg.ImportUsername)
	if err != nil || importUser == nil {
		logger.Error("导入用户不存在，监听器退出",
			logger.ErrorField(err),
			logger.String("username", w.cfg.ImportUsername))
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("watcher failed", logger.ErrorField(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.cfg.ImportDir); err != nil {
		logger.Error("watcher add failed",
			logger.ErrorField(err),
			logger.String("dir", w.cfg.ImportDir))
		return
	}

	logger.Info("导入目录监听启动", logger.String("dir", w.cfg.ImportDir))

	// 启动时处理已有的文件
	if entries, err := os.ReadDir(w.cfg.ImportDir); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				w.importFile(ctx, filepath.Join(w.cfg.ImportDir, entry.Name()), importUser.ID)
			}
		}
	}

	processed := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// 编辑器保存会触发多个事件，1秒内去重
			if last, seen := processed[event.Name]; seen && time.Since(last) < time.Second {
				continue
			}
			processed[event.Name] = time.Now()

			// 等写入完成
			time.Sleep(200 * time.Millisecond)
			w.importFile(ctx, event.Name, importUser.ID)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", logger.ErrorField(err))
		}
	}
}

// importFile 校验并入库单个文件，成功后改名为 .imported
func (w *ImportWatcher) importFile(ctx context.Context, path string, userID int64) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("读取导入文件失败", logger.ErrorField(err), logger.String("file", path))
		return
	}

	comp, err := timeline.Import(data)
	if err != nil {
		logger.Warn("导入文件校验失败", logger.ErrorField(err), logger.String("file", path))
		return
	}

	if err := w.compRepo.Save(userID, comp); err != nil {
		logger.Error("导入文件入库失败", logger.ErrorField(err), logger.String("file", path))
		return
	}
	if err := cache.InvalidateCompositionList(ctx, userID); err != nil {
		logger.Warn("列表缓存失效失败", logger.ErrorField(err))
	}

	// 防止重复导入
	if err := os.Rename(path, path+".imported"); err != nil {
		logger.Warn("导入文件改名失败", logger.ErrorField(err), logger.String("file", path))
	}

	logger.Info("作品文件导入成功",
		logger.String("file", path),
		logger.String("composition", comp.ID),
		logger.Int64("user", userID))
}
