package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LoopDeck/cache"
	"LoopDeck/config"
	"LoopDeck/core/deck"
	"LoopDeck/db"
	"LoopDeck/logger"
	"LoopDeck/model"
	"LoopDeck/repository"
	"LoopDeck/storage"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogOutputPath,
	})
	defer logger.Sync()

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 初始化 MinIO 客户端
	if err := storage.InitMinio(cfg); err != nil {
		log.Fatalf("Failed to initialize MinIO: %v", err)
	}

	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.DB.Close()

	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("Failed to connect to database with GORM: %v", err)
	}
	defer db.CloseGormDB()

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cache.CloseRedis()
	log.Println("Successfully connected to Redis")

	// Initialize database schema
	if err := db.InitDB(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := db.AutoMigrateModels(&model.Deck{}); err != nil {
		log.Fatalf("Failed to migrate deck models: %v", err)
	}

	ensureDirExists(cfg.ImportDir)

	userRepo := repository.NewMySQLUserRepository(db.DB)
	compRepo := repository.NewMySQLCompositionRepository(db.DB)
	deckRepo := repository.NewGormDeckRepository(db.GormDB)
	deckCache := cache.NewDeckCache()

	// WebSocket Hub 与混音台管理器
	hub := deck.NewDeckHub()
	go hub.Run()
	defer hub.Stop()

	deckManager := deck.NewDeckManager(deckRepo, compRepo, deckCache, hub)

	// 初始化处理器
	apiHandler := NewAPIHandler(userRepo, compRepo, cfg)
	deckHandler := NewDeckHandler(deckManager, hub, deckCache, cfg)

	// 导入目录监听
	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	go NewImportWatcher(cfg, userRepo, compRepo).Run(watcherCtx)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)

	// 作品相关的API端点
	router.HandleFunc("/api/compositions", apiHandler.AuthMiddleware(apiHandler.SaveCompositionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/compositions", apiHandler.AuthMiddleware(apiHandler.ListCompositionsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/compositions/import", apiHandler.AuthMiddleware(apiHandler.ImportCompositionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/compositions/{id}", apiHandler.AuthMiddleware(apiHandler.GetCompositionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/compositions/{id}", apiHandler.AuthMiddleware(apiHandler.DeleteCompositionHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/compositions/{id}/export", apiHandler.AuthMiddleware(apiHandler.ExportCompositionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/compositions/{id}/thumbnail", apiHandler.AuthMiddleware(apiHandler.UploadThumbnailHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/compositions/{id}/thumbnail", apiHandler.AuthMiddleware(apiHandler.ThumbnailHandler)).Methods(http.MethodGet)

	// 缩略图直出，前端 <img> 标签无法带 Authorization 头
	router.PathPrefix("/thumbs/").HandlerFunc(apiHandler.ThumbsFileHandler).Methods(http.MethodGet)

	// 混音台相关的API端点与 WebSocket
	RegisterDeckRoutes(router, deckHandler, apiHandler.AuthMiddleware)

	server.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		log.Printf("Server starting on %s...", cfg.ServerAddr)
		log.Println("Authenticate via /api/auth/login and /api/auth/register")
		log.Println("Manage compositions via /api/compositions endpoints")
		log.Println("Open a deck via POST /api/decks, connect via WS /ws/deck/{deck_id}")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号
	<-stop
	log.Println("Shutting down server...")

	// 优雅关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func ensureDirExists(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Creating directory: %s", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", path, err)
		}
	} else if err != nil {
		log.Fatalf("Failed to check directory %s: %v", path, err)
	}
}
