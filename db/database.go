package db

import (
	"database/sql"
	"fmt"
	"log"

	"LoopDeck/config"
	"LoopDeck/core/auth"

	"github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to the database.")
	return nil
}

// InitDB initializes the database schema, creating tables if they don't
// exist, and seeds the system user that owns watcher-imported compositions.
func InitDB(cfg *config.Config) error {
	if err := createUsersTable(); err != nil {
		return err
	}
	if err := createCompositionsTable(); err != nil {
		return err
	}
	if err := ensureImportUser(cfg); err != nil {
		return err
	}

	log.Println("Database initialization completed.")
	return nil
}

func createUsersTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(100) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		phone VARCHAR(20),
		preferences TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	log.Println("Users table initialized successfully (or already exists).")
	return nil
}

func createCompositionsTable() error {
	// 整个作品（轨道、会话、控制采样）序列化后整体存入 data 列。
	// 引擎只在加载和保存时触碰数据库，采样级别的写放大由内存引擎吸收。
	query := `
	CREATE TABLE IF NOT EXISTS compositions (
		id VARCHAR(36) PRIMARY KEY,
		user_id INT NOT NULL,
		name VARCHAR(255) NOT NULL,
		data LONGTEXT NOT NULL,
		thumbnail VARCHAR(767),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		CONSTRAINT fk_user_compositions FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
		INDEX idx_user_created (user_id, created_at)
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create compositions table: %w", err)
	}
	log.Println("Compositions table initialized successfully (or already exists).")
	return nil
}

// ensureImportUser seeds the user that the directory import watcher saves
// compositions under.
func ensureImportUser(cfg *config.Config) error {
	username := cfg.ImportUsername
	if username == "" {
		return nil
	}

	var existingID int64
	err := DB.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check for import user %q: %w", username, err)
	}
	if err == nil {
		log.Printf("Import user %q already exists with ID: %d. Skipping creation.", username, existingID)
		return nil
	}

	// 随机密码，该账号不用于登录
	hashedPassword, err := auth.HashPassword(uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to hash password for import user: %w", err)
	}

	res, err := DB.Exec("INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)",
		username, username+"@localhost", hashedPassword)
	if err != nil {
		if mysqlErr, ok := err.(*mysql.MySQLError); ok && mysqlErr.Number == 1062 {
			return nil // 并发启动时已被其他实例创建
		}
		return fmt.Errorf("failed to insert import user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ID of import user %q: %w", username, err)
	}
	log.Printf("Import user %q created with ID: %d", username, id)
	return nil
}
