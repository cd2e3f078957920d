package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"zaraProject/internal/common"
)

// TunnelRecord 隧道生命周期记录
type TunnelRecord struct {
	ID          uint   `gorm:"primaryKey"`
	TunnelID    string `gorm:"index"`
	Kind        string
	ConnectedAt time.Time
	ClosedAt    *time.Time
}

// RequestRecord 单次请求转发记录
type RequestRecord struct {
	ID         uint   `gorm:"primaryKey"`
	TunnelID   string `gorm:"index"`
	Method     string
	Path       string
	Status     int
	DurationMs int64
	Bytes      int
	CreatedAt  time.Time
}

// Store 流量记录存储（可选）。记录只写不读，隧道的存活状态不依赖数据库
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open 按配置打开存储。driver为空表示未启用，返回nil Store（各记录方法对nil安全）
func Open(cfg common.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	if cfg.Driver == "" {
		return nil, nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		charset := cfg.Charset
		if charset == "" {
			charset = "utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, charset)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
			cfg.Host, cfg.Username, cfg.Password, cfg.DBName, cfg.Port)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %v", err)
	}

	if err := db.AutoMigrate(&TunnelRecord{}, &RequestRecord{}); err != nil {
		return nil, fmt.Errorf("初始化数据表失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// RecordTunnelOpened 记录客户端加入隧道。存储故障只记日志，不影响转发
func (s *Store) RecordTunnelOpened(tunnelID, kind string) {
	if s == nil {
		return
	}
	record := &TunnelRecord{TunnelID: tunnelID, Kind: kind, ConnectedAt: time.Now()}
	if err := s.db.Create(record).Error; err != nil {
		s.logger.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("写入隧道记录失败")
	}
}

// RecordTunnelClosed 记录隧道关闭时间
func (s *Store) RecordTunnelClosed(tunnelID string) {
	if s == nil {
		return
	}
	now := time.Now()
	err := s.db.Model(&TunnelRecord{}).
		Where("tunnel_id = ? AND closed_at IS NULL", tunnelID).
		Update("closed_at", &now).Error
	if err != nil {
		s.logger.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("更新隧道关闭时间失败")
	}
}

// RecordRequest 记录一次请求转发
func (s *Store) RecordRequest(tunnelID, method, path string, status int, duration time.Duration, bytes int) {
	if s == nil {
		return
	}
	record := &RequestRecord{
		TunnelID:   tunnelID,
		Method:     method,
		Path:       path,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytes,
		CreatedAt:  time.Now(),
	}
	if err := s.db.Create(record).Error; err != nil {
		s.logger.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("写入请求记录失败")
	}
}
