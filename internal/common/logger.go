package common

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger 根据日志配置创建zerolog日志器
func NewLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	// 配置了日志文件则同时写入文件
	if cfg.FilePath != "" {
		file, ferr := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if ferr == nil {
			logger = zerolog.New(zerolog.MultiLevelWriter(out, file)).Level(level).With().Timestamp().Logger()
		} else {
			logger.Warn().Err(ferr).Str("path", cfg.FilePath).Msg("打开日志文件失败，仅输出到控制台")
		}
	}

	return logger
}
