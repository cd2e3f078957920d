package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"zaraProject/internal/common"
	"zaraProject/internal/relay"
	"zaraProject/internal/store"
)

func main() {
	// 加载配置文件（可通过环境变量覆盖）
	configPath := os.Getenv("TUNNEL_SERVER_CONFIG")
	if configPath == "" {
		configPath = "./configs/server.yaml"
	}

	logger := common.NewLogger(common.LogConfig{})
	config, err := common.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置文件失败")
	}
	logger = common.NewLogger(config.Log)

	// 检查服务端配置
	if config.TunnelServer.Port == 0 {
		logger.Fatal().Msg("配置文件中 tunnel_server.port 未设置")
	}

	logger.Info().
		Str("name", config.App.Name).
		Str("version", config.App.Version).
		Msg("配置加载成功")

	// 设置Gin模式
	if config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 流量记录存储（可选）
	st, err := store.Open(config.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("打开流量记录存储失败")
	}
	if st != nil {
		logger.Info().Str("driver", config.Database.Driver).Msg("流量记录存储已启用")
	}

	r := relay.New(config.TunnelServer, config.JWT, st, logger)

	// 后台清扫：过期会话与失联连接
	r.Manager().StartSweeper(context.Background(), 30*time.Second, 90*time.Second)

	logger.Info().Int("port", config.TunnelServer.Port).Msg("内网穿透服务端启动")
	if err := r.Run(); err != nil {
		logger.Fatal().Err(err).Msg("服务器启动失败")
	}
}
