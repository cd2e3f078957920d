package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"zaraProject/internal/agent"
	"zaraProject/internal/common"
)

func main() {
	// 加载配置文件（可通过环境变量覆盖）
	configPath := os.Getenv("TUNNEL_CLIENT_CONFIG")
	if configPath == "" {
		configPath = "./configs/client.yaml"
	}

	logger := common.NewLogger(common.LogConfig{})
	config, err := common.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置文件失败")
	}
	logger = common.NewLogger(config.Log)

	// 检查客户端配置
	if config.TunnelClient.ServerURL == "" {
		logger.Fatal().Msg("配置文件中 tunnel_client.server_url 未设置")
	}
	if config.TunnelClient.LocalPort == 0 {
		logger.Fatal().Msg("配置文件中 tunnel_client.local_port 未设置")
	}

	logger.Info().
		Str("server_url", config.TunnelClient.ServerURL).
		Str("kind", config.TunnelClient.Kind).
		Int("local_port", config.TunnelClient.LocalPort).
		Msg("配置加载成功")

	session := agent.NewSession(config.TunnelClient, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("正在关闭连接...")
	cancel()
}
