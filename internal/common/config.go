package common

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var MineConfig *Config

// Config 应用配置结构
type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	JWT          JWTConfig          `yaml:"jwt"`
	Log          LogConfig          `yaml:"log"`
	TunnelServer TunnelServerConfig `yaml:"tunnel_server,omitempty"`
	TunnelClient TunnelClientConfig `yaml:"tunnel_client,omitempty"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// DatabaseConfig 数据库配置（流量记录存储，可选）
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"`
	Charset         string `yaml:"charset"`
	SQLitePath      string `yaml:"sqlite_path"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// JWTConfig JWT配置（OTP验证通过后的会话令牌签名）
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	ExpireHours int    `yaml:"expire_hours"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
}

// TunnelServerConfig 内网穿透服务端配置
type TunnelServerConfig struct {
	Port           int    `yaml:"port"`             // 服务端监听端口
	Domain         string `yaml:"domain"`           // 公网域名，隧道地址为 {隧道ID}.{域名}
	Brand          string `yaml:"brand"`            // 品牌名称，显示在首页与OTP验证页
	MaxRPS         int    `yaml:"max_rps"`          // 单连接每秒最大请求数
	MaxOTPAttempts int    `yaml:"max_otp_attempts"` // OTP最大尝试次数，超过后锁定
	RequestTimeout int    `yaml:"request_timeout"`  // 请求转发超时（秒）
	AuthToken      string `yaml:"auth_token"`       // 客户端注册令牌，为空则不校验
	TLSKey         string `yaml:"tls_key"`          // TLS私钥文件路径
	TLSCert        string `yaml:"tls_cert"`         // TLS证书文件路径
}

// TunnelClientConfig 内网穿透客户端配置
type TunnelClientConfig struct {
	ServerURL      string `yaml:"server_url"`      // 服务端WebSocket地址，如 wss://example.com:6969/_ws
	TunnelID       string `yaml:"tunnel_id"`       // 期望的隧道ID（可选，不提供则由服务端生成）
	Kind           string `yaml:"kind"`            // 隧道类型：http 或 tcp
	LocalPort      int    `yaml:"local_port"`      // 本地服务端口
	OTP            bool   `yaml:"otp"`             // 是否开启OTP访问验证
	CORS           bool   `yaml:"cors"`            // 是否在响应上注入CORS头
	AuthToken      string `yaml:"auth_token"`      // 注册令牌
	ReconnectDelay int    `yaml:"reconnect_delay"` // 重连间隔（秒），固定间隔、无限重试
	InsecureTLS    bool   `yaml:"insecure_tls"`    // 是否跳过服务端证书校验（自签证书场景）
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// 读取配置文件
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	// 解析YAML
	err = yaml.Unmarshal(file, config)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	// 设置全局配置
	MineConfig = config

	return config, nil
}

// applyDefaults 填充未配置项的默认值
func applyDefaults(config *Config) {
	if config.TunnelServer.Brand == "" {
		config.TunnelServer.Brand = "ZARA"
	}
	if config.TunnelServer.MaxRPS == 0 {
		config.TunnelServer.MaxRPS = 150
	}
	if config.TunnelServer.MaxOTPAttempts == 0 {
		config.TunnelServer.MaxOTPAttempts = 5
	}
	if config.TunnelServer.RequestTimeout == 0 {
		config.TunnelServer.RequestTimeout = 30
	}
	if config.TunnelClient.Kind == "" {
		config.TunnelClient.Kind = "http"
	}
	if config.TunnelClient.ReconnectDelay == 0 {
		config.TunnelClient.ReconnectDelay = 3
	}
	if config.JWT.ExpireHours == 0 {
		config.JWT.ExpireHours = 24
	}
}
