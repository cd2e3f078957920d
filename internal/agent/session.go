package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"zaraProject/internal/common"
	"zaraProject/internal/protocol"
)

// Session 内网穿透客户端会话：向服务端发起持久连接并处理下发的帧。
// 断开后按固定间隔无限重连，重连策略没有退避增长也没有次数上限
type Session struct {
	cfg    common.TunnelClientConfig
	hooks  *Hooks
	logger zerolog.Logger
	client *http.Client

	circuits cmap.ConcurrentMap[string, net.Conn]

	sock    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	tunnelID string
	url      string
	otpCode  string
	tcpPort  int
}

// NewSession 创建客户端会话，hooks可为nil
func NewSession(cfg common.TunnelClientConfig, hooks *Hooks, logger zerolog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// 重定向原样透传给公网调用方，不在本地跟随
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		circuits: cmap.New[net.Conn](),
	}
}

// Run 运行会话直到ctx取消
func (s *Session) Run(ctx context.Context) {
	delay := time.Duration(s.cfg.ReconnectDelay) * time.Second
	retry := &backoff.Backoff{Min: delay, Max: delay, Factor: 1, Jitter: false}

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("delay", delay).Msg("连接断开，稍后重连")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Duration()):
		}
	}
}

// runOnce 完成一次连接生命周期：拨号、注册、读帧分发，任何错误返回后由Run重连
func (s *Session) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if s.cfg.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	sock, _, err := dialer.DialContext(ctx, s.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("连接服务端失败: %v", err)
	}

	s.writeMu.Lock()
	s.sock = sock
	s.writeMu.Unlock()

	defer func() {
		sock.Close()
		s.closeAllCircuits()
	}()

	hello := &protocol.Message{
		Type: protocol.MessageTypeHello,
		Hello: &protocol.HelloPayload{
			Kind:         s.cfg.Kind,
			Port:         s.cfg.LocalPort,
			OTPRequested: s.cfg.OTP,
			RequestedID:  s.cfg.TunnelID,
			AuthToken:    s.cfg.AuthToken,
		},
	}
	if err := s.sendFrame(hello, nil); err != nil {
		return fmt.Errorf("发送注册消息失败: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(done)

	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msg, body, err := protocol.Decode(data)
		if err != nil {
			// 协议错误无法恢复，断开后重连
			return err
		}

		switch msg.Type {
		case protocol.MessageTypeReady:
			s.handleReady(msg.Ready)

		case protocol.MessageTypeError:
			// 服务端发送ERROR后会关闭连接，这里只负责让操作者看到原因
			s.logger.Error().Str("reason", msg.Error).Msg("服务端拒绝注册")

		case protocol.MessageTypeRequest:
			go s.handleRequest(msg.RequestID, msg.Request, body)

		case protocol.MessageTypeTCPOpen:
			// 必须在处理后续帧之前完成登记，否则紧随其后的TCP_DATA找不到虚拟连接
			s.openCircuit(msg.ConnectionID)

		case protocol.MessageTypeTCPData:
			// 必须保持顺序，不能开协程
			s.writeCircuit(msg.ConnectionID, body)

		case protocol.MessageTypeTCPClose:
			s.closeCircuit(msg.ConnectionID)

		case protocol.MessageTypePong:
			// 保活，无需处理

		default:
			// 客户端不应收到该方向的消息类型，忽略
		}
	}
}

// handleReady 记录服务端分配的隧道信息
func (s *Session) handleReady(ready *protocol.ReadyPayload) {
	s.mu.Lock()
	s.tunnelID = ready.TunnelID
	s.url = ready.URL
	s.otpCode = ready.OTP
	s.tcpPort = ready.TCPPort
	s.mu.Unlock()

	s.logger.Info().
		Str("tunnel_id", ready.TunnelID).
		Str("url", ready.URL).
		Msg("隧道注册成功")
	if ready.OTP != "" {
		s.logger.Info().Str("otp", ready.OTP).Msg("访问OTP（仅下发一次，请妥善保存）")
	}
	if ready.TCPPort > 0 {
		s.logger.Info().
			Int("tcp_port", ready.TCPPort).
			Int("local_port", s.cfg.LocalPort).
			Msg("TCP隧道就绪")
	}
}

// keepalive 每30秒发送一次PONG保活
func (s *Session) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.sendFrame(&protocol.Message{Type: protocol.MessageTypePong}, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame 编码并发送一帧（线程安全）
func (s *Session) sendFrame(msg *protocol.Message, body []byte) error {
	data, err := protocol.Encode(msg, body)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sock == nil {
		return fmt.Errorf("连接未建立")
	}
	return s.sock.WriteMessage(websocket.BinaryMessage, data)
}

// TunnelID 服务端分配的隧道ID
func (s *Session) TunnelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnelID
}

// TunnelURL 公网访问地址，未注册成功时为空
func (s *Session) TunnelURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// OTP 服务端下发的OTP明文，未开启OTP时为空
func (s *Session) OTP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otpCode
}

// TCPPort tcp隧道的公网端口
func (s *Session) TCPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpPort
}
