package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"zaraProject/internal/common"
	"zaraProject/internal/otp"
	"zaraProject/internal/protocol"
	"zaraProject/internal/store"
	"zaraProject/internal/tunnel"
)

// 会话Cookie名称
const sessionCookieName = "zara_session"

// OTP验证页模板，占位符依次为品牌名（标题、卡片内）
const challengePage = `<!DOCTYPE html><html lang="en"><head><meta charset="UTF-8"><title>%s</title><style>body{background:#000;color:#fff;font-family:sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}.card{background:#111;padding:40px;border-radius:12px;border:1px solid #222;width:320px;text-align:center}input{width:100%%;padding:12px;background:#000;border:1px solid #222;border-radius:6px;color:#fff;margin-bottom:16px;text-align:center}button{width:100%%;padding:12px;background:#fff;color:#000;border:none;border-radius:6px;font-weight:600;cursor:pointer}</style></head><body><div class="card"><div style="font-size:24px;font-weight:600;margin-bottom:32px;">%s</div><h1>Identity Verification</h1><form action="/_otp" method="POST"><input type="text" name="otp" placeholder="•••••" maxlength="8" required autofocus /><button type="submit">Verify Identity</button></form></div></body></html>`

// Relay 内网穿透服务端：对外接收公网流量，对内管理客户端持久连接
type Relay struct {
	cfg      common.TunnelServerConfig
	manager  *tunnel.Manager
	corr     *Correlator
	signer   *otp.SessionSigner
	store    *store.Store
	logger   zerolog.Logger
	circuits cmap.ConcurrentMap[string, *circuit]
	upgrader websocket.Upgrader
}

// New 创建服务端
func New(cfg common.TunnelServerConfig, jwtCfg common.JWTConfig, st *store.Store, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		manager:  tunnel.NewManager(cfg.AuthToken, logger),
		corr:     NewCorrelator(time.Duration(cfg.RequestTimeout) * time.Second),
		signer:   otp.NewSessionSigner(jwtCfg.SecretKey, jwtCfg.ExpireHours),
		store:    st,
		logger:   logger,
		circuits: cmap.New[*circuit](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// Manager 隧道管理器
func (s *Relay) Manager() *tunnel.Manager {
	return s.manager
}

// Router 构建Gin路由器
func (s *Relay) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// 客户端持久连接端点与OTP提交端点为保留路径，必须在通配路由之前
	router.GET("/_ws", s.handleAgentSocket)
	router.POST("/_otp", s.handleOTPSubmit)

	// 其余请求按Host子域名路由到对应隧道
	router.NoRoute(s.handlePublicRequest)

	return router
}

// Run 启动服务端，配置了TLS材料则以HTTPS方式监听
func (s *Relay) Run() error {
	router := s.Router()
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	if s.cfg.TLSKey != "" && s.cfg.TLSCert != "" {
		return router.RunTLS(addr, s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return router.Run(addr)
}

// handlePublicRequest 处理公网HTTP请求
func (s *Relay) handlePublicRequest(c *gin.Context) {
	c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

	tunnelID := s.tunnelIDFromHost(c.Request.Host)
	if tunnelID == "" {
		c.String(http.StatusOK, "%s Relay", s.cfg.Brand)
		return
	}

	group, exists := s.manager.Lookup(tunnelID)
	if !exists || group.Kind != protocol.KindHTTP || group.ConnectionCount() == 0 {
		c.JSON(http.StatusNotFound, common.Error(http.StatusNotFound, "隧道不存在或无在线客户端"))
		return
	}

	if group.RequireOTP() && !s.authenticated(c, group) {
		if group.OTPLocked(s.cfg.MaxOTPAttempts) {
			c.String(http.StatusForbidden, "Access Locked")
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8",
			[]byte(fmt.Sprintf(challengePage, s.cfg.Brand, s.cfg.Brand)))
		return
	}

	s.proxyRequest(c, tunnelID, group)
}

// handleOTPSubmit 处理OTP验证提交，成功后下发会话Cookie
func (s *Relay) handleOTPSubmit(c *gin.Context) {
	tunnelID := s.tunnelIDFromHost(c.Request.Host)
	group, exists := s.manager.Lookup(tunnelID)
	if tunnelID == "" || !exists {
		c.JSON(http.StatusNotFound, common.Error(http.StatusNotFound, "隧道不存在"))
		return
	}
	if !group.RequireOTP() {
		c.Redirect(http.StatusFound, "/")
		return
	}
	if group.OTPLocked(s.cfg.MaxOTPAttempts) {
		c.String(http.StatusForbidden, "Access Locked")
		return
	}

	code := c.PostForm("otp")
	if code == "" {
		c.JSON(http.StatusBadRequest, common.Error(http.StatusBadRequest, "缺少otp字段"))
		return
	}

	if !group.SubmitOTP(code, s.cfg.MaxOTPAttempts) {
		s.logger.Warn().Str("tunnel_id", tunnelID).Msg("OTP验证失败")
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}

	token, jti, expiresAt, err := s.signer.Issue(tunnelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.Error(http.StatusInternalServerError, "签发会话失败"))
		return
	}
	group.PutSession(jti, expiresAt)

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, int(time.Until(expiresAt).Seconds()), "/", "", true, true)
	c.Redirect(http.StatusFound, "/")
}

// authenticated 请求是否携带有效的已验证会话
func (s *Relay) authenticated(c *gin.Context, group *tunnel.Group) bool {
	token, err := c.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	jti, tunnelID, err := s.signer.Parse(token)
	if err != nil || tunnelID != group.TunnelID {
		return false
	}
	return group.SessionValid(jti)
}

// proxyRequest 选择连接并转发请求，等待客户端响应
func (s *Relay) proxyRequest(c *gin.Context, tunnelID string, group *tunnel.Group) {
	start := time.Now()

	conn, ok := group.NextConnection()
	if !ok {
		c.JSON(http.StatusNotFound, common.Error(http.StatusNotFound, "隧道无在线客户端"))
		return
	}

	if !conn.Allow(s.cfg.MaxRPS) {
		c.JSON(http.StatusTooManyRequests, common.Error(http.StatusTooManyRequests, "请求过于频繁"))
		return
	}

	// 请求体完整读入内存后再转发，不支持流式请求体
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.Error(http.StatusInternalServerError, "读取请求体失败"))
		return
	}

	// 按编码形式转发路径与查询串，避免%2F等转义在本地拼接时变形
	fullPath := c.Request.URL.RequestURI()

	msg := &protocol.Message{
		Type:      protocol.MessageTypeRequest,
		RequestID: uuid.NewString(),
		Request: &protocol.RequestPayload{
			Method:  c.Request.Method,
			Path:    fullPath,
			Headers: c.Request.Header,
		},
	}

	resp, respBody, err := s.corr.Forward(conn, msg, body)
	if err != nil {
		status := http.StatusBadGateway
		message := "转发请求失败"
		if errors.Is(err, ErrRequestTimeout) {
			status = http.StatusGatewayTimeout
			message = "网关超时"
		}
		s.logger.Warn().Err(err).
			Str("tunnel_id", tunnelID).
			Str("method", c.Request.Method).
			Str("path", fullPath).
			Msg("请求转发失败")
		s.store.RecordRequest(tunnelID, c.Request.Method, fullPath, status, time.Since(start), 0)
		c.JSON(status, common.Error(status, message))
		return
	}

	contentType := resp.Headers.Get("Content-Type")
	for key, values := range resp.Headers {
		if strings.EqualFold(key, "Content-Type") || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	if contentType == "" {
		c.Status(resp.Status)
		if len(respBody) > 0 {
			c.Writer.Write(respBody)
		}
	} else {
		c.Data(resp.Status, contentType, respBody)
	}

	s.logger.Info().
		Str("tunnel_id", tunnelID).
		Str("method", c.Request.Method).
		Str("path", fullPath).
		Int("status", resp.Status).
		Dur("duration", time.Since(start)).
		Msg("请求转发完成")
	s.store.RecordRequest(tunnelID, c.Request.Method, fullPath, resp.Status, time.Since(start), len(body)+len(respBody))
}

// publicURL 生成隧道的公网访问地址
func (s *Relay) publicURL(tunnelID, requestHost string) string {
	domain := s.cfg.Domain
	if domain == "" {
		domain = requestHost
	}
	return fmt.Sprintf("https://%s.%s", tunnelID, domain)
}

// tunnelIDFromHost 从Host头的子域名解析隧道ID。
// 裸域名、IP地址与localhost不属于任何隧道
func (s *Relay) tunnelIDFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	if s.cfg.Domain != "" && host == s.cfg.Domain {
		return ""
	}
	parts := strings.SplitN(host, ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
