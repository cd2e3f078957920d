package tunnel

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zaraProject/internal/otp"
	"zaraProject/internal/protocol"
)

// Connection 一条客户端连接，由所属隧道组独占管理
type Connection struct {
	ID        string
	Sock      *websocket.Conn
	LocalPort int

	tcpListener net.Listener // 仅tcp隧道，服务端为该连接开的临时监听
	removed     bool         // 连接已从隧道组摘除，不再接受监听绑定

	// 限流状态：固定窗口计数，窗口边界突发属于设计内行为
	requestCount int
	lastResetAt  time.Time

	lastSeen time.Time

	writeMu sync.Mutex // 帧写入串行化
	mu      sync.Mutex // 保护限流与心跳状态
}

// SendFrame 编码并发送一帧（线程安全）
func (c *Connection) SendFrame(msg *protocol.Message, body []byte) error {
	data, err := protocol.Encode(msg, body)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Sock == nil {
		return errors.New("连接已关闭")
	}
	return c.Sock.WriteMessage(websocket.BinaryMessage, data)
}

// Allow 固定窗口限流：窗口内计数超过maxRPS则拒绝，距上次重置超过1秒则开新窗口
func (c *Connection) Allow(maxRPS int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastResetAt) >= time.Second {
		c.requestCount = 1
		c.lastResetAt = now
		return true
	}

	c.requestCount++
	return c.requestCount <= maxRPS
}

// Touch 更新最近活跃时间
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// IdleSince 距最近一次收到帧的时长
func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// AttachListener 绑定tcp隧道的临时监听。
// 连接已被摘除时直接关闭监听，防止离开流程与注册流程竞争导致监听泄漏
func (c *Connection) AttachListener(ln net.Listener) {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		ln.Close()
		return
	}
	c.tcpListener = ln
	c.mu.Unlock()
}

// closeListener 标记连接已摘除并关闭其监听，仅由removeConnection调用
func (c *Connection) closeListener() {
	c.mu.Lock()
	c.removed = true
	ln := c.tcpListener
	c.tcpListener = nil
	c.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
}

// Group 隧道组，代表一个对外发布的端点
type Group struct {
	TunnelID string
	Kind     string // http 或 tcp，创建后不可变更

	otpHash      string
	otpAttempts  int
	otpExpiresAt time.Time
	sessions     map[string]time.Time // 会话令牌ID -> 过期时间

	conns     []*Connection
	nextIndex uint64

	mu sync.Mutex
}

// NextConnection 轮询选择下一条连接
func (g *Group) NextConnection() (*Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.conns) == 0 {
		return nil, false
	}
	conn := g.conns[g.nextIndex%uint64(len(g.conns))]
	g.nextIndex++
	return conn, true
}

// ConnectionCount 当前连接数
func (g *Group) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// RequireOTP 是否开启了OTP访问验证
func (g *Group) RequireOTP() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.otpHash != ""
}

// OTPLocked 尝试次数是否已达上限
func (g *Group) OTPLocked(maxAttempts int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.otpAttempts >= maxAttempts
}

// SubmitOTP 提交OTP。锁定或过期时一律拒绝；验证失败累计尝试次数，成功后清零
func (g *Group) SubmitOTP(code string, maxAttempts int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.otpHash == "" || g.otpAttempts >= maxAttempts {
		return false
	}
	if !g.otpExpiresAt.IsZero() && time.Now().After(g.otpExpiresAt) {
		return false
	}
	if !otp.Verify(code, g.TunnelID, g.otpHash) {
		g.otpAttempts++
		return false
	}

	g.otpAttempts = 0
	return true
}

// PutSession 登记已验证的会话令牌
func (g *Group) PutSession(jti string, expiresAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[jti] = expiresAt
}

// SessionValid 会话令牌是否有效
func (g *Group) SessionValid(jti string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiresAt, exists := g.sessions[jti]
	return exists && time.Now().Before(expiresAt)
}

// sweepSessions 清理过期会话，避免会话表无限增长
func (g *Group) sweepSessions(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for jti, expiresAt := range g.sessions {
		if now.After(expiresAt) {
			delete(g.sessions, jti)
		}
	}
}

// addConnection 追加连接，仅由Manager调用
func (g *Group) addConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns = append(g.conns, c)
}

// removeConnection 移除连接并关闭其tcp监听，仅由Manager调用
func (g *Group) removeConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, conn := range g.conns {
		if conn == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			break
		}
	}
	c.closeListener()
}

// snapshotConns 复制连接列表，供清扫器在锁外遍历
func (g *Group) snapshotConns() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Connection(nil), g.conns...)
}
