package tunnel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zaraProject/internal/otp"
	"zaraProject/internal/protocol"
)

// 隧道ID生成用词表
var (
	tunnelIDAdjectives = []string{"quick", "lazy", "happy", "brave", "silent", "fast", "bright"}
	tunnelIDNouns      = []string{"fox", "bear", "lion", "wolf", "eagle", "tiger", "hawk"}
)

var (
	// ErrBadToken 注册令牌校验失败
	ErrBadToken = errors.New("注册令牌无效")
	// ErrKindMismatch 注册的隧道类型与已有隧道组冲突
	ErrKindMismatch = errors.New("隧道类型冲突")
)

// Manager 隧道组注册表。组的连接列表与OTP/会话状态只通过这里的操作变更
type Manager struct {
	groups    map[string]*Group
	groupsMu  sync.RWMutex
	authToken string
	logger    zerolog.Logger
}

// NewManager 创建隧道管理器
func NewManager(authToken string, logger zerolog.Logger) *Manager {
	return &Manager{
		groups:    make(map[string]*Group),
		authToken: authToken,
		logger:    logger,
	}
}

// Join 处理一次HELLO注册：校验令牌、定位或创建隧道组、追加连接。
// 返回隧道组、新连接以及需要展示给客户端的OTP明文（仅首次创建且开启OTP时非空）
func (m *Manager) Join(hello *protocol.HelloPayload, sock *websocket.Conn) (*Group, *Connection, string, error) {
	if m.authToken != "" && hello.AuthToken != m.authToken {
		return nil, nil, "", ErrBadToken
	}

	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()

	tunnelID := hello.RequestedID
	if tunnelID == "" {
		tunnelID = m.generateTunnelID()
	}

	group, exists := m.groups[tunnelID]
	var plainOTP string
	if !exists {
		group = &Group{
			TunnelID: tunnelID,
			Kind:     hello.Kind,
			sessions: make(map[string]time.Time),
		}
		if hello.OTPRequested {
			plainOTP = otp.Generate()
			group.otpHash = otp.Hash(plainOTP, tunnelID)
			group.otpExpiresAt = time.Now().Add(otp.HashTTL)
		}
		m.groups[tunnelID] = group
	} else if group.Kind != hello.Kind {
		return nil, nil, "", fmt.Errorf("%w: 隧道 %s 已是 %s 类型", ErrKindMismatch, tunnelID, group.Kind)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		Sock:        sock,
		LocalPort:   hello.Port,
		lastResetAt: time.Now(),
		lastSeen:    time.Now(),
	}
	group.addConnection(conn)

	m.logger.Info().
		Str("tunnel_id", tunnelID).
		Str("kind", group.Kind).
		Int("connections", group.ConnectionCount()).
		Msg("客户端加入隧道")

	return group, conn, plainOTP, nil
}

// Leave 移除连接；组内连接清空后删除隧道组，返回隧道组是否已随之关闭
func (m *Manager) Leave(group *Group, conn *Connection) bool {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()

	group.removeConnection(conn)
	if group.ConnectionCount() == 0 {
		delete(m.groups, group.TunnelID)
		m.logger.Info().Str("tunnel_id", group.TunnelID).Msg("隧道已关闭（无剩余客户端）")
		return true
	}
	m.logger.Info().
		Str("tunnel_id", group.TunnelID).
		Int("connections", group.ConnectionCount()).
		Msg("客户端离开隧道")
	return false
}

// Lookup 查找隧道组
func (m *Manager) Lookup(tunnelID string) (*Group, bool) {
	m.groupsMu.RLock()
	defer m.groupsMu.RUnlock()
	group, exists := m.groups[tunnelID]
	return group, exists
}

// GroupCount 当前隧道组数量
func (m *Manager) GroupCount() int {
	m.groupsMu.RLock()
	defer m.groupsMu.RUnlock()
	return len(m.groups)
}

// generateTunnelID 生成形如 quick-fox-123 的隧道ID，冲突则重试。
// 词表组合耗尽的概率可忽略，调用方需持有groupsMu
func (m *Manager) generateTunnelID() string {
	for {
		id := fmt.Sprintf("%s-%s-%d",
			tunnelIDAdjectives[rand.IntN(len(tunnelIDAdjectives))],
			tunnelIDNouns[rand.IntN(len(tunnelIDNouns))],
			rand.IntN(1000))
		if _, exists := m.groups[id]; !exists {
			return id
		}
	}
}

// StartSweeper 启动后台清扫：清理过期会话、回收静默连接。
// 客户端每30秒发送PONG，超过idleTimeout未收到任何帧的连接视为已失联，
// 关闭其底层socket以触发正常的离开流程（监听、虚拟连接随之释放）
func (m *Manager) StartSweeper(ctx context.Context, interval, idleTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(idleTimeout)
			}
		}
	}()
}

func (m *Manager) sweep(idleTimeout time.Duration) {
	m.groupsMu.RLock()
	groups := make([]*Group, 0, len(m.groups))
	for _, group := range m.groups {
		groups = append(groups, group)
	}
	m.groupsMu.RUnlock()

	now := time.Now()
	for _, group := range groups {
		group.sweepSessions(now)

		for _, conn := range group.snapshotConns() {
			if conn.IdleSince() > idleTimeout {
				m.logger.Warn().
					Str("tunnel_id", group.TunnelID).
					Str("connection_id", conn.ID).
					Msg("连接心跳超时，强制关闭")
				if conn.Sock != nil {
					conn.Sock.Close()
				}
			}
		}
	}
}
