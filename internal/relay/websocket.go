package relay

import (
	"net"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"zaraProject/internal/protocol"
	"zaraProject/internal/tunnel"
)

// handleAgentSocket 处理客户端持久连接：升级WebSocket后循环读帧分发。
// 协议错误与注册失败对该连接是致命的，关闭socket即可，不影响其他隧道
func (s *Relay) handleAgentSocket(c *gin.Context) {
	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket升级失败")
		return
	}
	defer sock.Close()

	requestHost := c.Request.Host

	var group *tunnel.Group
	var conn *tunnel.Connection
	defer func() {
		if group == nil || conn == nil {
			return
		}
		// 离开流程：回收该连接的全部虚拟连接，再从隧道组摘除
		s.closeCircuitsOf(conn)
		if s.manager.Leave(group, conn) {
			s.store.RecordTunnelClosed(group.TunnelID)
		}
	}()

	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msg, body, err := protocol.Decode(data)
		if err != nil {
			// 通道无法重同步，只能断开
			s.logger.Warn().Err(err).Msg("收到非法帧，关闭连接")
			return
		}

		switch msg.Type {
		case protocol.MessageTypeHello:
			if group != nil {
				continue // 重复HELLO忽略
			}
			group, conn = s.handleHello(sock, msg.Hello, requestHost)
			if group == nil {
				return
			}

		case protocol.MessageTypeResponse:
			if conn != nil {
				conn.Touch()
			}
			s.corr.Resolve(msg.RequestID, msg.Response, body)

		case protocol.MessageTypeTCPData:
			if conn != nil {
				conn.Touch()
			}
			s.writeCircuit(msg.ConnectionID, body)

		case protocol.MessageTypeTCPClose:
			s.closeCircuit(msg.ConnectionID)

		case protocol.MessageTypePong:
			if conn != nil {
				conn.Touch()
			}

		default:
			// 服务端不应收到该方向的消息类型，忽略
		}
	}
}

// handleHello 处理注册：加入隧道组、按需开启TCP监听、回复READY。
// 失败时发送ERROR帧并返回nil，调用方随即关闭socket
func (s *Relay) handleHello(sock *websocket.Conn, hello *protocol.HelloPayload, requestHost string) (*tunnel.Group, *tunnel.Connection) {
	group, conn, plainOTP, err := s.manager.Join(hello, sock)
	if err != nil {
		s.sendError(sock, err.Error())
		return nil, nil
	}

	ready := &protocol.ReadyPayload{
		TunnelID: group.TunnelID,
		URL:      s.publicURL(group.TunnelID, requestHost),
		OTP:      plainOTP,
	}

	if group.Kind == protocol.KindTCP {
		ln, lerr := net.Listen("tcp", ":0")
		if lerr != nil {
			s.logger.Error().Err(lerr).Msg("分配TCP监听端口失败")
			s.sendError(sock, "分配TCP端口失败")
			s.manager.Leave(group, conn)
			return nil, nil
		}
		conn.AttachListener(ln)
		ready.TCPPort = ln.Addr().(*net.TCPAddr).Port
		go s.acceptTCP(conn, ln)
	}

	if err := conn.SendFrame(&protocol.Message{Type: protocol.MessageTypeReady, Ready: ready}, nil); err != nil {
		s.manager.Leave(group, conn)
		return nil, nil
	}

	s.store.RecordTunnelOpened(group.TunnelID, group.Kind)
	return group, conn
}

// sendError 发送ERROR帧，发送后由调用方关闭连接
func (s *Relay) sendError(sock *websocket.Conn, reason string) {
	data, err := protocol.Encode(&protocol.Message{Type: protocol.MessageTypeError, Error: reason}, nil)
	if err != nil {
		return
	}
	sock.WriteMessage(websocket.BinaryMessage, data)
}
