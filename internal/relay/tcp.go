package relay

import (
	"net"

	"github.com/google/uuid"

	"zaraProject/internal/protocol"
	"zaraProject/internal/tunnel"
)

// circuit 一条公网TCP虚拟连接，归属于某条客户端连接
type circuit struct {
	sock  net.Conn
	owner *tunnel.Connection
}

// acceptTCP 接收tcp隧道的公网连接，监听关闭后退出
func (s *Relay) acceptTCP(agentConn *tunnel.Connection, ln net.Listener) {
	for {
		pub, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveCircuit(agentConn, pub)
	}
}

// serveCircuit 为一条公网TCP连接建立虚拟连接并泵送数据
func (s *Relay) serveCircuit(agentConn *tunnel.Connection, pub net.Conn) {
	connID := uuid.NewString()
	s.circuits.Set(connID, &circuit{sock: pub, owner: agentConn})

	if err := agentConn.SendFrame(&protocol.Message{Type: protocol.MessageTypeTCPOpen, ConnectionID: connID}, nil); err != nil {
		s.circuits.Remove(connID)
		pub.Close()
		return
	}

	// 单一读取协程保证TCP_DATA帧与字节流顺序一致
	buf := make([]byte, 32*1024)
	for {
		n, err := pub.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := agentConn.SendFrame(&protocol.Message{Type: protocol.MessageTypeTCPData, ConnectionID: connID}, data); serr != nil {
				break
			}
		}
		if err != nil {
			agentConn.SendFrame(&protocol.Message{Type: protocol.MessageTypeTCPClose, ConnectionID: connID}, nil)
			break
		}
	}

	s.circuits.Remove(connID)
	pub.Close()
}

// writeCircuit 把客户端送回的数据写入对应公网连接；未知连接ID静默忽略（对端可能已关闭）
func (s *Relay) writeCircuit(connID string, data []byte) {
	if ct, ok := s.circuits.Get(connID); ok {
		if _, err := ct.sock.Write(data); err != nil {
			s.closeCircuit(connID)
		}
	}
}

// closeCircuit 关闭并移除虚拟连接；未知连接ID静默忽略
func (s *Relay) closeCircuit(connID string) {
	if ct, ok := s.circuits.Pop(connID); ok {
		ct.sock.Close()
	}
}

// closeCircuitsOf 客户端连接离开时回收其名下全部虚拟连接
func (s *Relay) closeCircuitsOf(agentConn *tunnel.Connection) {
	var ids []string
	s.circuits.IterCb(func(id string, ct *circuit) {
		if ct.owner == agentConn {
			ids = append(ids, id)
		}
	})
	for _, id := range ids {
		s.closeCircuit(id)
	}
}
