package agent

import (
	"fmt"
	"net"

	"zaraProject/internal/protocol"
)

// openCircuit 收到TCP_OPEN后连接本地服务并登记虚拟连接。
// 在读循环内同步调用，返回时登记已完成，后续数据帧按序可达
func (s *Session) openCircuit(connID string) {
	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.LocalPort))
	if err != nil {
		s.logger.Warn().Err(err).Int("local_port", s.cfg.LocalPort).Msg("连接本地TCP服务失败")
		s.sendFrame(&protocol.Message{Type: protocol.MessageTypeTCPClose, ConnectionID: connID}, nil)
		return
	}

	s.circuits.Set(connID, local)
	go s.pumpCircuit(connID, local)
}

// pumpCircuit 单一读取协程把本地数据按序封装为TCP_DATA帧发回服务端
func (s *Session) pumpCircuit(connID string, local net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := s.sendFrame(&protocol.Message{Type: protocol.MessageTypeTCPData, ConnectionID: connID}, data); serr != nil {
				break
			}
		}
		if err != nil {
			s.sendFrame(&protocol.Message{Type: protocol.MessageTypeTCPClose, ConnectionID: connID}, nil)
			break
		}
	}

	s.circuits.Remove(connID)
	local.Close()
}

// writeCircuit 把服务端送来的数据写入本地连接；未知连接ID静默忽略（对端可能已关闭）
func (s *Session) writeCircuit(connID string, data []byte) {
	if local, ok := s.circuits.Get(connID); ok {
		if _, err := local.Write(data); err != nil {
			s.logger.Warn().Err(err).Msg("写入本地TCP失败")
			s.closeCircuit(connID)
		}
	}
}

// closeCircuit 关闭并移除虚拟连接；未知连接ID静默忽略
func (s *Session) closeCircuit(connID string) {
	if local, ok := s.circuits.Pop(connID); ok {
		local.Close()
	}
}

// closeAllCircuits 连接断开时回收全部虚拟连接
func (s *Session) closeAllCircuits() {
	var ids []string
	s.circuits.IterCb(func(id string, _ net.Conn) {
		ids = append(ids, id)
	})
	for _, id := range ids {
		s.closeCircuit(id)
	}
}
