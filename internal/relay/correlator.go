package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"zaraProject/internal/protocol"
	"zaraProject/internal/tunnel"
)

// ErrRequestTimeout 等待客户端响应超时
var ErrRequestTimeout = errors.New("等待响应超时")

type pendingResult struct {
	payload *protocol.ResponsePayload
	body    []byte
}

// Correlator 请求应答匹配器：按requestId把REQ帧和RES帧配对，带超时。
// 每个requestId至多一个在途等待者，且只会被消费一次（响应或超时，二者取一）
type Correlator struct {
	pending map[string]chan pendingResult
	mu      sync.Mutex
	timeout time.Duration
}

// NewCorrelator 创建匹配器
func NewCorrelator(timeout time.Duration) *Correlator {
	return &Correlator{
		pending: make(map[string]chan pendingResult),
		timeout: timeout,
	}
}

// Forward 发送REQ帧并等待匹配的RES帧，超时返回ErrRequestTimeout。
// 超时后客户端的迟到响应会被Resolve静默丢弃
func (cr *Correlator) Forward(conn *tunnel.Connection, msg *protocol.Message, body []byte) (*protocol.ResponsePayload, []byte, error) {
	ch := make(chan pendingResult, 1)
	cr.mu.Lock()
	cr.pending[msg.RequestID] = ch
	cr.mu.Unlock()
	defer cr.drop(msg.RequestID)

	if err := conn.SendFrame(msg, body); err != nil {
		return nil, nil, fmt.Errorf("发送请求帧失败: %v", err)
	}

	timer := time.NewTimer(cr.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.body, nil
	case <-timer.C:
		return nil, nil, ErrRequestTimeout
	}
}

// Resolve 投递一个RES帧。找不到等待者（已超时或请求不存在）时静默丢弃
func (cr *Correlator) Resolve(requestID string, payload *protocol.ResponsePayload, body []byte) {
	cr.mu.Lock()
	ch, exists := cr.pending[requestID]
	if exists {
		delete(cr.pending, requestID)
	}
	cr.mu.Unlock()

	if exists {
		// 通道带缓冲，等待者即使已放弃也不会阻塞
		ch <- pendingResult{payload: payload, body: body}
	}
}

func (cr *Correlator) drop(requestID string) {
	cr.mu.Lock()
	delete(cr.pending, requestID)
	cr.mu.Unlock()
}
