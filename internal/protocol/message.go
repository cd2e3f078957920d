package protocol

import (
	"fmt"
	"net/http"
)

// MessageType 消息类型
type MessageType string

const (
	// MessageTypeHello 客户端注册（客户端 -> 服务端）
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeReady 注册成功响应（服务端 -> 客户端）
	MessageTypeReady MessageType = "READY"
	// MessageTypeError 错误消息（服务端 -> 客户端），发送后服务端关闭连接
	MessageTypeError MessageType = "ERROR"
	// MessageTypeRequest HTTP请求（服务端 -> 客户端）
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResponse HTTP响应（客户端 -> 服务端）
	MessageTypeResponse MessageType = "RES"
	// MessageTypeTCPOpen TCP虚拟连接建立（服务端 -> 客户端）
	MessageTypeTCPOpen MessageType = "TCP_OPEN"
	// MessageTypeTCPData TCP数据（双向）
	MessageTypeTCPData MessageType = "TCP_DATA"
	// MessageTypeTCPClose TCP虚拟连接关闭（双向）
	MessageTypeTCPClose MessageType = "TCP_CLOSE"
	// MessageTypePong 心跳（双向），除保活外无任何作用
	MessageTypePong MessageType = "PONG"
)

// 隧道类型
const (
	KindHTTP = "http"
	KindTCP  = "tcp"
)

// HelloPayload 注册载荷
type HelloPayload struct {
	Kind         string `json:"kind"`                  // http 或 tcp
	Port         int    `json:"port"`                  // 客户端本地服务端口
	OTPRequested bool   `json:"otpRequested"`          // 是否需要OTP访问验证
	RequestedID  string `json:"requestedId,omitempty"` // 期望的隧道ID
	AuthToken    string `json:"authToken,omitempty"`   // 注册令牌
}

// ReadyPayload 注册成功载荷
type ReadyPayload struct {
	TunnelID string `json:"tunnelId"`
	URL      string `json:"url"`
	OTP      string `json:"otp,omitempty"`     // OTP明文，仅在注册时下发一次
	TCPPort  int    `json:"tcpPort,omitempty"` // tcp隧道的公网端口
}

// RequestPayload HTTP请求载荷，请求体作为帧附带数据传输
type RequestPayload struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	Headers http.Header `json:"headers"`
}

// ResponsePayload HTTP响应载荷，响应体作为帧附带数据传输
type ResponsePayload struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
}

// Message 通信消息结构。载荷按类型取其一，其余字段必须为空
type Message struct {
	Type         MessageType      `json:"type"`
	RequestID    string           `json:"requestId,omitempty"`    // 请求ID，用于匹配请求和响应
	ConnectionID string           `json:"connectionId,omitempty"` // TCP虚拟连接ID
	Hello        *HelloPayload    `json:"hello,omitempty"`
	Ready        *ReadyPayload    `json:"ready,omitempty"`
	Request      *RequestPayload  `json:"request,omitempty"`
	Response     *ResponsePayload `json:"response,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Validate 校验消息类型与载荷是否匹配
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeHello:
		if m.Hello == nil {
			return fmt.Errorf("%w: HELLO消息缺少hello载荷", ErrMalformedFrame)
		}
		if m.Hello.Kind != KindHTTP && m.Hello.Kind != KindTCP {
			return fmt.Errorf("%w: 未知隧道类型 %q", ErrMalformedFrame, m.Hello.Kind)
		}
	case MessageTypeReady:
		if m.Ready == nil {
			return fmt.Errorf("%w: READY消息缺少ready载荷", ErrMalformedFrame)
		}
	case MessageTypeError:
		if m.Error == "" {
			return fmt.Errorf("%w: ERROR消息缺少错误信息", ErrMalformedFrame)
		}
	case MessageTypeRequest:
		if m.Request == nil || m.RequestID == "" {
			return fmt.Errorf("%w: REQ消息缺少request载荷或requestId", ErrMalformedFrame)
		}
	case MessageTypeResponse:
		if m.Response == nil || m.RequestID == "" {
			return fmt.Errorf("%w: RES消息缺少response载荷或requestId", ErrMalformedFrame)
		}
	case MessageTypeTCPOpen, MessageTypeTCPData, MessageTypeTCPClose:
		if m.ConnectionID == "" {
			return fmt.Errorf("%w: %s消息缺少connectionId", ErrMalformedFrame, m.Type)
		}
	case MessageTypePong:
		// 无载荷
	default:
		return fmt.Errorf("%w: 未知消息类型 %q", ErrMalformedFrame, m.Type)
	}
	return nil
}
