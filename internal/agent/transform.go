package agent

import "zaraProject/internal/protocol"

// Hooks 请求/响应转换钩子，两个函数均可选。
// 钩子失败不中断转发：记录日志后继续使用未转换的请求/响应
type Hooks struct {
	// TransformRequest 在请求转发给本地服务前调用，返回nil表示不修改
	TransformRequest func(*protocol.RequestPayload) (*protocol.RequestPayload, error)
	// TransformResponse 在响应回传服务端前调用，返回nil表示不修改
	TransformResponse func(*protocol.ResponsePayload, []byte) (*protocol.ResponsePayload, []byte, error)
}
