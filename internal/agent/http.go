package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"zaraProject/internal/protocol"
)

// handleRequest 把REQ帧转发给本地服务并回复RES帧。
// 本地服务不可达时回复502，保证服务端侧的等待者不会空等到超时
func (s *Session) handleRequest(requestID string, req *protocol.RequestPayload, body []byte) {
	start := time.Now()

	// CORS预检在本地直接应答，不打扰本地服务
	if s.cfg.CORS && req.Method == http.MethodOptions {
		headers := http.Header{}
		headers.Set("Access-Control-Allow-Origin", "*")
		headers.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		headers.Set("Access-Control-Allow-Headers", "*")
		headers.Set("Access-Control-Max-Age", "86400")
		s.respond(requestID, &protocol.ResponsePayload{Status: http.StatusNoContent, Headers: headers}, nil)
		return
	}

	// 请求转换钩子：失败只记录，继续使用原始请求
	if s.hooks != nil && s.hooks.TransformRequest != nil {
		if transformed, err := s.hooks.TransformRequest(req); err != nil {
			s.logger.Warn().Err(err).Msg("请求转换钩子失败，使用原始请求")
		} else if transformed != nil {
			req = transformed
		}
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", s.cfg.LocalPort, req.Path)
	httpReq, err := http.NewRequest(req.Method, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Str("path", req.Path).Msg("构建本地请求失败")
		s.respondBadGateway(requestID)
		return
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Warn().Err(err).Int("local_port", s.cfg.LocalPort).Msg("本地服务不可达")
		s.respondBadGateway(requestID)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("读取本地响应失败")
		s.respondBadGateway(requestID)
		return
	}

	payload := &protocol.ResponsePayload{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
	}
	if s.cfg.CORS {
		payload.Headers.Set("Access-Control-Allow-Origin", "*")
		payload.Headers.Set("Access-Control-Allow-Methods", "*")
		payload.Headers.Set("Access-Control-Allow-Headers", "*")
	}

	// 响应转换钩子：失败只记录，继续使用原始响应
	if s.hooks != nil && s.hooks.TransformResponse != nil {
		if tp, tb, terr := s.hooks.TransformResponse(payload, respBody); terr != nil {
			s.logger.Warn().Err(terr).Msg("响应转换钩子失败，使用原始响应")
		} else if tp != nil {
			payload = tp
			respBody = tb
		}
	}

	if err := s.respond(requestID, payload, respBody); err != nil {
		s.logger.Warn().Err(err).Msg("发送响应帧失败")
		return
	}

	s.logger.Info().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", payload.Status).
		Dur("duration", time.Since(start)).
		Msg("请求处理完成")
}

// respond 回复RES帧
func (s *Session) respond(requestID string, payload *protocol.ResponsePayload, body []byte) error {
	return s.sendFrame(&protocol.Message{
		Type:      protocol.MessageTypeResponse,
		RequestID: requestID,
		Response:  payload,
	}, body)
}

// respondBadGateway 本地服务异常时的502应答
func (s *Session) respondBadGateway(requestID string) {
	s.respond(requestID, &protocol.ResponsePayload{
		Status:  http.StatusBadGateway,
		Headers: http.Header{},
	}, nil)
}
