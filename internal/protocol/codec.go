package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// CompressionThreshold 附带数据达到该字节数时启用gzip压缩
const CompressionThreshold = 1024

// 帧前缀长度：4字节大端消息头长度 + 1字节压缩标志
const framePrefixLen = 5

// ErrMalformedFrame 帧格式错误。通道没有重同步标记，调用方必须直接关闭连接
var ErrMalformedFrame = errors.New("帧格式错误")

// Encode 将消息与附带数据编码为一帧：
// [4字节大端消息头长度][1字节压缩标志][JSON消息头][附带数据]
func Encode(msg *Message, body []byte) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	header, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("序列化消息头失败: %v", err)
	}

	finalBody := body
	var flag byte
	if len(body) >= CompressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("压缩附带数据失败: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("压缩附带数据失败: %v", err)
		}
		finalBody = buf.Bytes()
		flag = 1
	}

	packet := make([]byte, framePrefixLen, framePrefixLen+len(header)+len(finalBody))
	binary.BigEndian.PutUint32(packet[:4], uint32(len(header)))
	packet[4] = flag
	packet = append(packet, header...)
	packet = append(packet, finalBody...)
	return packet, nil
}

// Decode 解码一帧，返回消息与附带数据（可能为空）
func Decode(data []byte) (*Message, []byte, error) {
	if len(data) < framePrefixLen {
		return nil, nil, fmt.Errorf("%w: 帧长度不足", ErrMalformedFrame)
	}

	headerLen := int(binary.BigEndian.Uint32(data[:4]))
	flag := data[4]
	if len(data) < framePrefixLen+headerLen {
		return nil, nil, fmt.Errorf("%w: 消息头被截断", ErrMalformedFrame)
	}

	var msg Message
	if err := json.Unmarshal(data[framePrefixLen:framePrefixLen+headerLen], &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}

	var body []byte
	if len(data) > framePrefixLen+headerLen {
		body = data[framePrefixLen+headerLen:]
		if flag == 1 {
			zr, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			body, err = io.ReadAll(zr)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
		}
	}

	return &msg, body, nil
}
