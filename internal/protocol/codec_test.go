package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
		body []byte
	}{
		{
			name: "HELLO注册",
			msg: &Message{Type: MessageTypeHello, Hello: &HelloPayload{
				Kind: KindHTTP, Port: 3000, OTPRequested: true, RequestedID: "fox-1", AuthToken: "tk",
			}},
		},
		{
			name: "READY响应",
			msg: &Message{Type: MessageTypeReady, Ready: &ReadyPayload{
				TunnelID: "fox-1", URL: "https://fox-1.zara.test", OTP: "123456", TCPPort: 4000,
			}},
		},
		{
			name: "REQ带请求体",
			msg: &Message{Type: MessageTypeRequest, RequestID: "req-1", Request: &RequestPayload{
				Method:  "POST",
				Path:    "/api/echo?x=1",
				Headers: http.Header{"X-Test": {"a", "b"}, "Content-Type": {"application/json"}},
			}},
			body: []byte(`{"hello":"world"}`),
		},
		{
			name: "RES带响应体",
			msg: &Message{Type: MessageTypeResponse, RequestID: "req-1", Response: &ResponsePayload{
				Status:  200,
				Headers: http.Header{"Content-Type": {"text/plain"}},
			}},
			body: []byte("ok"),
		},
		{
			name: "TCP数据帧",
			msg:  &Message{Type: MessageTypeTCPData, ConnectionID: "conn-1"},
			body: []byte{0x00, 0x01, 0x02, 0xff},
		},
		{
			name: "TCP关闭帧",
			msg:  &Message{Type: MessageTypeTCPClose, ConnectionID: "conn-1"},
		},
		{
			name: "ERROR消息",
			msg:  &Message{Type: MessageTypeError, Error: "注册令牌无效"},
		},
		{
			name: "PONG心跳",
			msg:  &Message{Type: MessageTypePong},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.msg, tc.body)
			require.NoError(t, err)

			msg, body, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, msg)
			assert.Equal(t, tc.body, body)
		})
	}
}

func TestCompressionFlag(t *testing.T) {
	msg := &Message{Type: MessageTypeTCPData, ConnectionID: "conn-1"}

	// 阈值以下不压缩
	small := bytes.Repeat([]byte("a"), CompressionThreshold-1)
	frame, err := Encode(msg, small)
	require.NoError(t, err)
	assert.Equal(t, byte(0), frame[4])

	_, body, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, small, body)

	// 达到阈值启用gzip，解码后字节一致
	large := bytes.Repeat([]byte("a"), CompressionThreshold)
	frame, err = Encode(msg, large)
	require.NoError(t, err)
	assert.Equal(t, byte(1), frame[4])

	_, body, err = Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, large, body)
}

func TestDecodeMalformed(t *testing.T) {
	t.Run("帧长度不足", func(t *testing.T) {
		_, _, err := Decode([]byte{0, 0, 0})
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("消息头被截断", func(t *testing.T) {
		frame := make([]byte, 5, 8)
		binary.BigEndian.PutUint32(frame[:4], 100)
		frame = append(frame, []byte("{}")...)
		_, _, err := Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("消息头非法JSON", func(t *testing.T) {
		header := []byte("{oops")
		frame := make([]byte, 5, 5+len(header))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
		frame = append(frame, header...)
		_, _, err := Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("未知消息类型", func(t *testing.T) {
		header := []byte(`{"type":"NOPE"}`)
		frame := make([]byte, 5, 5+len(header))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
		frame = append(frame, header...)
		_, _, err := Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("载荷与类型不匹配", func(t *testing.T) {
		header := []byte(`{"type":"REQ","requestId":"r1"}`)
		frame := make([]byte, 5, 5+len(header))
		binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
		frame = append(frame, header...)
		_, _, err := Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("压缩标志置位但数据非gzip", func(t *testing.T) {
		header, err := json.Marshal(&Message{Type: MessageTypePong})
		require.NoError(t, err)
		frame := make([]byte, 5, 5+len(header)+7)
		binary.BigEndian.PutUint32(frame[:4], uint32(len(header)))
		frame[4] = 1
		frame = append(frame, header...)
		frame = append(frame, []byte("notgzip")...)
		_, _, err = Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestEncodeRejectsInvalid(t *testing.T) {
	// REQ缺少request载荷
	_, err := Encode(&Message{Type: MessageTypeRequest, RequestID: "r1"}, nil)
	require.ErrorIs(t, err, ErrMalformedFrame)

	// HELLO隧道类型非法
	_, err = Encode(&Message{Type: MessageTypeHello, Hello: &HelloPayload{Kind: "udp"}}, nil)
	require.ErrorIs(t, err, ErrMalformedFrame)

	// TCP帧缺少connectionId
	_, err = Encode(&Message{Type: MessageTypeTCPOpen}, nil)
	require.ErrorIs(t, err, ErrMalformedFrame)
}
