package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CodeLength OTP位数
const CodeLength = 6

// HashTTL OTP明文有效期，超时后不再接受任何提交
const HashTTL = 10 * time.Minute

// Generate 生成固定长度的数字OTP
func Generate() string {
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand不可用时无法安全生成OTP
			panic(fmt.Sprintf("生成OTP失败: %v", err))
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code)
}

// Hash 计算OTP与隧道ID拼接后的sha256十六进制摘要，服务端只保存摘要
func Hash(code, tunnelID string) string {
	sum := sha256.Sum256([]byte(code + tunnelID))
	return hex.EncodeToString(sum[:])
}

// Verify 校验提交的OTP是否与保存的摘要一致
func Verify(code, tunnelID, storedHash string) bool {
	computed := Hash(code, tunnelID)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// SessionSigner OTP验证通过后的会话令牌签发器
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionSigner 创建签发器。secret为空时随机生成（重启后旧会话全部失效）
func NewSessionSigner(secret string, expireHours int) *SessionSigner {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if expireHours <= 0 {
		expireHours = 24
	}
	return &SessionSigner{secret: key, ttl: time.Duration(expireHours) * time.Hour}
}

// TTL 会话有效期
func (s *SessionSigner) TTL() time.Duration {
	return s.ttl
}

// Issue 签发会话令牌，返回令牌、令牌ID（jti）与过期时间。
// 令牌ID需由调用方登记到隧道组的会话表中
func (s *SessionSigner) Issue(tunnelID string) (string, string, time.Time, error) {
	jti := uuid.NewString()
	expiresAt := time.Now().Add(s.ttl)

	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   tunnelID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("签发会话令牌失败: %v", err)
	}
	return token, jti, expiresAt, nil
}

// Parse 校验会话令牌的签名与有效期，返回令牌ID与所属隧道ID
func (s *SessionSigner) Parse(token string) (jti string, tunnelID string, err error) {
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非法的签名算法: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", "", err
	}
	return claims.ID, claims.Subject, nil
}
