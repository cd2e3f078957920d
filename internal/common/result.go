package common

// Result 公网侧错误应答的统一JSON结构
type Result struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Error 构造错误应答
func Error(code int, message string) Result {
	return Result{Code: code, Success: false, Message: message}
}
