package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AuthConfig 认证配置，用户名为空时不做认证
type AuthConfig struct {
	Username string
	Password string
}

// AuthMiddleware HTTP Basic 认证中间件
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(config AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		config: config,
	}
}

// RequireAuth 要求请求携带有效凭据
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	if am.config.Username == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !am.ValidateCredentials(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="nic-router"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ValidateCredentials 验证用户凭据
func (am *AuthMiddleware) ValidateCredentials(username, password string) bool {
	u := subtle.ConstantTimeCompare([]byte(username), []byte(am.config.Username))
	p := subtle.ConstantTimeCompare([]byte(password), []byte(am.config.Password))
	return u&p == 1
}
