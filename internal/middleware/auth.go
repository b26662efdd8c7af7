package middleware

import (
	"net/http"
	"strings"

	"charityledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AdminAuth 管理员认证中间件
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 获取Token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			util.Unauthorized(c, "未登录")
			c.Abort()
			return
		}

		// 解析Bearer Token
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			util.Unauthorized(c, "Token格式错误")
			c.Abort()
			return
		}

		// 验证Token, 只接受HS256
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid {
			util.Unauthorized(c, "Token无效或已过期")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			util.Unauthorized(c, "Token解析失败")
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		c.Set("username", username)

		c.Next()
	}
}

// CORSWithConfig 带配置的CORS中间件, 白名单为空时允许所有来源
func CORSWithConfig(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// 如果配置了白名单，则检查来源
		if len(allowedOrigins) > 0 {
			if originAllowed(origin, allowedOrigins) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		} else {
			c.Header("Access-Control-Allow-Origin", "*")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, ao := range allowed {
		if ao == "*" || ao == origin {
			return true
		}
		// 支持通配符域名 *.example.com
		if strings.HasPrefix(ao, "*.") && strings.HasSuffix(origin, ao[1:]) {
			return true
		}
	}
	return false
}

// RateLimitWithConfig 按客户端IP限流
func RateLimitWithConfig(limiters *util.KeyedLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiters.Get(c.ClientIP()).Allow() {
			util.RateLimitError(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// LoginRateLimit 登录接口限流
func LoginRateLimit(rate float64, burst int) gin.HandlerFunc {
	return RateLimitWithConfig(util.NewKeyedLimiters(rate, burst))
}
