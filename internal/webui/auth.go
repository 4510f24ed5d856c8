// Package webui provides the web management interface.
package webui

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

const sessionTTL = 24 * time.Hour

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// issueSessionToken signs a JWT for the given admin username.
func issueSessionToken(cfg *config.Config, username string) (string, error) {
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

func verifySessionToken(cfg *config.Config, raw string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AuthMiddleware guards the admin API with a bearer JWT issued by /api/auth/login.
// When no AdminPassword is configured the admin surface is left open, an
// opt-in password gate intended for local/dev use.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AdminPassword == "" {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		method := c.Request.Method

		isAPIRoute := strings.HasPrefix(path, "/api/")
		isLogin := path == "/api/auth/login"
		isConfigGet := path == "/api/config" && method == "GET"
		isProtected := (isAPIRoute && !isLogin && !isConfigGet) || path == "/account-limits" || path == "/health"

		if isProtected {
			token := bearerToken(c)
			if token == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "Unauthorized: missing session token"})
				c.Abort()
				return
			}
			if _, err := verifySessionToken(cfg, token); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "Unauthorized: invalid or expired session"})
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
