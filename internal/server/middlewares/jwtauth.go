package middlewares

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/driftfs/driftfs/internal/server/auth"
)

const (
	bearerPrefix   = "Bearer "
	authHeader     = "Authorization"
	devUserHeader  = "X-Drift-User"
	UserContextKey = "user"
)

// JWTAuth validates bearer tokens and stores the subject on the gin
// context. With auth disabled the username is taken from the X-Drift-User
// header instead, which only makes sense in dev setups.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	if !authService.IsEnabled() {
		slog.Warn("auth middleware disabled, trusting client-supplied usernames")
		return func(ctx *gin.Context) {
			if user := ctx.GetHeader(devUserHeader); user != "" {
				ctx.Set(UserContextKey, user)
			}
			ctx.Next()
		}
	}

	slog.Info("auth middleware enabled")
	return func(ctx *gin.Context) {
		headerValue := ctx.GetHeader(authHeader)
		if headerValue == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is missing",
			})
			return
		}
		if !strings.HasPrefix(headerValue, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header format must be Bearer {token}",
			})
			return
		}
		tokenString := strings.TrimPrefix(headerValue, bearerPrefix)
		if tokenString == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Token is missing",
			})
			return
		}

		claims, err := authService.ValidateAccessToken(tokenString)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		ctx.Set(UserContextKey, claims.Subject)
		ctx.Next()
	}
}
