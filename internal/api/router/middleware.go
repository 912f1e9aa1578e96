package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/api/handler"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/gin-gonic/gin"
)

// Authenticator verifies a username and secret pair
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret string) (*domain.Account, error)
}

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)

		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("username", handler.Username(c)),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Only server-side failures are attached to the context
		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("method", c.Request.Method),
				slog.String("path", path),
				slog.String("error", e.Error()),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "accept", "origin",
		"Cache-Control", "X-Requested-With", "Range", "If-Range",
		dto.HeaderUsername, dto.HeaderIdempotencyKey,
	}, ", ")

	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", allowHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "ETag, Content-Range, "+dto.HeaderContentSHA256)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// AuthMiddleware requires the username header and a bearer secret on every request
func AuthMiddleware(auth Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetHeader(dto.HeaderUsername)
		secret, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if username == "" || !ok || secret == "" {
			handler.AbortWithError(c, logger, fmt.Errorf("%w: missing credentials", domain.ErrUnauthorized))
			return
		}

		account, err := auth.Authenticate(c.Request.Context(), username, secret)
		if err != nil {
			logger.Warn("Authentication failed",
				slog.String("username", username),
				slog.String("ip", c.ClientIP()),
			)
			handler.AbortWithError(c, logger, err)
			return
		}

		c.Set(handler.ContextUsername, account.Username)
		c.Next()
	}
}
