package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/sc-remote/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Dependencies holds everything the router wires into handlers and middleware
type Dependencies struct {
	handler.Dependencies
	Auth        Authenticator
	RateLimiter *RateLimiter // nil disables rate limiting
	ServiceName string
	HealthCheck func(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.ServiceName,
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	})

	jobHandler := handler.NewJobHandler(&deps.Dependencies)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Auth, deps.Logger))
	if deps.RateLimiter != nil {
		v1.Use(RateLimitMiddleware(deps.RateLimiter, deps.Logger))
	}
	{
		// GET /api/v1/ping - Validate credentials and report balances
		v1.GET("/ping", jobHandler.Ping)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// GET /api/v1/jobs/:job_id/result - Download the result bundle
			jobs.GET("/:job_id/result", jobHandler.GetResult)

			// DELETE /api/v1/jobs/:job_id - Archive a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
