package http

import (
	"github.com/gin-gonic/gin"

	"github.com/botwall/botwall/service"
)

// SetupRouter sets up the Gin router.
func SetupRouter(challenges *service.ChallengeService, tokens *service.TokenService, agents *service.AgentService, limiter *service.RateLimiter, challengesPerHour int) *gin.Engine {
	router := gin.Default()

	handlers := NewHandlers(challenges, tokens, agents)

	v1 := router.Group("/v1")
	{
		v1.GET("/challenge", RateLimit(limiter, challengesPerHour), handlers.Challenge)
		v1.POST("/verify", handlers.Verify)
		v1.POST("/token/refresh", handlers.Refresh)
		v1.POST("/token/revoke", handlers.Revoke)
	}

	// Routes below require a solved challenge (valid access token).
	protected := v1.Group("")
	protected.Use(BearerAuth(tokens))
	{
		protected.GET("/token/introspect", handlers.Introspect)
		protected.POST("/agents", handlers.RegisterAgent)
		protected.GET("/agents", handlers.ListAgents)
		protected.GET("/agents/:id", handlers.GetAgent)
		protected.POST("/sessions", handlers.CreateSession)
		protected.GET("/sessions/:id", handlers.GetSession)
	}

	return router
}
