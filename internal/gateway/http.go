package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the gateway's endpoints on the engine.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", g.HandleConnection)
	r.POST("/auth/challenge", g.HandleChallenge)
	r.GET("/health", g.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type challengeRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// HandleChallenge issues a signing challenge for an agent. Unknown agent ids
// get one too; verification is where existence is checked.
func (g *Gateway) HandleChallenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": g.challenges.Issue(req.AgentID)})
}

// HandleHealth reports liveness and the live session count.
func (g *Gateway) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "ringforge-hub",
		"sessions": g.sessionCount(),
	})
}
