package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/httpsig"
	"github.com/botwall/botwall/service"
)

// Handlers contains HTTP handlers for the trust-issuance endpoints.
type Handlers struct {
	challenges *service.ChallengeService
	tokens     *service.TokenService
	agents     *service.AgentService
}

// NewHandlers creates handlers over the given services.
func NewHandlers(challenges *service.ChallengeService, tokens *service.TokenService, agents *service.AgentService) *Handlers {
	return &Handlers{
		challenges: challenges,
		tokens:     tokens,
		agents:     agents,
	}
}

// tenantFrom extracts the optional tenant scope from the request.
func tenantFrom(c *gin.Context) string {
	if tenant := c.Query("tenant_id"); tenant != "" {
		return tenant
	}
	return c.GetHeader("X-Tenant-ID")
}

// clientTimestampFrom parses the X-Client-Timestamp RTT hint (epoch ms).
// Absent or unparsable hints yield zero, which disables RTT adjustment.
func clientTimestampFrom(c *gin.Context) int64 {
	raw := c.GetHeader("X-Client-Timestamp")
	if raw == "" {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// Challenge issues a new challenge of the requested type. Stored answers
// never appear in the response.
func (h *Handlers) Challenge(c *gin.Context) {
	tenantID := tenantFrom(c)

	switch kind := c.DefaultQuery("type", "speed"); core.ChallengeKind(kind) {
	case core.ChallengeKindSpeed:
		ch, err := h.challenges.GenerateSpeed(c.Request.Context(), clientTimestampFrom(c), tenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create challenge"})
			return
		}
		c.JSON(http.StatusOK, speedChallengeResponse(ch))

	case core.ChallengeKindStandard:
		difficulty := core.Difficulty(c.DefaultQuery("difficulty", string(core.DifficultyMedium)))
		if _, ok := core.DifficultyTable[difficulty]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown difficulty"})
			return
		}
		ch, err := h.challenges.GenerateStandard(c.Request.Context(), difficulty, tenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create challenge"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":         ch.ID,
			"type":       core.ChallengeKindStandard,
			"puzzle":     ch.Puzzle,
			"difficulty": ch.Difficulty,
			"timeLimit":  ch.TimeLimitMs,
		})

	case core.ChallengeKindReasoning:
		ch, err := h.challenges.GenerateReasoning(c.Request.Context(), tenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create challenge"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        ch.ID,
			"type":      core.ChallengeKindReasoning,
			"questions": questionPrompts(ch.Questions),
			"timeLimit": ch.TimeLimitMs,
		})

	case core.ChallengeKindHybrid:
		hybrid, speed, reasoning, err := h.challenges.GenerateHybrid(c.Request.Context(), clientTimestampFrom(c), tenantID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create challenge"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        hybrid.ID,
			"type":      core.ChallengeKindHybrid,
			"timeLimit": hybrid.TimeLimitMs,
			"speed":     speedChallengeResponse(speed),
			"reasoning": gin.H{
				"id":        reasoning.ID,
				"questions": questionPrompts(reasoning.Questions),
				"timeLimit": reasoning.TimeLimitMs,
			},
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown challenge type"})
	}
}

func speedChallengeResponse(ch *core.SpeedChallenge) gin.H {
	numbers := make([]int, len(ch.Problems))
	for i, p := range ch.Problems {
		numbers[i] = p.Number
	}
	resp := gin.H{
		"id":        ch.ID,
		"type":      core.ChallengeKindSpeed,
		"problems":  numbers,
		"timeLimit": ch.AdjustedTimeLimitMs,
	}
	if ch.MeasuredRTTMs > 0 {
		resp["measuredRttMs"] = ch.MeasuredRTTMs
	}
	return resp
}

func questionPrompts(questions []core.ReasoningQuestion) []gin.H {
	prompts := make([]gin.H, len(questions))
	for i, q := range questions {
		prompts[i] = gin.H{"id": q.ID, "prompt": q.Prompt, "category": q.Category}
	}
	return prompts
}

// Verify checks a challenge solution and mints a credential pair on success.
func (h *Handlers) Verify(c *gin.Context) {
	var req struct {
		ID               string   `json:"id" binding:"required"`
		Answer           string   `json:"answer"`
		Answers          []string `json:"answers"`
		SpeedAnswers     []string `json:"speedAnswers"`
		ReasoningAnswers []string `json:"reasoningAnswers"`
		Audience         string   `json:"audience"`
		TenantID         string   `json:"tenantId"`
		BindClientIP     bool     `json:"bindClientIp"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()

	kind, err := h.challenges.Kind(ctx, req.ID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"verified": false,
			"reason":   core.Reason(core.ErrChallengeNotFoundOrExpired),
		})
		return
	}

	var result *core.VerifyResult
	switch kind {
	case core.ChallengeKindSpeed:
		result, err = h.challenges.VerifySpeed(ctx, req.ID, req.Answers)
	case core.ChallengeKindStandard:
		answer := req.Answer
		if answer == "" && len(req.Answers) == 1 {
			answer = req.Answers[0]
		}
		result, err = h.challenges.VerifyStandard(ctx, req.ID, answer)
	case core.ChallengeKindReasoning:
		result, err = h.challenges.VerifyReasoning(ctx, req.ID, req.Answers)
	case core.ChallengeKindHybrid:
		result, err = h.challenges.VerifyHybrid(ctx, req.ID, req.SpeedAnswers, req.ReasoningAnswers)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed"})
		return
	}

	if !result.Valid {
		c.JSON(http.StatusForbidden, gin.H{
			"verified":    false,
			"reason":      result.Reason,
			"message":     result.Message,
			"solveTimeMs": result.SolveTimeMs,
		})
		return
	}

	opts := service.IssueOptions{
		Audience: req.Audience,
		TenantID: req.TenantID,
	}
	if req.BindClientIP {
		opts.ClientIP = c.ClientIP()
	}
	pair, err := h.tokens.Issue(ctx, req.ID, result.SolveTimeMs, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verified":           true,
		"token":              pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"token_type":         "Bearer",
		"expires_in":         pair.ExpiresIn,
		"refresh_expires_in": pair.RefreshExpiresIn,
		"solveTimeMs":        result.SolveTimeMs,
	})
}

// Refresh mints a new access token from a refresh token.
func (h *Handlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
		Audience     string `json:"audience"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	access, expiresIn, err := h.tokens.Refresh(c.Request.Context(), req.RefreshToken, service.IssueOptions{Audience: req.Audience})
	if err != nil {
		status, msg := http.StatusInternalServerError, "Failed to refresh token"
		switch {
		case errors.Is(err, core.ErrTokenRevoked):
			status, msg = http.StatusUnauthorized, "Refresh token has been revoked"
		case errors.Is(err, core.ErrRefreshTokenUnknown):
			status, msg = http.StatusUnauthorized, "Unknown refresh token"
		case errors.Is(err, core.ErrTokenInvalidSignatureOrExpiry):
			status, msg = http.StatusUnauthorized, "Invalid refresh token"
		}
		c.JSON(status, gin.H{"error": msg, "reason": core.Reason(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      access,
		"token_type": "Bearer",
		"expires_in": expiresIn,
	})
}

// Revoke adds a token ID to the revocation set. Idempotent.
func (h *Handlers) Revoke(c *gin.Context) {
	var req struct {
		TokenID string `json:"token_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.tokens.Revoke(c.Request.Context(), req.TokenID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Revoked"})
}

// Introspect returns the claims of the bearer token validated by the auth
// middleware.
func (h *Handlers) Introspect(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Claims not found in context"})
		return
	}

	resp := gin.H{
		"active":             true,
		"subjectChallengeId": claims.Subject,
		"tokenId":            claims.TokenID,
		"kind":               claims.Kind,
		"issuedAt":           claims.IssuedAt,
		"expiresAt":          claims.ExpiresAt,
		"solveTimeMs":        claims.SolveTimeMs,
	}
	if claims.Audience != "" {
		resp["audience"] = claims.Audience
	}
	if claims.TenantID != "" {
		resp["tenantId"] = claims.TenantID
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterAgent creates an agent record under a tenant.
func (h *Handlers) RegisterAgent(c *gin.Context) {
	var req struct {
		TenantID           string                  `json:"tenantId" binding:"required"`
		Name               string                  `json:"name" binding:"required"`
		Operator           string                  `json:"operator"`
		Version            string                  `json:"version"`
		Issuer             string                  `json:"issuer"`
		PublicKey          string                  `json:"publicKey"`
		SignatureAlgorithm core.SignatureAlgorithm `json:"signatureAlgorithm"`
		Capabilities       []core.Capability       `json:"capabilities"`
		TrustLevel         core.TrustLevel         `json:"trustLevel"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	agent, err := h.agents.RegisterAgent(c.Request.Context(), req.TenantID, service.RegisterAgentInput{
		Name:               req.Name,
		Operator:           req.Operator,
		Version:            req.Version,
		Issuer:             req.Issuer,
		PublicKey:          req.PublicKey,
		SignatureAlgorithm: req.SignatureAlgorithm,
		Capabilities:       req.Capabilities,
		TrustLevel:         req.TrustLevel,
	})
	if err != nil {
		if errors.Is(err, core.ErrAgentKeyMalformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed public key", "reason": core.Reason(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register agent"})
		return
	}

	c.JSON(http.StatusCreated, agent)
}

// GetAgent fetches one agent record.
func (h *Handlers) GetAgent(c *gin.Context) {
	agent, err := h.agents.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found", "reason": core.Reason(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch agent"})
		return
	}

	c.JSON(http.StatusOK, agent)
}

// ListAgents enumerates a tenant's agents off the best-effort index.
func (h *Handlers) ListAgents(c *gin.Context) {
	tenantID := tenantFrom(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	agents, err := h.agents.ListAgents(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list agents"})
		return
	}
	if agents == nil {
		agents = []*core.Agent{}
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// CreateSession opens a time-boxed session for an agent. Cryptographically
// enabled agents must additionally sign the request (RFC 9421), so session
// issuance is dual-factor: a solved challenge (bearer token) plus proof of
// key possession.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req struct {
		AgentID      string            `json:"agentId" binding:"required"`
		TenantID     string            `json:"tenantId" binding:"required"`
		UserContext  string            `json:"userContext"`
		Capabilities []core.Capability `json:"capabilities"`
		Intent       core.Intent       `json:"intent"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()

	agent, err := h.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, core.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found", "reason": core.Reason(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch agent"})
		return
	}

	if agent.CryptoEnabled() {
		if _, err := h.agents.VerifyAgentRequest(ctx, req.AgentID, httpsig.FromHTTP(c.Request)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Request signature verification failed", "reason": core.Reason(err)})
			return
		}
	}

	session, err := h.agents.CreateSession(ctx, req.AgentID, req.TenantID, req.UserContext, req.Capabilities, req.Intent)
	if err != nil {
		if errors.Is(err, core.ErrCapabilityMissingAction) || errors.Is(err, core.ErrCapabilityMissingScope) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Capability check failed", "reason": core.Reason(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, session)
}

// GetSession fetches a live session; expired sessions read as not found.
func (h *Handlers) GetSession(c *gin.Context) {
	session, err := h.agents.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found", "reason": core.Reason(err)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch session"})
		return
	}

	c.JSON(http.StatusOK, session)
}
