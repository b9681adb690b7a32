package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"pairbot/internal/discord"
	"pairbot/internal/metrics"

	"github.com/gin-gonic/gin"
)

const (
	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"
	maxBodyBytes    = 1 << 20
)

func (s *Server) handleInteraction(c *gin.Context) {
	metrics.IncHTTP("interactions")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	if err := s.deps.Verifier.Verify(c.GetHeader(headerSignature), c.GetHeader(headerTimestamp), body); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid request signature"})
		return
	}

	payload, err := discord.ParsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if payload.IsPing() {
		c.JSON(http.StatusOK, discord.PongResponse())
		return
	}

	in, err := payload.Interaction()
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", c.GetString(ctxRequestID)).Msg("Unsupported interaction")
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported interaction"})
		return
	}
	in.RequestID = c.GetString(ctxRequestID)

	reply := s.deps.Interactions.Handle(c.Request.Context(), in)
	c.JSON(http.StatusOK, discord.ReplyResponse(reply))
}

func (s *Server) handleHealth(c *gin.Context) {
	metrics.IncHTTP("healthz")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := gin.H{"status": "ok", "store": "ok"}
	status := http.StatusOK

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			resp["store"] = err.Error()
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Scheduler != nil {
		resp["jobs"] = s.deps.Scheduler.Stats()
		if !s.deps.Scheduler.Healthy() {
			resp["status"] = "degraded"
			resp["rules_paused"] = true
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, resp)
}
