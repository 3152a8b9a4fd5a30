package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schrodylab/schrody/internal/auth"
	"github.com/schrodylab/schrody/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates the operator account and issues a 24h token.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Username != "admin" || !auth.CheckPassword(h.Cfg.AdminPasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40100, "invalid credentials")
		return
	}
	token, err := auth.SignJWT(req.Username, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Repo.CollectStats(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, stats)
}

func (h *Handler) ActiveSessions(c *gin.Context) {
	recs, err := h.Repo.FindActiveSessions(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, gin.H{
			"session_id":    rec.SessionID,
			"user_id":       rec.UserID,
			"username":      rec.Username,
			"thread_id":     rec.ThreadID,
			"start_time":    rec.StartTime,
			"last_activity": rec.LastActivity,
		})
	}
	common.OK(c, gin.H{"sessions": out})
}

func (h *Handler) PendingFeedback(c *gin.Context) {
	recs, err := h.Repo.PendingFeedback(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, gin.H{
			"session_id": rec.SessionID,
			"user_id":    rec.UserID,
			"username":   rec.Username,
			"end_time":   rec.EndTime,
		})
	}
	common.OK(c, gin.H{"pending": out})
}
