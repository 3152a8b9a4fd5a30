package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schrodylab/schrody/internal/bot"
	"github.com/schrodylab/schrody/internal/common"
)

type interactionReq struct {
	Command   string `json:"command" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id" binding:"required"`
	GuildID   string `json:"guild_id"`
	Text      string `json:"text"`
	Rating    int    `json:"rating"`
}

// Interaction dispatches a slash command posted by the platform relay.
func (h *Handler) Interaction(c *gin.Context) {
	var req interactionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	in := bot.Inbound{
		SenderID:   req.UserID,
		SenderName: req.Username,
		ChannelID:  req.ChannelID,
		GuildID:    req.GuildID,
		Text:       req.Text,
	}

	ctx := c.Request.Context()
	var err error
	switch req.Command {
	case "start_session":
		err = h.Engine.StartSession(ctx, in)
	case "ask":
		err = h.Engine.Ask(ctx, in)
	case "end_session":
		err = h.Engine.EndSession(ctx, in)
	case "resume_session":
		err = h.Engine.Resume(ctx, in)
	case "feedback":
		err = h.Engine.Feedback(ctx, in, req.Rating)
	case "feedback_pending":
		err = h.Engine.PendingFeedback(ctx, in)
	default:
		common.Fail(c, http.StatusBadRequest, 10010, "unknown command")
		return
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "command failed")
		return
	}
	common.OK(c, gin.H{"command": req.Command})
}

type messageEventReq struct {
	UserID    string `json:"user_id" binding:"required"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id" binding:"required"`
	GuildID   string `json:"guild_id"`
	Text      string `json:"text"`
	Bot       bool   `json:"bot"`
}

// MessageEvent is the listener path for plain messages inside threads.
func (h *Handler) MessageEvent(c *gin.Context) {
	var req messageEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Bot || req.Text == "" {
		common.OK(c, gin.H{"handled": false})
		return
	}

	err := h.Engine.HandleThreadMessage(c.Request.Context(), bot.Inbound{
		SenderID:   req.UserID,
		SenderName: req.Username,
		ChannelID:  req.ChannelID,
		GuildID:    req.GuildID,
		Text:       req.Text,
	})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50011, "event handling failed")
		return
	}
	common.OK(c, gin.H{"handled": true})
}
