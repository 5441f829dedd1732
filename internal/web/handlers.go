package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sorelay/internal/domain"
	"sorelay/pkg/logx"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": s.poller.Snapshot(),
	})
}

func (s *Server) redirectURI() string {
	return s.opts.PublicURL + "/oauth/callback"
}

// handleRegister kicks off the OAuth flow by bouncing the browser to the
// Stack Exchange consent page.
func (s *Server) handleRegister(c *gin.Context) {
	state, err := s.newState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state generation failed"})
		return
	}
	c.Redirect(http.StatusFound, s.client.EntryURL(s.redirectURI(), state))
}

// handleOAuthCallback finishes registration: exchange the code, look up
// the account behind the token, persist both, and start polling at once.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":       errCode,
			"description": c.Query("error_description"),
		})
		return
	}
	if !s.consumeState(c.Query("state")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	ctx := c.Request.Context()
	token, err := s.client.ExchangeCode(ctx, code, s.redirectURI())
	if err != nil {
		s.log.Warn("web: token exchange failed", logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
		return
	}
	user, err := s.client.CurrentUser(ctx, token)
	if err != nil {
		s.log.Warn("web: account lookup failed", logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "account lookup failed"})
		return
	}

	reg := domain.Registration{AccountID: user.AccountID, AccessToken: token}
	if err := s.store.Register(ctx, reg); err != nil {
		s.log.Error("web: registration persist failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not persist registration"})
		return
	}
	s.poller.Track(reg)
	s.poller.PollNow(reg.AccountID)

	s.log.Info("web: account registered", logx.Int64("account_id", int64(user.AccountID)))
	c.JSON(http.StatusOK, gin.H{"account_id": user.AccountID})
}

func accountID(c *gin.Context) (domain.AccountID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad account id"})
		return 0, false
	}
	return domain.AccountID(id), true
}

// handleNotifications is the resync endpoint: newest first, straight from
// storage. Clients that saw a degraded stream call this to fill the gap.
func (s *Server) handleNotifications(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
			return
		}
		limit = n
	}
	ns, err := s.store.RecentNotifications(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": ns})
}

type pushTargetRequest struct {
	Channel string `json:"channel" binding:"required"`
	Target  string `json:"target" binding:"required"`
}

func (s *Server) handlePushTarget(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req pushTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Channel {
	case domain.ChannelPushover, domain.ChannelTelegram:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}
	t := domain.PushTarget{AccountID: id, Channel: req.Channel, Target: req.Target}
	if err := s.store.SetPushTarget(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "channel": req.Channel})
}
