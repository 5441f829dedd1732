// Package web is the HTTP surface of the relay: OAuth registration,
// per-account resync and push-target management, a live websocket stream,
// and health endpoints.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sorelay/internal/hub"
	"sorelay/internal/poller"
	"sorelay/internal/stackoverflow"
	"sorelay/internal/storage"
	"sorelay/pkg/logx"
)

const oauthStateTTL = 10 * time.Minute

type Options struct {
	Listen    string
	PublicURL string
}

type Server struct {
	opts   Options
	log    logx.Logger
	client *stackoverflow.Client
	store  storage.Store
	poller *poller.Poller
	hub    *hub.Hub

	httpSrv *http.Server

	stateMu sync.Mutex
	states  map[string]time.Time
}

func New(opts Options, client *stackoverflow.Client, store storage.Store, p *poller.Poller, h *hub.Hub, log logx.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Server{
		opts:   opts,
		log:    log,
		client: client,
		store:  store,
		poller: p,
		hub:    h,
		states: map[string]time.Time{},
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/healthz", s.handleHealthz)

	r.GET("/register", s.handleRegister)
	r.GET("/oauth/callback", s.handleOAuthCallback)

	acc := r.Group("/accounts/:id")
	acc.GET("/notifications", s.handleNotifications)
	acc.POST("/push-target", s.handlePushTarget)
	acc.GET("/stream", s.handleStream)

	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Websocket upgrades log their own lifecycle.
		if c.IsWebsocket() {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

// Start begins serving and returns once the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("web: listening", logx.String("addr", s.opts.Listen))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// newState mints a one-time OAuth state token.
func (s *Server) newState() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b[:])

	s.stateMu.Lock()
	now := time.Now()
	for st, exp := range s.states {
		if now.After(exp) {
			delete(s.states, st)
		}
	}
	s.states[state] = now.Add(oauthStateTTL)
	s.stateMu.Unlock()
	return state, nil
}

// consumeState validates and burns a state token.
func (s *Server) consumeState(state string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	exp, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return time.Now().Before(exp)
}
