// Package server exposes Telegram webhook delivery over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// UpdateHandler accepts a decoded Telegram update for processing. Enqueue
// must not block on the processing itself.
type UpdateHandler interface {
	Enqueue(ctx context.Context, update tgbotapi.Update)
}

type Server struct {
	router *gin.Engine
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]UpdateHandler

	// updates outlive the request that delivered them
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   gin.New(),
		logger:   logger,
		handlers: make(map[string]UpdateHandler),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.router.GET("/healthz", s.health)
	s.router.POST("/webhook/telegram/:token", s.telegramWebhook)
	return s
}

// Register routes updates posted for token to h.
func (s *Server) Register(token string, h UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[token] = h
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled. Draining accepted updates is up
// to the registered handlers.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Webhook server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close cancels updates still being processed.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) telegramWebhook(c *gin.Context) {
	s.mu.RLock()
	h, ok := s.handlers[c.Param("token")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}

	h.Enqueue(s.baseCtx, update)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// the path carries the bot token, so only the route pattern is logged
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
