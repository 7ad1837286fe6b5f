package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/edgechat/internal/auth"
	"github.com/danmuck/edgechat/internal/observability"
)

const version = "0.1.0"

func (s *Service) routes(sessionsCtx context.Context) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(s.logger, s.room.Len))
	r.Use(observability.RequestMetrics(s.cfg.ServerID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "edgechat-server",
			"server_id": s.cfg.ServerID,
			"sessions":  s.active.Load(),
			"version":   version,
		})
	})

	r.GET("/users", func(c *gin.Context) {
		if !authorized(s.admin, c.Request) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": s.room.Users()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET(s.cfg.Path, func(c *gin.Context) {
		s.handleUpgrade(sessionsCtx, c)
	})
	return r
}

func (s *Service) handleUpgrade(sessionsCtx context.Context, c *gin.Context) {
	if sessionsCtx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	if !authorized(s.validator, c.Request) {
		s.logger.Warn().Str("remote", c.Request.RemoteAddr).Msg("rejected session, bad token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}

	// The member is counted and joined while the request is still a tracked
	// HTTP connection, so drain cannot miss it.
	s.sessions.Add(1)
	id := uuid.NewString()
	member, err := s.room.Join(id, c.Request.RemoteAddr)
	if err != nil {
		s.sessions.Done()
		s.logger.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("join refused")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered with an HTTP error
		s.room.Abandon(id)
		s.sessions.Done()
		s.logger.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("upgrade failed")
		return
	}
	c.Set(observability.MemberKey, id)
	go s.serveConn(sessionsCtx, ws, member)
}

// authorized accepts basic auth, an Authorization bearer header or a token
// query parameter, which browsers need since they cannot set headers on
// upgrade. A nil validator admits everyone.
func authorized(v auth.Validator, r *http.Request) bool {
	if v == nil {
		return true
	}
	if user, password, ok := r.BasicAuth(); ok {
		return v.Validate(auth.Pair(user, password)) == nil
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	return v.Validate(token) == nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
