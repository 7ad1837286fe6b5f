package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// MemberKey is the gin context key a handler sets to the member id once a
// request has been upgraded to a chat session.
const MemberKey = "edgechat.member"

// Routes not known to the router are counted under one label.
const unmatchedRoute = "unmatched"

// AccessLog logs one line per request. Upgraded requests are logged as
// "session_upgrade" with status 101 and the member id, since the socket is
// hijacked before gin sees a status. members reports the room size and may be
// nil.
func AccessLog(logger zerolog.Logger, members func() int) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		member := c.GetString(MemberKey)
		status := requestStatus(c)
		event := logger.Debug()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case member != "":
			event = logger.Info()
		}

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
			event = event.Str("uri", c.Request.URL.Path)
		}
		if member != "" {
			event = event.Str("member", member)
		}
		if members != nil {
			event = event.Int("members", members())
		}
		msg := "http_request"
		if member != "" {
			msg = "session_upgrade"
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg(msg)
	}
}

// RequestMetrics counts requests per route for node.
func RequestMetrics(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		RecordHTTPRequest(node, c.Request.Method, route, requestStatus(c), time.Since(start))
	}
}

func requestStatus(c *gin.Context) int {
	if c.GetString(MemberKey) != "" {
		return http.StatusSwitchingProtocols
	}
	return c.Writer.Status()
}
