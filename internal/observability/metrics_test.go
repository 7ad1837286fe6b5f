package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/edgechat/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(sessionsActive)
	SessionOpened()
	SessionOpened()
	SessionClosed()
	if got := testutil.ToFloat64(sessionsActive) - before; got != 1 {
		t.Fatalf("active delta=%v", got)
	}

	RecordMessage("chat", "accepted")
	RecordMessage("", "rejected")
	if got := testutil.ToFloat64(messagesTotal.WithLabelValues("unknown", "rejected")); got < 1 {
		t.Fatalf("unknown kind not counted: %v", got)
	}
	RecordEviction()
	RecordHTTPRequest("chat-a", "GET", "/health", 200, 12*time.Millisecond)
}

func TestAccessLogAndRequestMetrics(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	router := gin.New()
	router.Use(AccessLog(logger, func() int { return 3 }), RequestMetrics("chat-test"))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/ws", func(c *gin.Context) { c.Set(MemberKey, "m-1") })

	for _, path := range []string{"/ok", "/boom", "/nope", "/ws"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	type record struct {
		Level   string `json:"level"`
		Route   string `json:"route"`
		URI     string `json:"uri"`
		Status  int    `json:"status"`
		Members int    `json:"members"`
		Member  string `json:"member"`
		Message string `json:"message"`
	}
	byRoute := map[string]record{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if rec.Members != 3 {
			t.Fatalf("members field missing from %q", line)
		}
		byRoute[rec.Route] = rec
	}
	if byRoute["/ok"].Level != "debug" || byRoute["/boom"].Level != "error" {
		t.Fatalf("unexpected levels: %+v", byRoute)
	}
	if got := byRoute["unmatched"]; got.Level != "warn" || got.URI != "/nope" {
		t.Fatalf("unmatched request logged as %+v", got)
	}
	ws := byRoute["/ws"]
	if ws.Status != http.StatusSwitchingProtocols || ws.Member != "m-1" || ws.Message != "session_upgrade" || ws.Level != "info" {
		t.Fatalf("upgrade logged as %+v", ws)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("chat-test", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched route count=%v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("chat-test", "GET", "/ws", "101")); got != 1 {
		t.Fatalf("upgrade count=%v", got)
	}
}
