package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestGinLogrusRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/v0/boom", func(*gin.Context) { panic("boom") })
	engine.GET("/v0/abort", func(*gin.Context) { panic(http.ErrAbortHandler) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("panic status = %d, want 500", rec.Code)
	}

	func() {
		defer func() {
			err, _ := recover().(error)
			if err != http.ErrAbortHandler {
				t.Fatalf("recovered %v, want http.ErrAbortHandler re-raised", err)
			}
		}()
		engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/abort", nil))
	}()
}

func TestGinLogrusLoggerTagsControlAPIRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.GET("/v0/sidecar/status", func(c *gin.Context) {
		seen = GetGinRequestID(c)
		c.Status(http.StatusOK)
	})
	engine.GET("/healthz", func(c *gin.Context) {
		if id := GetGinRequestID(c); id != "" {
			t.Errorf("unexpected request id %q on untracked path", id)
		}
		c.Status(http.StatusOK)
	})

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/sidecar/status", nil))
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if len(seen) != 8 {
		t.Fatalf("expected 8 character request id, got %q", seen)
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	if got := maskSensitiveQuery("address=0xabc"); got != "address=0xabc" {
		t.Fatalf("unexpected rewrite: %q", got)
	}
	got := maskSensitiveQuery("callbackState=secret&address=0xabc")
	if strings.Contains(got, "secret") {
		t.Fatalf("state leaked into log line: %q", got)
	}
}

func TestGinLogrusLoggerLevelsByStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := test.NewGlobal()
	defer hook.Reset()

	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.GET("/v0/runs", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	engine.GET("/v0/quiet", func(c *gin.Context) {
		SkipGinRequestLogging(c)
		c.Status(http.StatusOK)
	})

	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/runs?state=abc", nil))
	engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/quiet", nil))

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access line, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != log.WarnLevel {
		t.Fatalf("level = %s, want warning", entry.Level)
	}
	if entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("status field = %v", entry.Data["status"])
	}
	if strings.Contains(entry.Message, "abc") {
		t.Fatalf("state leaked into access line: %q", entry.Message)
	}
}
