// Package logging provides the logrus setup for the control plane and the Gin middleware
// for HTTP request logging and panic recovery on the control API.
package logging

import (
	"errors"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Only control API calls get a request id; health and version probes stay anonymous.
const trackedPrefix = "/v0/"

// sensitiveQueryKeys are masked before a query string is logged.
var sensitiveQueryKeys = []string{"token", "signature", "state", "callbackState"}

const skipGinLogKey = "__gin_skip_request_logging__"

// GinLogrusLogger logs one line per control API request:
//
//	[2026-01-12 20:14:10] [a1b2c3d4] [info ] api: POST /v0/auth/start status=200 client=127.0.0.1 latency=3ms
//
// 5xx responses log at error level and 4xx at warn.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := ""
		if strings.HasPrefix(c.Request.URL.Path, trackedPrefix) {
			requestID = GenerateRequestID()
			SetGinRequestID(c, requestID)
			c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		}

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}

		target := c.Request.URL.Path
		if q := maskSensitiveQuery(c.Request.URL.RawQuery); q != "" {
			target += "?" + q
		}
		status := c.Writer.Status()
		fields := log.Fields{
			"status":  status,
			"client":  c.ClientIP(),
			"latency": roundLatency(time.Since(start)),
		}
		if requestID != "" {
			fields["request_id"] = requestID
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields["error"] = strings.TrimSpace(msg)
		}

		entry := Component("api").WithFields(fields)
		line := c.Request.Method + " " + target
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

func roundLatency(d time.Duration) time.Duration {
	if d > time.Minute {
		return d.Truncate(time.Second)
	}
	return d.Truncate(time.Millisecond)
}

func maskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	masked := false
	for _, key := range sensitiveQueryKeys {
		if values.Has(key) {
			values.Set(key, "***")
			masked = true
		}
	}
	if !masked {
		return raw
	}
	return values.Encode()
}

// GinLogrusRecovery turns handler panics into a 500 and logs them with the route. The stack
// goes to the debug level. http.ErrAbortHandler is re-raised for net/http to handle.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}

		entry := Component("api").WithField("route", c.FullPath())
		if id := GetGinRequestID(c); id != "" {
			entry = entry.WithField("request_id", id)
		}
		entry.Errorf("recovered from panic: %v", recovered)
		entry.Debug(string(debug.Stack()))

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging suppresses the access line for the current request.
func SkipGinRequestLogging(c *gin.Context) {
	if c != nil {
		c.Set(skipGinLogKey, true)
	}
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	skip, _ := c.Get(skipGinLogKey)
	b, _ := skip.(bool)
	return b
}
