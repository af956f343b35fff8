package logging

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type requestIDKey struct{}

const ginRequestIDKey = "__request_id__"

// GenerateRequestID returns the first 8 hex digits of a random UUID.
func GenerateRequestID() string {
	id := uuid.New()
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i*2] = hex[id[i]>>4]
		out[i*2+1] = hex[id[i]&0x0f]
	}
	return string(out)
}

// WithRequestID attaches a request id so handlers can tag the logs of the sidecar or run
// they act on.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the id stored by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func SetGinRequestID(c *gin.Context, requestID string) {
	if c != nil {
		c.Set(ginRequestIDKey, requestID)
	}
}

func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}
