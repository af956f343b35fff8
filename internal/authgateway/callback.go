package authgateway

import (
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"github.com/opendatalabs/databridge/internal/callbackstate"
	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/loopback"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Body-level rejection codes. State rejections use callbackstate.Result.Code.
const (
	CodeUnsupportedContentType = "unsupported_content_type"
	CodeInvalidContentLength   = "invalid_content_length"
	CodeInvalidUTF8            = "invalid_utf8"
	CodeInvalidPayload         = "invalid_payload"
)

// AuthUser is the identity reported by the external flow.
type AuthUser struct {
	ID    string  `json:"id"`
	Email *string `json:"email,omitempty"`
}

// AuthResult is the decoded callback body forwarded to the UI.
type AuthResult struct {
	Success            bool      `json:"success"`
	User               *AuthUser `json:"user,omitempty"`
	WalletAddress      *string   `json:"walletAddress,omitempty"`
	AuthToken          *string   `json:"authToken,omitempty"`
	MasterKeySignature *string   `json:"masterKeySignature,omitempty"`
	Error              *string   `json:"error,omitempty"`
}

// CallbackRejection is published when a callback is refused.
type CallbackRejection struct {
	Reason string `json:"reason"`
	Status int    `json:"status"`
}

// WindowFocuser brings the main application window to the front.
type WindowFocuser interface {
	FocusMainWindow() error
}

// stateQueryParams are the accepted query parameter names for the state token, in order.
var stateQueryParams = []string{"callbackState", "state"}

var allowedContentTypes = map[string]struct{}{
	"application/json": {},
	"text/plain":       {},
}

// CallbackRoute validates a redirect-back POST and publishes its AuthResult.
type CallbackRoute struct {
	issuer  *callbackstate.Issuer
	emitter events.Emitter
	focuser WindowFocuser
	maxBody int
}

// NewCallbackRoute creates the route. focuser may be nil.
func NewCallbackRoute(issuer *callbackstate.Issuer, emitter events.Emitter, focuser WindowFocuser, maxBody int) *CallbackRoute {
	if emitter == nil {
		emitter = events.Discard
	}
	if maxBody <= 0 {
		maxBody = loopback.DefaultMaxBodyBytes
	}
	return &CallbackRoute{issuer: issuer, emitter: emitter, focuser: focuser, maxBody: maxBody}
}

// ServeLoopback implements loopback.Handler.
func (c *CallbackRoute) ServeLoopback(req *loopback.Request) *loopback.Response {
	// Header-only checks run first so a malformed request never spends the state.
	if _, ok := allowedContentTypes[req.MediaType()]; !ok {
		return c.reject(http.StatusUnsupportedMediaType, CodeUnsupportedContentType)
	}
	if req.ContentLength <= 0 || req.ContentLength > c.maxBody || req.BodyOmitted {
		return c.reject(http.StatusBadRequest, CodeInvalidContentLength)
	}

	if result := c.issuer.ValidateAndConsume(stateFromQuery(req)); result != callbackstate.Valid {
		return c.reject(statusForResult(result), result.Code())
	}

	if !utf8.Valid(req.Body) {
		return c.reject(http.StatusBadRequest, CodeInvalidUTF8)
	}
	result, ok := decodeAuthResult(req.Body)
	if !ok {
		return c.reject(http.StatusBadRequest, CodeInvalidPayload)
	}

	c.emitter.Emit(events.AuthComplete, result)
	if c.focuser != nil {
		if err := c.focuser.FocusMainWindow(); err != nil {
			log.WithField("component", "authgateway").Debugf("focus main window failed: %v", err)
		}
	}
	log.WithField("component", "authgateway").Infof("auth callback accepted (success=%t)", result.Success)
	return callbackResponse(http.StatusOK, []byte(`{"ok":true}`))
}

func (c *CallbackRoute) reject(status int, code string) *loopback.Response {
	log.WithFields(log.Fields{"component": "authgateway", "status": status, "reason": code}).Warn("auth callback rejected")
	c.emitter.Emit(events.AuthCallbackRejected, CallbackRejection{Reason: code, Status: status})
	body, _ := json.Marshal(map[string]any{"ok": false, "error": code})
	return callbackResponse(status, body)
}

func callbackResponse(status int, body []byte) *loopback.Response {
	return loopback.JSON(status, body).WithCORS("POST, OPTIONS", "Content-Type")
}

func stateFromQuery(req *loopback.Request) string {
	for _, name := range stateQueryParams {
		if v := req.Query.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func statusForResult(result callbackstate.Result) int {
	switch result {
	case callbackstate.Missing:
		return http.StatusBadRequest
	case callbackstate.Invalid, callbackstate.Expired:
		return http.StatusUnauthorized
	case callbackstate.Replayed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeAuthResult requires a JSON object with a boolean success field.
func decodeAuthResult(body []byte) (AuthResult, bool) {
	if !gjson.ValidBytes(body) {
		return AuthResult{}, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return AuthResult{}, false
	}
	if success := root.Get("success"); success.Type != gjson.True && success.Type != gjson.False {
		return AuthResult{}, false
	}
	var result AuthResult
	if err := json.Unmarshal(body, &result); err != nil {
		return AuthResult{}, false
	}
	return result, true
}
