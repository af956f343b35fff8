package authgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/loopback"
	"github.com/opendatalabs/databridge/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	corsIdentity = "GET, POST, OPTIONS"
	corsGateway  = "GET, POST, DELETE, OPTIONS"
	corsHeaders  = "Content-Type, Authorization"
)

// PortSource reports the port of the running personal server, if any.
type PortSource interface {
	Port() (int, bool)
}

// ServerRegistration is published after the gateway accepted (or already knew) a server.
type ServerRegistration struct {
	Status   int     `json:"status"`
	ServerID *string `json:"serverId"`
}

// ProxyConfig configures outbound calls.
type ProxyConfig struct {
	GatewayURL     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ProxyURL       string
}

// ProxyRouter forwards the server registration routes to the remote gateway and the
// identity route to the local personal server.
type ProxyRouter struct {
	mu             sync.RWMutex
	gatewayURL     string
	client         *http.Client
	requestTimeout time.Duration
	ports          PortSource
	emitter        events.Emitter
}

// NewProxyRouter creates a router. ports may be nil when no personal server is managed.
func NewProxyRouter(cfg ProxyConfig, ports PortSource, emitter events.Emitter) *ProxyRouter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &ProxyRouter{
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		client: &http.Client{
			Transport: util.NewTransport(cfg.ProxyURL, cfg.ConnectTimeout),
			Timeout:   cfg.RequestTimeout,
		},
		requestTimeout: cfg.RequestTimeout,
		ports:          ports,
		emitter:        emitter,
	}
}

// SetGatewayURL swaps the gateway origin, e.g. after a config reload.
func (p *ProxyRouter) SetGatewayURL(gatewayURL string) {
	p.mu.Lock()
	p.gatewayURL = strings.TrimRight(gatewayURL, "/")
	p.mu.Unlock()
}

// GatewayURL returns the current gateway origin.
func (p *ProxyRouter) GatewayURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gatewayURL
}

// ServeLoopback dispatches the proxied routes and answers 404 for anything else.
func (p *ProxyRouter) ServeLoopback(req *loopback.Request) *loopback.Response {
	switch {
	case req.Method == http.MethodGet && req.Path == "/server-identity":
		return p.serverIdentity()
	case req.Method == http.MethodPost && req.Path == "/register-server":
		return p.registerServer(req)
	case req.Method == http.MethodGet && req.Path == "/check-server-url":
		return p.checkServerURL(req)
	case req.Method == http.MethodPost && req.Path == "/deregister-server":
		return p.deregisterServer(req)
	default:
		return loopback.NotFound(req)
	}
}

func (p *ProxyRouter) serverIdentity() *loopback.Response {
	port, ok := 0, false
	if p.ports != nil {
		port, ok = p.ports.Port()
	}
	if !ok || port <= 0 {
		return jsonError(http.StatusServiceUnavailable, "Personal server not running", corsIdentity)
	}
	upstream, err := p.forward(http.MethodGet, fmt.Sprintf("http://localhost:%d/health", port), "", nil)
	if err != nil {
		return upstreamError(err, corsIdentity)
	}
	return upstream.response(corsIdentity)
}

func (p *ProxyRouter) registerServer(req *loopback.Request) *loopback.Response {
	body, bad := requireJSONBody(req, corsGateway)
	if bad != nil {
		return bad
	}
	signature := gjson.GetBytes(body, "signature").String()
	message := gjson.GetBytes(body, "message")
	if signature == "" || !message.Exists() {
		return jsonError(http.StatusBadRequest, "signature and message are required", corsGateway)
	}

	upstream, err := p.forward(http.MethodPost, p.GatewayURL()+"/v1/servers", "Web3Signed "+signature, []byte(message.Raw))
	if err != nil {
		return upstreamError(err, corsGateway)
	}
	log.WithFields(log.Fields{"component": "gateway", "status": upstream.status}).Info("gateway register response")

	switch upstream.status {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		p.emitter.Emit(events.ServerRegistered, ServerRegistration{
			Status:   upstream.status,
			ServerID: serverIDFrom(upstream.body),
		})
	}
	return upstream.response(corsGateway)
}

func (p *ProxyRouter) checkServerURL(req *loopback.Request) *loopback.Response {
	address := strings.TrimSpace(req.Query.Get("address"))
	if address == "" {
		return jsonError(http.StatusBadRequest, "Missing address parameter", corsGateway)
	}
	upstream, err := p.forward(http.MethodGet, p.GatewayURL()+"/v1/servers/"+url.PathEscape(address), "", nil)
	if err != nil {
		return upstreamError(err, corsGateway)
	}
	return upstream.response(corsGateway)
}

func (p *ProxyRouter) deregisterServer(req *loopback.Request) *loopback.Response {
	body, bad := requireJSONBody(req, corsGateway)
	if bad != nil {
		return bad
	}
	serverAddress := gjson.GetBytes(body, "serverAddress").String()
	signature := gjson.GetBytes(body, "signature").String()
	if serverAddress == "" || signature == "" {
		return jsonError(http.StatusBadRequest, "serverAddress and signature are required", corsGateway)
	}

	payload, _ := sjson.SetBytes([]byte(`{}`), "ownerAddress", gjson.GetBytes(body, "ownerAddress").String())
	payload, _ = sjson.SetBytes(payload, "deadline", gjson.GetBytes(body, "deadline").Uint())

	upstream, err := p.forward(http.MethodDelete, p.GatewayURL()+"/v1/servers/"+url.PathEscape(serverAddress), "Web3Signed "+signature, payload)
	if err != nil {
		return upstreamError(err, corsGateway)
	}
	log.WithFields(log.Fields{"component": "gateway", "status": upstream.status}).Info("gateway deregister response")
	return upstream.response(corsGateway)
}

type upstreamResult struct {
	status int
	body   []byte
}

func (u upstreamResult) response(cors string) *loopback.Response {
	return loopback.JSON(u.status, u.body).WithCORS(cors, corsHeaders)
}

// forward makes one outbound call. No lock is held while it runs.
func (p *ProxyRouter) forward(method, target, authorization string, body []byte) (upstreamResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return upstreamResult{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return upstreamResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return upstreamResult{}, fmt.Errorf("read upstream body: %w", err)
	}
	return upstreamResult{status: resp.StatusCode, body: data}, nil
}

func requireJSONBody(req *loopback.Request, cors string) ([]byte, *loopback.Response) {
	if req.BodyOmitted || len(req.Body) == 0 {
		return nil, jsonError(http.StatusBadRequest, "invalid content length", cors)
	}
	if !gjson.ValidBytes(req.Body) {
		return nil, jsonError(http.StatusBadRequest, "Invalid request body", cors)
	}
	return req.Body, nil
}

func serverIDFrom(body []byte) *string {
	for _, path := range []string{"serverId", "id", "server.id"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			id := v.Str
			return &id
		}
	}
	return nil
}

func jsonError(status int, message, cors string) *loopback.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return loopback.JSON(status, body).WithCORS(cors, corsHeaders)
}

func upstreamError(err error, cors string) *loopback.Response {
	log.WithField("component", "gateway").Warnf("upstream request failed: %v", err)
	return jsonError(http.StatusBadGateway, err.Error(), cors)
}
