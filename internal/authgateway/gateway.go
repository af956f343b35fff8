// Package authgateway runs the browser sign-in flow: it mints a callback state, binds the
// loopback callback server, opens the identity provider and turns the redirect-back POST
// into an auth-complete event. The same loopback server proxies the personal server
// registration routes the webview cannot reach directly.
package authgateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendatalabs/databridge/internal/callbackstate"
	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/loopback"
	log "github.com/sirupsen/logrus"
)

const previousServerStopTimeout = 2 * time.Second

// Config configures a Gateway.
type Config struct {
	ExternalURL   string
	CallbackPorts []int
	MaxBodyBytes  int
	ReadTimeout   time.Duration
}

// FlowInfo describes a started flow. It is also the auth-started payload.
type FlowInfo struct {
	CallbackPort int       `json:"callbackPort"`
	AuthURL      string    `json:"authUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// FlowStatus reports the gateway state to the control API.
type FlowStatus struct {
	Listening    bool       `json:"listening"`
	CallbackPort int        `json:"callbackPort,omitempty"`
	Pending      bool       `json:"pending"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Opener shows a URL to the user, normally in the system browser.
type Opener func(url string) error

// Gateway owns the loopback callback server for the current flow.
type Gateway struct {
	cfg     Config
	issuer  *callbackstate.Issuer
	emitter events.Emitter
	proxy   *ProxyRouter
	focuser WindowFocuser
	closer  TabCloser
	opener  Opener

	mu     sync.Mutex
	server *loopback.Server
	port   int
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithFocuser sets the window focuser used after a successful callback.
func WithFocuser(f WindowFocuser) Option { return func(g *Gateway) { g.focuser = f } }

// WithTabCloser sets the collaborator that closes the finished browser tab.
func WithTabCloser(c TabCloser) Option { return func(g *Gateway) { g.closer = c } }

// WithOpener sets how the auth URL is shown to the user.
func WithOpener(o Opener) Option { return func(g *Gateway) { g.opener = o } }

// New creates a gateway. proxy may be nil, in which case only the callback routes exist.
func New(cfg Config, issuer *callbackstate.Issuer, emitter events.Emitter, proxy *ProxyRouter, opts ...Option) *Gateway {
	if emitter == nil {
		emitter = events.Discard
	}
	g := &Gateway{
		cfg:     cfg,
		issuer:  issuer,
		emitter: emitter,
		proxy:   proxy,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Router builds the loopback route table: exact routes, then the proxy, then 404.
func (g *Gateway) Router() *loopback.Router {
	callback := NewCallbackRoute(g.issuer, g.emitter, g.focuser, g.cfg.MaxBodyBytes)

	router := loopback.NewRouter()
	router.Handle(http.MethodPost, "/auth-callback", callback)
	router.Handle(http.MethodPost, "/", callback)
	router.HandleFunc(http.MethodGet, "/", landingPage)
	router.Handle(http.MethodGet, "/close-tab", closeTabPage(g.closer))
	if g.proxy != nil {
		router.HandlePrefix(loopback.AnyMethod, "/", g.proxy)
	}
	return router
}

// StartFlow issues a fresh state, (re)binds the callback server and opens the identity
// provider. A server left over from an earlier flow is shut down first so its port can be
// reused.
func (g *Gateway) StartFlow(ctx context.Context) (FlowInfo, error) {
	g.stopServer()

	state, err := g.issuer.Issue()
	if err != nil {
		return FlowInfo{}, fmt.Errorf("authgateway: issue state: %w", err)
	}

	if err = ctx.Err(); err != nil {
		g.issuer.Clear()
		return FlowInfo{}, err
	}

	ln, port, err := loopback.Bind(g.cfg.CallbackPorts)
	if err != nil {
		g.issuer.Clear()
		return FlowInfo{}, fmt.Errorf("authgateway: %w", err)
	}
	srv := loopback.NewServer(ln, g.Router(), loopback.Options{
		MaxBodyBytes: g.cfg.MaxBodyBytes,
		ReadTimeout:  g.cfg.ReadTimeout,
	})

	g.mu.Lock()
	g.server = srv
	g.port = port
	g.mu.Unlock()
	srv.Start()
	go g.forgetWhenDone(srv)

	authURL, err := BuildAuthURL(g.externalURL(), port, state.Token)
	if err != nil {
		g.stopServer()
		g.issuer.Clear()
		return FlowInfo{}, err
	}
	info := FlowInfo{CallbackPort: port, AuthURL: authURL, ExpiresAt: state.ExpiresAt()}

	log.WithFields(log.Fields{"component": "authgateway", "port": port}).Info("auth callback server listening")
	g.emitter.Emit(events.AuthStarted, info)

	if g.opener != nil {
		if errOpen := g.opener(authURL); errOpen != nil {
			log.WithField("component", "authgateway").Warnf("could not open auth url: %v", errOpen)
		}
	}
	return info, nil
}

// Stop shuts down the callback server and drops the pending state.
func (g *Gateway) Stop() {
	g.stopServer()
	g.issuer.Clear()
}

// Status reports whether a callback server is listening and a state is pending.
func (g *Gateway) Status() FlowStatus {
	g.mu.Lock()
	status := FlowStatus{Listening: g.server != nil, CallbackPort: g.port}
	g.mu.Unlock()

	if st, ok := g.issuer.Pending(); ok {
		status.Pending = true
		expires := st.ExpiresAt()
		status.ExpiresAt = &expires
	}
	if !status.Listening {
		status.CallbackPort = 0
	}
	return status
}

// SetGatewayURL forwards a gateway origin change to the proxy routes.
func (g *Gateway) SetGatewayURL(gatewayURL string) {
	if g.proxy != nil {
		g.proxy.SetGatewayURL(gatewayURL)
	}
}

// SetExternalURL changes the identity provider URL used by later flows.
func (g *Gateway) SetExternalURL(externalURL string) {
	g.mu.Lock()
	g.cfg.ExternalURL = externalURL
	g.mu.Unlock()
}

func (g *Gateway) externalURL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.ExternalURL
}

func (g *Gateway) stopServer() {
	g.mu.Lock()
	srv := g.server
	g.server = nil
	g.port = 0
	g.mu.Unlock()

	if srv == nil {
		return
	}
	srv.Shutdown()
	select {
	case <-srv.Done():
	case <-time.After(previousServerStopTimeout):
		log.WithField("component", "authgateway").Warn("previous callback server did not stop in time")
	}
}

// forgetWhenDone clears the slot once a handler (close-tab) has ended the accept loop.
func (g *Gateway) forgetWhenDone(srv *loopback.Server) {
	<-srv.Done()
	g.mu.Lock()
	if g.server == srv {
		g.server = nil
		g.port = 0
	}
	g.mu.Unlock()
}

// BuildAuthURL appends the return-to-app parameters to the identity provider URL.
func BuildAuthURL(externalURL string, port int, token string) (string, error) {
	base := strings.TrimSpace(externalURL)
	if base == "" {
		return "", fmt.Errorf("authgateway: external auth url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("authgateway: parse external auth url: %w", err)
	}
	q := u.Query()
	q.Set("mode", "return_to_app")
	q.Set("callbackPort", strconv.Itoa(port))
	q.Set("callbackState", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
