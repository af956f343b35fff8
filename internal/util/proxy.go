package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewTransport builds the outbound transport for gateway requests. dialTimeout bounds
// connection establishment. proxyURL may name a SOCKS5, HTTP or HTTPS proxy; an empty or
// unparsable value yields a direct transport.
func NewTransport(proxyURL string, dialTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: dialTimeout + 2*time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}

	trimmed := strings.TrimSpace(proxyURL)
	if trimmed == "" {
		return transport
	}
	parsed, errParse := url.Parse(trimmed)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return transport
	}

	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			username := parsed.User.Username()
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		socks, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, dialer)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return transport
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if contextDialer, ok := socks.(proxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, network, addr)
			}
			return socks.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		log.Warnf("unsupported proxy scheme %q, using direct connection", parsed.Scheme)
	}
	return transport
}
