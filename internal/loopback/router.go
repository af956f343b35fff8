package loopback

import (
	"net/http"
	"strings"
)

// Handler produces the response for one request.
type Handler interface {
	ServeLoopback(req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) *Response

// ServeLoopback calls f(req).
func (f HandlerFunc) ServeLoopback(req *Request) *Response { return f(req) }

// AnyMethod matches every method in a route.
const AnyMethod = "*"

type route struct {
	method  string
	path    string
	prefix  bool
	handler Handler
}

func (rt route) matches(req *Request) bool {
	if rt.method != AnyMethod && rt.method != req.Method {
		return false
	}
	if rt.prefix {
		return strings.HasPrefix(req.Path, rt.path)
	}
	return req.Path == rt.path
}

// Router dispatches requests by (method, path). Exact routes are evaluated first in
// registration order, then prefix routes, then the fallback. OPTIONS on any path is
// answered with a CORS preflight before any route is consulted.
type Router struct {
	exact    []route
	prefix   []route
	fallback Handler

	// PreflightMethods and PreflightHeaders are advertised on OPTIONS responses.
	PreflightMethods string
	PreflightHeaders string
}

// NewRouter creates a router whose fallback answers 404.
func NewRouter() *Router {
	return &Router{
		fallback:         HandlerFunc(NotFound),
		PreflightMethods: "GET, POST, DELETE, OPTIONS",
		PreflightHeaders: "Content-Type, Authorization",
	}
}

// Handle registers an exact-path route.
func (r *Router) Handle(method, path string, h Handler) {
	r.exact = append(r.exact, route{method: strings.ToUpper(method), path: path, handler: h})
}

// HandleFunc registers an exact-path route from a function.
func (r *Router) HandleFunc(method, path string, fn func(*Request) *Response) {
	r.Handle(method, path, HandlerFunc(fn))
}

// HandlePrefix registers a prefix route, evaluated after every exact route.
func (r *Router) HandlePrefix(method, prefix string, h Handler) {
	r.prefix = append(r.prefix, route{method: strings.ToUpper(method), path: prefix, prefix: true, handler: h})
}

// SetFallback replaces the 404 handler.
func (r *Router) SetFallback(h Handler) {
	if h != nil {
		r.fallback = h
	}
}

// ServeLoopback dispatches req.
func (r *Router) ServeLoopback(req *Request) *Response {
	if req.Method == http.MethodOptions {
		return Preflight(r.PreflightMethods, r.PreflightHeaders)
	}
	for _, rt := range r.exact {
		if rt.matches(req) {
			return rt.handler.ServeLoopback(req)
		}
	}
	for _, rt := range r.prefix {
		if rt.matches(req) {
			return rt.handler.ServeLoopback(req)
		}
	}
	return r.fallback.ServeLoopback(req)
}

// Preflight answers a CORS preflight with 200 and no body.
func Preflight(methods, headers string) *Response {
	return (&Response{Status: http.StatusOK}).WithCORS(methods, headers)
}

// NotFound answers 404 with a plain-text body.
func NotFound(*Request) *Response {
	return Text(http.StatusNotFound, "Not Found")
}
