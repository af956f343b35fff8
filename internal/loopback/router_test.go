package loopback

import (
	"net/http"
	"strings"
	"testing"
)

func TestRouterPriorityOrder(t *testing.T) {
	router := NewRouter()
	router.HandlePrefix(AnyMethod, "/", HandlerFunc(func(*Request) *Response { return Text(http.StatusOK, "prefix") }))
	router.HandleFunc(http.MethodGet, "/server-identity", func(*Request) *Response { return Text(http.StatusOK, "exact") })

	tests := []struct {
		method, path, want string
		status             int
	}{
		{method: "GET", path: "/server-identity", want: "exact", status: http.StatusOK},
		{method: "POST", path: "/server-identity", want: "prefix", status: http.StatusOK},
		{method: "GET", path: "/anything", want: "prefix", status: http.StatusOK},
	}
	for _, tc := range tests {
		resp := router.ServeLoopback(&Request{Method: tc.method, Path: tc.path})
		if resp.Status != tc.status || string(resp.Body) != tc.want {
			t.Fatalf("%s %s = %d %q", tc.method, tc.path, resp.Status, resp.Body)
		}
	}
}

func TestRouterNotFoundAndPreflight(t *testing.T) {
	router := NewRouter()
	router.HandleFunc(http.MethodPost, "/auth-callback", func(*Request) *Response { return Text(http.StatusOK, "ok") })

	if resp := router.ServeLoopback(&Request{Method: "GET", Path: "/auth-callback"}); resp.Status != http.StatusNotFound {
		t.Fatalf("wrong method status = %d", resp.Status)
	}
	if resp := router.ServeLoopback(&Request{Method: "PUT", Path: "/nope"}); resp.Status != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.Status)
	}

	resp := router.ServeLoopback(&Request{Method: http.MethodOptions, Path: "/anything/at/all"})
	if resp.Status != http.StatusOK || len(resp.Body) != 0 {
		t.Fatalf("preflight = %d %q", resp.Status, resp.Body)
	}
	if resp.HeaderValue("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS origin header")
	}
}

func TestResponseBytes(t *testing.T) {
	resp := JSON(http.StatusConflict, []byte(`{"ok":false}`))
	resp.SetHeader("X-Injected", "a\r\nSet-Cookie: x")
	resp.SetHeader("Content-Length", "999")

	out := string(resp.Bytes())
	if !strings.HasPrefix(out, "HTTP/1.1 409 Conflict\r\n") {
		t.Fatalf("status line = %q", out)
	}
	if !strings.Contains(out, "Content-Length: 12\r\n") || strings.Contains(out, "999") {
		t.Fatalf("content length not computed: %q", out)
	}
	if strings.Contains(out, "\r\nSet-Cookie") {
		t.Fatalf("header injection not neutralized: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n{\"ok\":false}") {
		t.Fatalf("body not at end: %q", out)
	}
}
