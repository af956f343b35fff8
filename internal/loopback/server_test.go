package loopback

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	ln, _, err := Bind(nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	srv := NewServer(ln, handler, Options{MaxBodyBytes: 64, ReadTimeout: time.Second})
	srv.Start()
	t.Cleanup(func() {
		srv.Shutdown()
		<-srv.Done()
	})
	return srv
}

func roundTrip(t *testing.T, port int, raw string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err = io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestServerServesSequentialConnections(t *testing.T) {
	router := NewRouter()
	router.HandleFunc(http.MethodPost, "/echo", func(req *Request) *Response {
		return Text(http.StatusOK, string(req.Body))
	})
	srv := startTestServer(t, router)

	for i := 0; i < 3; i++ {
		resp := roundTrip(t, srv.Port(), "POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "hello" {
			t.Fatalf("attempt %d: %d %q", i, resp.StatusCode, body)
		}
	}
}

func TestServerSurvivesMalformedAndPanickingRequests(t *testing.T) {
	router := NewRouter()
	router.HandleFunc(http.MethodGet, "/panic", func(*Request) *Response { panic("boom") })
	router.HandleFunc(http.MethodGet, "/ok", func(*Request) *Response { return Text(http.StatusOK, "fine") })
	srv := startTestServer(t, router)

	resp := roundTrip(t, srv.Port(), "GARBAGE\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(srv.Port())))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = io.WriteString(conn, "GET /panic HTTP/1.1\r\n\r\n")
	_, _ = io.ReadAll(conn)
	_ = conn.Close()

	resp = roundTrip(t, srv.Port(), "GET /ok HTTP/1.1\r\n\r\n")
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "fine" {
		t.Fatalf("server did not recover: %d %q", resp.StatusCode, body)
	}
}

func TestServerStopsWhenHandlerRequestsIt(t *testing.T) {
	router := NewRouter()
	router.HandleFunc(http.MethodGet, "/close-tab", func(*Request) *Response {
		resp := HTML(http.StatusOK, "<html></html>")
		resp.StopServer = true
		return resp
	})
	srv := startTestServer(t, router)

	resp := roundTrip(t, srv.Port(), "GET /close-tab HTTP/1.1\r\n\r\n")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}
	if _, err := net.DialTimeout("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(srv.Port())), 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed")
	}
}

func TestBindFallsBackWhenPreferredPortIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, "0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = taken.Close() }()
	takenPort := taken.Addr().(*net.TCPAddr).Port

	ln, port, err := Bind([]int{takenPort})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer func() { _ = ln.Close() }()
	if port == takenPort || port == 0 {
		t.Fatalf("bound port = %d, taken = %d", port, takenPort)
	}
	if !strings.HasPrefix(ln.Addr().String(), LoopbackHost+":") {
		t.Fatalf("listener address = %s", ln.Addr())
	}
}

func TestBindPrefersFirstFreePort(t *testing.T) {
	probe, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, "0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	freePort := probe.Addr().(*net.TCPAddr).Port
	_ = probe.Close()

	ln, port, err := Bind([]int{freePort})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer func() { _ = ln.Close() }()
	if port != freePort {
		t.Fatalf("bound port = %d, want %d", port, freePort)
	}
}
