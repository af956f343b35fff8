package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/opendatalabs/databridge/internal/events"
	log "github.com/sirupsen/logrus"
)

const (
	streamBuffer = 256
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowedOrigin,
}

// allowedOrigin accepts requests without an Origin header, loopback pages and the
// desktop shell's custom schemes.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "tauri", "app":
		return true
	case "http", "https":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
	default:
		return false
	}
}

type eventStream struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (s *eventStream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// EventStream upgrades to a websocket and writes every application event as one JSON
// text frame. Client frames are read and discarded; they only keep the connection alive.
func (h *Handler) EventStream(c *gin.Context) {
	if h.backend.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("event stream upgrade failed")
		return
	}

	stream := &eventStream{conn: conn, done: make(chan struct{})}
	h.streamsMu.Lock()
	h.streams[stream] = struct{}{}
	h.streamsMu.Unlock()

	ch, cancel := h.backend.Events.Subscribe(streamBuffer)
	defer func() {
		cancel()
		stream.close()
		h.streamsMu.Lock()
		delete(h.streams, stream)
		h.streamsMu.Unlock()
	}()

	go readPump(stream)
	writePump(stream, ch)
}

func readPump(s *eventStream) {
	defer s.close()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("event stream closed unexpectedly")
			}
			return
		}
	}
}

func writePump(s *eventStream, ch <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-ch:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) closeStreams() {
	h.streamsMu.Lock()
	streams := make([]*eventStream, 0, len(h.streams))
	for s := range h.streams {
		streams = append(streams, s)
	}
	h.streamsMu.Unlock()
	for _, s := range streams {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		s.close()
	}
}
