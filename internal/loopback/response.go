package loopback

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HeaderField is one response header. Order is preserved on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Response is a fully buffered reply. Content-Length and Connection are always written
// by the server and must not be set by handlers.
type Response struct {
	Status int
	Header []HeaderField
	Body   []byte
	// StopServer ends the accept loop once this response has been written.
	StopServer bool
}

// NewResponse creates a response with the given status, content type and body.
func NewResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{Status: status, Body: body}
	if contentType != "" {
		resp.SetHeader("Content-Type", contentType)
	}
	return resp
}

// JSON creates an application/json response from already encoded bytes.
func JSON(status int, body []byte) *Response {
	return NewResponse(status, "application/json", body)
}

// Text creates a text/plain response.
func Text(status int, body string) *Response {
	return NewResponse(status, "text/plain; charset=utf-8", []byte(body))
}

// HTML creates a text/html response.
func HTML(status int, body string) *Response {
	return NewResponse(status, "text/html; charset=utf-8", []byte(body))
}

// SetHeader replaces any header with the same name.
func (r *Response) SetHeader(name, value string) *Response {
	for i := range r.Header {
		if strings.EqualFold(r.Header[i].Name, name) {
			r.Header[i].Value = value
			return r
		}
	}
	r.Header = append(r.Header, HeaderField{Name: name, Value: value})
	return r
}

// HeaderValue returns the value of the named header.
func (r *Response) HeaderValue(name string) string {
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// WithCORS adds permissive CORS headers for the given methods and request headers.
func (r *Response) WithCORS(methods, headers string) *Response {
	r.SetHeader("Access-Control-Allow-Origin", "*")
	if methods != "" {
		r.SetHeader("Access-Control-Allow-Methods", methods)
	}
	if headers != "" {
		r.SetHeader("Access-Control-Allow-Headers", headers)
	}
	return r
}

// Bytes serializes the response as an HTTP/1.1 message.
func (r *Response) Bytes() []byte {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Status"
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(r.Body))
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\n")
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, "Content-Length") || strings.EqualFold(h.Name, "Connection") {
			continue
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(sanitizeHeaderValue(h.Value))
		buf.WriteString("\r\n")
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(r.Body)))
	buf.WriteString("\r\nConnection: close\r\n\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// WriteTo writes the serialized response in a single call.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
