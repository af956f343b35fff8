// Package loopback implements the small HTTP/1.1 server used for browser callbacks.
// It reads exactly one request per connection, dispatches it through a Router and
// writes one fully buffered response. It is not a general-purpose HTTP server.
package loopback

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultMaxBodyBytes caps request bodies when the server is not configured otherwise.
	DefaultMaxBodyBytes = 32 * 1024

	maxLineBytes = 8 * 1024
	maxHeaders   = 64
)

// Request is one parsed inbound request.
type Request struct {
	Method        string
	Target        string
	Path          string
	Query         url.Values
	Proto         string
	Header        map[string]string
	ContentLength int
	ContentType   string
	Body          []byte
	// BodyOmitted is set when the declared body exceeded the cap and was not read.
	BodyOmitted bool
	RemoteAddr  string
}

// HeaderValue returns a header by case-insensitive name.
func (r *Request) HeaderValue(name string) string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header[strings.ToLower(name)]
}

// MediaType returns the content type without parameters, lowercased.
func (r *Request) MediaType() string {
	mediaType, _, _ := strings.Cut(r.ContentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// ParseErrorKind classifies request framing failures.
type ParseErrorKind string

const (
	ErrKindRequestLine   ParseErrorKind = "malformed_request_line"
	ErrKindHeader        ParseErrorKind = "malformed_header"
	ErrKindTooManyHeader ParseErrorKind = "too_many_headers"
	ErrKindLineTooLong   ParseErrorKind = "line_too_long"
	ErrKindContentLength ParseErrorKind = "invalid_content_length"
	ErrKindShortBody     ParseErrorKind = "short_body"
	ErrKindUnsupported   ParseErrorKind = "unsupported_transfer_encoding"
)

// ParseError reports a request that could not be framed.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
	Cause   error
}

// Error returns a string representation of the parse error.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loopback: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("loopback: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// IsParseError reports whether err is a ParseError and returns it.
func IsParseError(err error) (*ParseError, bool) {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return parseErr, true
	}
	return nil, false
}

// parseState is the position of the parser within one request.
type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

// requestParser reads a single request from a buffered connection.
type requestParser struct {
	r       *bufio.Reader
	maxBody int
	state   parseState
	req     *Request
}

// ReadRequest parses one request from r. Bodies are read only for methods that carry one and
// only up to maxBody bytes; a larger declared length leaves Body nil and sets BodyOmitted.
func ReadRequest(r *bufio.Reader, maxBody int) (*Request, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	p := &requestParser{r: r, maxBody: maxBody, state: stateRequestLine}
	for p.state != stateDone {
		var err error
		switch p.state {
		case stateRequestLine:
			err = p.readRequestLine()
		case stateHeaders:
			err = p.readHeaderLine()
		case stateBody:
			err = p.readBody()
		}
		if err != nil {
			return nil, err
		}
	}
	return p.req, nil
}

func (p *requestParser) readRequestLine() error {
	line, err := p.readLine()
	if err != nil {
		return err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return &ParseError{Kind: ErrKindRequestLine, Message: fmt.Sprintf("expected 3 fields, got %d", len(parts))}
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return &ParseError{Kind: ErrKindRequestLine, Message: "unsupported protocol " + proto}
	}
	if !isToken(method) {
		return &ParseError{Kind: ErrKindRequestLine, Message: "invalid method"}
	}

	path, rawQuery, _ := strings.Cut(target, "?")
	if path == "" || (path[0] != '/' && path != "*") {
		return &ParseError{Kind: ErrKindRequestLine, Message: "invalid request target"}
	}
	query, errQuery := url.ParseQuery(rawQuery)
	if errQuery != nil {
		return &ParseError{Kind: ErrKindRequestLine, Message: "invalid query", Cause: errQuery}
	}
	if unescaped, errPath := url.PathUnescape(path); errPath == nil {
		path = unescaped
	}

	p.req = &Request{
		Method: strings.ToUpper(method),
		Target: target,
		Path:   path,
		Query:  query,
		Proto:  proto,
		Header: make(map[string]string),
	}
	p.state = stateHeaders
	return nil
}

func (p *requestParser) readHeaderLine() error {
	line, err := p.readLine()
	if err != nil {
		return err
	}
	if line == "" {
		return p.finishHeaders()
	}
	if len(p.req.Header) >= maxHeaders {
		return &ParseError{Kind: ErrKindTooManyHeader, Message: fmt.Sprintf("more than %d headers", maxHeaders)}
	}
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || !isToken(name) {
		return &ParseError{Kind: ErrKindHeader, Message: fmt.Sprintf("invalid header line %q", truncate(line, 64))}
	}
	key := strings.ToLower(name)
	value = strings.TrimSpace(value)
	if existing, dup := p.req.Header[key]; dup {
		if key == "content-length" && existing != value {
			return &ParseError{Kind: ErrKindContentLength, Message: "conflicting content-length headers"}
		}
		value = existing + ", " + value
	}
	p.req.Header[key] = value
	return nil
}

func (p *requestParser) finishHeaders() error {
	req := p.req
	req.ContentType = req.Header["content-type"]

	if te := req.Header["transfer-encoding"]; te != "" && !strings.EqualFold(te, "identity") {
		return &ParseError{Kind: ErrKindUnsupported, Message: "transfer-encoding " + te}
	}
	if raw, ok := req.Header["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return &ParseError{Kind: ErrKindContentLength, Message: fmt.Sprintf("invalid content-length %q", raw), Cause: err}
		}
		req.ContentLength = n
	}

	switch {
	case !methodAllowsBody(req.Method) || req.ContentLength == 0:
		p.state = stateDone
	case req.ContentLength > p.maxBody:
		req.BodyOmitted = true
		p.state = stateDone
	default:
		p.state = stateBody
	}
	return nil
}

func (p *requestParser) readBody() error {
	body := make([]byte, p.req.ContentLength)
	if _, err := io.ReadFull(p.r, body); err != nil {
		return &ParseError{Kind: ErrKindShortBody, Message: fmt.Sprintf("expected %d body bytes", p.req.ContentLength), Cause: err}
	}
	p.req.Body = body
	p.state = stateDone
	return nil
}

// readLine reads one CRLF or LF terminated line without the terminator.
func (p *requestParser) readLine() (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := p.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && p.state == stateRequestLine && len(buf) == 0 {
				return "", io.EOF
			}
			return "", &ParseError{Kind: kindForState(p.state), Message: "unexpected end of input", Cause: err}
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return "", &ParseError{Kind: ErrKindLineTooLong, Message: fmt.Sprintf("line exceeds %d bytes", maxLineBytes)}
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

func kindForState(state parseState) ParseErrorKind {
	if state == stateRequestLine {
		return ErrKindRequestLine
	}
	return ErrKindHeader
}

func methodAllowsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
