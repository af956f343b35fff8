// Package protocol decodes the newline-delimited JSON that helper processes write to stdout.
// Every line is an object with a "type" discriminator; the rest of the object is kept raw so
// structured payloads reach the UI unchanged.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxLineBytes bounds a single protocol line.
const MaxLineBytes = 4 << 20

// Kind is the value of the "type" field.
type Kind string

const (
	KindReady        Kind = "ready"
	KindLog          Kind = "log"
	KindStatus       Kind = "status"
	KindResult       Kind = "result"
	KindError        Kind = "error"
	KindData         Kind = "data"
	KindTunnel       Kind = "tunnel"
	KindTunnelFailed Kind = "tunnel-failed"
	KindDevToken     Kind = "dev-token"
	KindUnknown      Kind = ""
)

var (
	// ErrNotJSON is returned for lines that are not a JSON object.
	ErrNotJSON = errors.New("protocol: line is not a JSON object")
	// ErrNoType is returned for objects without a string "type" field.
	ErrNoType = errors.New("protocol: missing type field")
)

// Message is one decoded line.
type Message struct {
	Type Kind
	Raw  []byte
}

// Decode parses one line. Unknown type values decode successfully with their literal Kind.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return Message{}, ErrNotJSON
	}
	t := gjson.GetBytes(line, "type")
	if t.Type != gjson.String || t.Str == "" {
		return Message{}, ErrNoType
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	return Message{Type: Kind(t.Str), Raw: raw}, nil
}

// Known reports whether the kind is part of the protocol.
func (k Kind) Known() bool {
	switch k {
	case KindReady, KindLog, KindStatus, KindResult, KindError, KindData, KindTunnel, KindTunnelFailed, KindDevToken:
		return true
	default:
		return false
	}
}

// Get returns the value at a gjson path.
func (m Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Raw, path)
}

// String returns the string at path, or "" when absent.
func (m Message) String(path string) string {
	return m.Get(path).String()
}

// Int returns the integer at path and whether it was present.
func (m Message) Int(path string) (int, bool) {
	v := m.Get(path)
	if v.Type != gjson.Number {
		return 0, false
	}
	return int(v.Int()), true
}

// JSON returns the raw JSON at path, or nil when absent.
func (m Message) JSON(path string) []byte {
	v := m.Get(path)
	if !v.Exists() {
		return nil
	}
	return []byte(v.Raw)
}

// NewScanner returns a line scanner sized for protocol messages.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return scanner
}

// Encode builds one protocol line from key/value pairs, ending with a newline.
// Values are set with sjson, so nested paths such as "meta.source" are allowed.
func Encode(kind Kind, fields ...any) ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "type", string(kind))
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			return nil, errors.New("protocol: field keys must be strings")
		}
		if out, err = sjson.SetBytes(out, key, fields[i+1]); err != nil {
			return nil, err
		}
	}
	return append(out, '\n'), nil
}
