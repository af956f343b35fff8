package authgateway

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxUpstreamBody caps what is relayed back from the gateway.
const maxUpstreamBody = 1 << 20

// acceptEncoding is advertised upstream; responses are decoded before being relayed
// because the loopback response never carries a Content-Encoding.
const acceptEncoding = "gzip, br, zstd"

// decodeBody reads body according to a Content-Encoding header value.
func decodeBody(encoding string, body io.Reader) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		reader = body
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(body)
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		reader = dec
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxUpstreamBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUpstreamBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", maxUpstreamBody)
	}
	return data, nil
}
