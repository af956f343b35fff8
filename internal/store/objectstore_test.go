package store

import (
	"errors"
	"testing"
)

func TestNewObjectMirrorValidation(t *testing.T) {
	if _, err := NewObjectMirror(ObjectStoreConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("empty endpoint err = %v", err)
	}
	if _, err := NewObjectMirror(ObjectStoreConfig{Endpoint: "s3.local:9000"}); err == nil {
		t.Fatal("expected bucket error")
	}
}

func TestObjectMirrorKeys(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "exports/github/r1.json"},
		{prefix: "/team-a/", want: "team-a/exports/github/r1.json"},
	}
	for _, tc := range tests {
		mirror, err := NewObjectMirror(ObjectStoreConfig{
			Endpoint:  "localhost:9000",
			Bucket:    "exports",
			AccessKey: "minio",
			SecretKey: "minio123",
			Prefix:    tc.prefix,
			PathStyle: true,
		})
		if err != nil {
			t.Fatalf("new mirror: %v", err)
		}
		if got := mirror.prefixedKey(ExportKey("github", "r1")); got != tc.want {
			t.Fatalf("prefix %q: key = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestIsObjectNotFound(t *testing.T) {
	if isObjectNotFound(nil) {
		t.Fatal("nil error reported as not found")
	}
	if isObjectNotFound(errors.New("dial tcp: connection refused")) {
		t.Fatal("transport error reported as not found")
	}
}
