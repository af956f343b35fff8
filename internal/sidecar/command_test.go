package sidecar

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, res, dev string)
		wantPath func(res, dev string) string
		wantArgs int
		wantErr  error
	}{
		{
			name: "bundled with node_modules",
			setup: func(t *testing.T, res, dev string) {
				touch(t, filepath.Join(res, "personal-server", "dist", BinaryName()))
				_ = os.MkdirAll(filepath.Join(res, "personal-server", "dist", "node_modules"), 0o755)
				touch(t, filepath.Join(dev, "dist", BinaryName()))
			},
			wantPath: func(res, dev string) string {
				return filepath.Join(res, "personal-server", "dist", BinaryName())
			},
		},
		{
			name: "bundled without node_modules falls through",
			setup: func(t *testing.T, res, dev string) {
				touch(t, filepath.Join(res, "personal-server", "dist", BinaryName()))
				touch(t, filepath.Join(res, "binaries", BinaryName()))
				_ = os.MkdirAll(filepath.Join(res, "binaries", "node_modules"), 0o755)
			},
			wantPath: func(res, dev string) string {
				return filepath.Join(res, "binaries", BinaryName())
			},
		},
		{
			name: "dev binary",
			setup: func(t *testing.T, res, dev string) {
				touch(t, filepath.Join(dev, "dist", BinaryName()))
			},
			wantPath: func(res, dev string) string {
				return filepath.Join(dev, "dist", BinaryName())
			},
		},
		{
			name: "dev script runs with node",
			setup: func(t *testing.T, res, dev string) {
				touch(t, filepath.Join(dev, "index.js"))
			},
			wantPath: func(res, dev string) string { return "node" },
			wantArgs: 1,
		},
		{
			name:    "nothing found",
			setup:   func(t *testing.T, res, dev string) {},
			wantErr: ErrBinaryNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, dev := t.TempDir(), t.TempDir()
			tc.setup(t, res, dev)
			cmd, err := ResolveCommand(Config{ResourceDir: res, DevDir: dev})
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if cmd.Path != tc.wantPath(res, dev) || len(cmd.Args) != tc.wantArgs {
				t.Fatalf("command = %+v", cmd)
			}
		})
	}
}

func TestResolveCommandWithoutDirectories(t *testing.T) {
	if _, err := ResolveCommand(Config{}); !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAllocatePortSkipsBusyPreference(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	busy := ln.Addr().(*net.TCPAddr).Port

	if PortFree(busy) {
		t.Fatal("bound port reported free")
	}
	port, err := AllocatePort([]int{busy})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port == busy || port == 0 {
		t.Fatalf("allocated %d, busy was %d", port, busy)
	}
}

func TestOutcomeCrashed(t *testing.T) {
	zero, three := 0, 3
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{Outcome{Kind: GracefulStop, Code: &three}, false},
		{Outcome{Kind: Exited, Code: &zero}, false},
		{Outcome{Kind: Exited, Code: &three}, true},
		{Outcome{Kind: Exited}, true},
		{Outcome{Kind: SpawnFailed}, true},
	}
	for _, tc := range tests {
		if got := tc.outcome.Crashed(); got != tc.want {
			t.Fatalf("%s code=%v Crashed() = %t", tc.outcome.Kind, tc.outcome.Code, got)
		}
	}
}
