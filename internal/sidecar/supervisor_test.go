//go:build !windows

package sidecar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opendatalabs/databridge/internal/events"
)

const (
	readyThenWait = `#!/bin/sh
echo "starting"
printf '{"type":"ready","port":%s}\n' "$PORT"
printf '{"type":"dev-token","token":"dev-123"}\n'
printf '{"type":"tunnel","url":"https://t.example"}\n'
trap 'exit 0' TERM
while :; do sleep 0.05; done
`
	readyThenCrash = `#!/bin/sh
printf '{"type":"ready","port":%s}\n' "$PORT"
printf '{"type":"error","message":"db locked"}\n'
sleep 0.1
exit 3
`
	ignoreTerm = `#!/bin/sh
trap '' TERM
printf '{"type":"ready"}\n'
while :; do sleep 0.05; done
`
)

func writeDevBinary(t *testing.T, script string) string {
	t.Helper()
	dev := t.TempDir()
	dist := filepath.Join(dev, "dist")
	if err := os.MkdirAll(dist, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dist, BinaryName()), []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dev
}

func newTestSupervisor(t *testing.T, script string) (*Supervisor, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	s := New(Config{DevDir: writeDevBinary(t, script), PreferredPorts: []int{0}}, rec)
	s.pollInterval = 20 * time.Millisecond
	t.Cleanup(s.Shutdown)
	return s, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartIsIdempotent(t *testing.T) {
	s, rec := newTestSupervisor(t, readyThenWait)

	first, err := s.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !first.Running || first.PID == 0 || first.Port == 0 {
		t.Fatalf("first status = %+v", first)
	}
	second, err := s.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.PID != first.PID {
		t.Fatalf("second start spawned pid %d, first was %d", second.PID, first.PID)
	}

	waitFor(t, "ready event", func() bool { return rec.Count(events.SidecarReady) == 1 })
	ready := rec.Named(events.SidecarReady)[0].Payload.(ReadyPayload)
	if ready.Port != first.Port {
		t.Fatalf("ready port = %d, want %d", ready.Port, first.Port)
	}
	waitFor(t, "dev token", func() bool { return s.Status().DevToken == "dev-123" })
	if s.Status().State != StateRunning {
		t.Fatalf("state = %s", s.Status().State)
	}
	waitFor(t, "tunnel event", func() bool { return rec.Count(events.SidecarTunnel) == 1 })
	if port, ok := s.Port(); !ok || port != first.Port {
		t.Fatalf("Port() = %d %t", port, ok)
	}
}

func TestStopIsNotACrash(t *testing.T) {
	s, rec := newTestSupervisor(t, readyThenWait)
	if _, err := s.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "ready event", func() bool { return rec.Count(events.SidecarReady) == 1 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := s.Status()
	if st.Running || st.State != StateStopped || st.DevToken != "" {
		t.Fatalf("status after stop = %+v", st)
	}
	if n := rec.Count(events.SidecarExited); n != 0 {
		t.Fatalf("exited events after stop = %d, want 0", n)
	}
	if _, ok := s.Port(); ok {
		t.Fatal("port still tracked after stop")
	}
}

func TestUnexpectedExitIsReportedAndClearsSlot(t *testing.T) {
	s, rec := newTestSupervisor(t, readyThenCrash)
	if _, err := s.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "exit event", func() bool { return rec.Count(events.SidecarExited) == 1 })

	exit := rec.Named(events.SidecarExited)[0].Payload.(ExitPayload)
	if !exit.Crashed || exit.ExitCode == nil || *exit.ExitCode != 3 {
		t.Fatalf("exit payload = %+v", exit)
	}
	if errs := rec.Named(events.SidecarError); len(errs) != 1 || errs[0].Payload.(MessagePayload).Message != "db locked" {
		t.Fatalf("error events = %+v", errs)
	}
	if st := s.Status(); st.Running || st.State != StateCrashed {
		t.Fatalf("status after crash = %+v", st)
	}

	again, err := s.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !again.Running {
		t.Fatalf("restart status = %+v", again)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	s, rec := newTestSupervisor(t, ignoreTerm)
	if _, err := s.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "ready event", func() bool { return rec.Count(events.SidecarReady) == 1 })

	start := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
	if s.Status().Running {
		t.Fatal("helper still tracked after forced stop")
	}
	if rec.Count(events.SidecarExited) != 0 {
		t.Fatal("forced stop reported as exit")
	}
}

func TestStartWithoutBinaryEmitsError(t *testing.T) {
	rec := &events.Recorder{}
	s := New(Config{DevDir: t.TempDir()}, rec)

	_, err := s.Start(context.Background(), StartOptions{})
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("err = %v, want ErrBinaryNotFound", err)
	}
	if rec.Count(events.SidecarError) != 1 {
		t.Fatal("expected sidecar-error event")
	}
	exits := rec.Named(events.SidecarExited)
	if len(exits) != 1 || !exits[0].Payload.(ExitPayload).Crashed {
		t.Fatalf("exit events = %+v", exits)
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("state = %s", st.State)
	}
}

func TestEnvironmentCarriesOptions(t *testing.T) {
	env := Environment([]string{"HOME=/h"}, 8081, "/cfg", StartOptions{MasterKeySignature: "0xsig", OwnerAddress: "0xowner"})
	joined := strings.Join(env, "\n")
	for _, want := range []string{"HOME=/h", "PORT=8081", "NODE_ENV=production", "CONFIG_DIR=/cfg", "VANA_MASTER_KEY_SIGNATURE=0xsig", "OWNER_ADDRESS=0xowner"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("environment missing %s: %v", want, env)
		}
	}
	if strings.Contains(joined, "GATEWAY_URL=") {
		t.Fatal("empty gateway url should not be exported")
	}
}
