//go:build !windows

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opendatalabs/databridge/internal/events"
	"github.com/tidwall/gjson"
)

const (
	resultScript = `#!/bin/sh
read -r line
printf '%s\n' "$line" > "$(dirname "$0")/stdin.json"
echo '{"type":"ready"}'
echo 'not json at all'
echo '{"type":"log","message":"opening page"}'
echo '{"type":"status","status":{"type":"COLLECTING","progress":0.5}}'
echo '{"type":"status","status":"plain text status"}'
echo '{"type":"data","key":"profile","value":{"name":"ada"}}'
echo '{"type":"result","data":{"items":[1,2,3]}}'
`
	silentScript = `#!/bin/sh
read -r line
exit 0
`
	errorScript = `#!/bin/sh
read -r line
echo '{"type":"error","message":"login required"}'
exit 1
`
	hangScript = `#!/bin/sh
read -r line
echo '{"type":"ready"}'
sleep 30 &
wait
`
)

type sinkRecorder struct {
	mu      sync.Mutex
	exports []Export
}

func (s *sinkRecorder) SaveExport(_ context.Context, exp Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = append(s.exports, exp)
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exports)
}

type closerRecorder struct {
	closed []string
}

func (c *closerRecorder) CloseRunWindow(runID string) error {
	c.closed = append(c.closed, runID)
	return nil
}

func writeRunner(t *testing.T, script string) string {
	t.Helper()
	res := t.TempDir()
	dir := filepath.Join(res, "playwright-runner")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, BinaryName()), []byte(script), 0o755); err != nil {
		t.Fatalf("write runner: %v", err)
	}
	return res
}

func newTestManager(t *testing.T, script string, opts ...Option) (*Manager, *events.Recorder, string) {
	t.Helper()
	res := writeRunner(t, script)
	rec := &events.Recorder{}
	m := NewManager(Config{ResourceDir: res, Headless: true}, rec, opts...)
	m.pollInterval = 20 * time.Millisecond
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	return m, rec, res
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

func TestRunTranslatesProtocol(t *testing.T) {
	sink := &sinkRecorder{}
	m, rec, res := newTestManager(t, resultScript, WithResultSink(sink))
	headful := false

	info, err := m.Start(context.Background(), RunRequest{
		RunID:         "run-1",
		PlatformID:    "github",
		Company:       "GitHub",
		Name:          "Profile",
		ConnectorPath: "/connectors/github.js",
		URL:           "https://github.com/login",
		Headless:      &headful,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.RunID != "run-1" || info.PID == 0 {
		t.Fatalf("info = %+v", info)
	}

	waitFor(t, "run to finish", func() bool { return len(m.List()) == 0 && rec.Count(events.ExportComplete) == 1 })

	started := rec.Named(events.RunStarted)
	if len(started) != 1 || started[0].Payload.(StartedPayload).Runtime != "playwright" {
		t.Fatalf("run-started = %+v", started)
	}

	stdin, err := os.ReadFile(filepath.Join(res, "playwright-runner", "stdin.json"))
	if err != nil {
		t.Fatalf("read stdin capture: %v", err)
	}
	if gjson.GetBytes(stdin, "type").String() != "run" ||
		gjson.GetBytes(stdin, "runId").String() != "run-1" ||
		gjson.GetBytes(stdin, "connectorPath").String() != "/connectors/github.js" ||
		gjson.GetBytes(stdin, "headless").Bool() {
		t.Fatalf("run command = %s", stdin)
	}

	statuses := rec.Named(events.ConnectorStatus)
	if len(statuses) != 3 {
		t.Fatalf("connector-status events = %d, want 3 (ready, object, string)", len(statuses))
	}
	if got := string(statuses[0].Payload.(StatusPayload).Status); got != `{"type":"READY"}` {
		t.Fatalf("ready status = %s", got)
	}
	if got := gjson.GetBytes(statuses[1].Payload.(StatusPayload).Status, "progress").Float(); got != 0.5 {
		t.Fatalf("structured status progress = %v", got)
	}
	var plain string
	if err = json.Unmarshal(statuses[2].Payload.(StatusPayload).Status, &plain); err != nil || plain != "plain text status" {
		t.Fatalf("string status = %q (%v)", plain, err)
	}

	logs := rec.Named(events.ConnectorLog)
	if len(logs) != 1 || logs[0].Payload.(LogPayload).Message != "opening page" {
		t.Fatalf("connector-log = %+v", logs)
	}
	data := rec.Named(events.ConnectorData)
	if len(data) != 1 || data[0].Payload.(DataPayload).Key != "profile" {
		t.Fatalf("connector-data = %+v", data)
	}

	export := rec.Named(events.ExportComplete)[0].Payload.(ExportPayload)
	if export.PlatformID != "github" || string(export.Data) != `{"items":[1,2,3]}` {
		t.Fatalf("export = %+v", export)
	}
	waitFor(t, "sink", func() bool { return sink.count() == 1 })
}

func TestRunWithoutResultEndsStopped(t *testing.T) {
	m, rec, _ := newTestManager(t, silentScript)
	if _, err := m.Start(context.Background(), RunRequest{RunID: "quiet", ConnectorPath: "c.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "stopped status", func() bool { return rec.Count(events.ConnectorStatus) == 1 })

	status := rec.Named(events.ConnectorStatus)[0].Payload.(StatusPayload)
	if gjson.GetBytes(status.Status, "type").String() != "STOPPED" || gjson.GetBytes(status.Status, "message").String() != "Process ended" {
		t.Fatalf("status = %s", status.Status)
	}
}

func TestRunErrorIsTerminal(t *testing.T) {
	m, rec, _ := newTestManager(t, errorScript)
	if _, err := m.Start(context.Background(), RunRequest{RunID: "bad", ConnectorPath: "c.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "run removal", func() bool { return len(m.List()) == 0 && rec.Count(events.ConnectorStatus) >= 1 })
	time.Sleep(50 * time.Millisecond)

	statuses := rec.Named(events.ConnectorStatus)
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want only the ERROR status", len(statuses))
	}
	if gjson.GetBytes(statuses[0].Payload.(StatusPayload).Status, "type").String() != "ERROR" {
		t.Fatalf("status = %s", statuses[0].Payload.(StatusPayload).Status)
	}
	logs := rec.Named(events.ConnectorLog)
	if len(logs) != 1 || logs[0].Payload.(LogPayload).Message != "Error: login required" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	m, rec, _ := newTestManager(t, hangScript)
	if _, err := m.Start(context.Background(), RunRequest{RunID: "dup", ConnectorPath: "c.js"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(context.Background(), RunRequest{RunID: "dup", ConnectorPath: "c.js"}); !errors.Is(err, ErrRunExists) {
		t.Fatalf("second start err = %v", err)
	}
	if rec.Count(events.RunStarted) != 1 {
		t.Fatal("duplicate run emitted run-started")
	}
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	m, rec, _ := newTestManager(t, hangScript)
	info, err := m.Start(context.Background(), RunRequest{RunID: "long", ConnectorPath: "c.js"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "ready", func() bool { return rec.Count(events.ConnectorStatus) == 1 })

	if err = m.Stop(context.Background(), info.RunID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("runs after stop = %+v", m.List())
	}
	waitFor(t, "stopped status", func() bool { return rec.Count(events.ConnectorStatus) == 2 })
}

func TestStopUnknownRunFallsBackToWindow(t *testing.T) {
	closer := &closerRecorder{}
	m := NewManager(Config{}, nil, WithWindowCloser(closer))
	if err := m.Stop(context.Background(), "webview-run"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(closer.closed) != 1 || closer.closed[0] != "webview-run" {
		t.Fatalf("closed = %v", closer.closed)
	}

	bare := NewManager(Config{}, nil)
	if err := bare.Stop(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestStopAllIsBounded(t *testing.T) {
	m, _, _ := newTestManager(t, hangScript)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Start(context.Background(), RunRequest{RunID: id, ConnectorPath: "c.js"}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if got := len(m.List()); got != 3 {
		t.Fatalf("tracked = %d", got)
	}
	start := time.Now()
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("stop all exceeded its budget")
	}
	if len(m.List()) != 0 {
		t.Fatalf("runs left = %+v", m.List())
	}
}

func TestStartRequiresRunner(t *testing.T) {
	m := NewManager(Config{ResourceDir: t.TempDir()}, nil)
	if _, err := m.Start(context.Background(), RunRequest{ConnectorPath: "c.js"}); !errors.Is(err, ErrRunnerNotFound) {
		t.Fatalf("err = %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatal("failed start left a tracked run")
	}
}
