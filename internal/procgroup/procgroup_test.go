//go:build !windows

package procgroup

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestTerminateStopsDescendants(t *testing.T) {
	// The shell leaves a background sleep behind; only a group signal reaches it.
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	Configure(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if !Alive(pid) {
		t.Fatal("group should be alive after start")
	}
	if err := Terminate(pid); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !WaitDone(context.Background(), done, 50, 20*time.Millisecond) {
		_ = Kill(pid)
		t.Fatal("leader did not exit after SIGTERM")
	}
	if !WaitGone(context.Background(), func() bool { return Alive(pid) }, 50, 20*time.Millisecond) {
		_ = Kill(pid)
		t.Fatal("group members survived SIGTERM")
	}
}

func TestKillIgnoresVanishedProcess(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	Configure(cmd)
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := Kill(cmd.Process.Pid); err != nil {
		t.Fatalf("kill after exit: %v", err)
	}
	if Alive(cmd.Process.Pid) {
		t.Fatal("reaped process reported alive")
	}
}

func TestWaitGoneHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if WaitGone(ctx, func() bool { return true }, 100, time.Second) {
		t.Fatal("always-alive process reported gone")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancelled wait did not return promptly")
	}
}

func TestInvalidPID(t *testing.T) {
	if err := Terminate(0); err == nil {
		t.Fatal("expected error for pid 0")
	}
	if Alive(-1) {
		t.Fatal("negative pid reported alive")
	}
}
