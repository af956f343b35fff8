package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrRunnerNotFound is returned when no automation runner can be located.
var ErrRunnerNotFound = errors.New("runner: automation runner not found")

// Command is a resolved runner invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// BinaryName returns the platform file name of the bundled runner.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "playwright-runner.exe"
	}
	return "playwright-runner"
}

// ResolveCommand prefers the bundled runner below resourceDir and falls back to running the
// development checkout with node.
func ResolveCommand(cfg Config) (Command, error) {
	if cfg.ResourceDir != "" {
		dir := filepath.Join(cfg.ResourceDir, "playwright-runner")
		bin := filepath.Join(dir, BinaryName())
		if info, err := os.Stat(bin); err == nil && info.Mode().IsRegular() {
			return Command{Path: bin, Dir: dir}, nil
		}
	}
	if cfg.DevDir != "" {
		script := filepath.Join(cfg.DevDir, "index.js")
		if info, err := os.Stat(script); err == nil && info.Mode().IsRegular() {
			node := cfg.NodeBinary
			if node == "" {
				node = "node"
			}
			return Command{Path: node, Args: []string{script}, Dir: cfg.DevDir}, nil
		}
	}
	return Command{}, fmt.Errorf("%w (resource dir %q, dev dir %q)", ErrRunnerNotFound, cfg.ResourceDir, cfg.DevDir)
}
