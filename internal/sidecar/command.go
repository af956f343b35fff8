package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ErrBinaryNotFound is returned when neither a bundled nor a development build of the
// personal server can be located.
var ErrBinaryNotFound = errors.New("sidecar: personal server binary not found")

// SpawnError reports a failure to start the resolved command.
type SpawnError struct {
	Path  string
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("sidecar: spawn %s: %v", e.Path, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// Command is a resolved helper invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// BinaryName returns the platform file name of the personal server executable.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "personal-server.exe"
	}
	return "personal-server"
}

// ResolveCommand finds the personal server. Bundled builds are looked up below
// resourceDir and only accepted when their node_modules directory sits next to them.
// Development builds fall back to a compiled binary or to running index.js with node.
func ResolveCommand(cfg Config) (Command, error) {
	bin := BinaryName()
	var searched []string

	if cfg.ResourceDir != "" {
		for _, dir := range []string{
			filepath.Join(cfg.ResourceDir, "personal-server", "dist"),
			filepath.Join(cfg.ResourceDir, "binaries"),
			filepath.Join(cfg.ResourceDir, "_up_", "personal-server", "dist"),
		} {
			candidate := filepath.Join(dir, bin)
			searched = append(searched, candidate)
			if isFile(candidate) && isDir(filepath.Join(dir, "node_modules")) {
				return Command{Path: candidate, Dir: dir}, nil
			}
		}
	}

	if cfg.DevDir != "" {
		candidate := filepath.Join(cfg.DevDir, "dist", bin)
		searched = append(searched, candidate)
		if isFile(candidate) {
			return Command{Path: candidate, Dir: cfg.DevDir}, nil
		}
		script := filepath.Join(cfg.DevDir, "index.js")
		searched = append(searched, script)
		if isFile(script) {
			node := cfg.NodeBinary
			if node == "" {
				node = "node"
			}
			return Command{Path: node, Args: []string{script}, Dir: cfg.DevDir}, nil
		}
	}

	if len(searched) == 0 {
		return Command{}, fmt.Errorf("%w: no resource or dev directory configured", ErrBinaryNotFound)
	}
	return Command{}, fmt.Errorf("%w: searched %s", ErrBinaryNotFound, strings.Join(searched, ", "))
}

// Environment builds the child environment on top of base.
func Environment(base []string, port int, configDir string, opts StartOptions) []string {
	env := make([]string, 0, len(base)+6)
	env = append(env, base...)
	env = append(env,
		"PORT="+strconv.Itoa(port),
		"NODE_ENV=production",
	)
	if configDir != "" {
		env = append(env, "CONFIG_DIR="+configDir)
	}
	if opts.MasterKeySignature != "" {
		env = append(env, "VANA_MASTER_KEY_SIGNATURE="+opts.MasterKeySignature)
	}
	if opts.GatewayURL != "" {
		env = append(env, "GATEWAY_URL="+opts.GatewayURL)
	}
	if opts.OwnerAddress != "" {
		env = append(env, "OWNER_ADDRESS="+opts.OwnerAddress)
	}
	return env
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
