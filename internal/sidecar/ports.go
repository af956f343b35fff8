package sidecar

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// AllocatePort returns the first preferred port that is free on both loopback families,
// or an OS-assigned port when none is.
func AllocatePort(preferred []int) (int, error) {
	for _, port := range preferred {
		if port > 0 && PortFree(port) {
			return port, nil
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("sidecar: allocate port: %w", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// PortFree reports whether port can be bound on 127.0.0.1 and [::1]. A host without IPv6
// loopback only needs the IPv4 bind to succeed.
func PortFree(port int) bool {
	ln4, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	defer func() { _ = ln4.Close() }()

	ln6, err := net.Listen("tcp", net.JoinHostPort("::1", strconv.Itoa(port)))
	if err != nil {
		return !errors.Is(err, syscall.EADDRINUSE)
	}
	_ = ln6.Close()
	return true
}
