package net

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenAddr joins a host and port into an address suitable for net.Listen.
func ListenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ServerURL joins a client host such as "http://127.0.0.1" with a port.
// A host without a scheme is assumed to be plain HTTP.
func ServerURL(host string, port int) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(host, "/"), port)
}

// GetEphemeralTCPPort returns a TCP port that was free at the time of the call.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
