package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoFreePort is returned when every candidate port is taken.
var ErrNoFreePort = errors.New("no free port available")

// ListenAvailable binds the first free port in [port, port+attempts).
func ListenAvailable(host string, port uint16, attempts int) (net.Listener, uint16, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := int(port) + i
		if candidate > 65535 {
			break
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			return l, uint16(candidate), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, 0, ErrNoFreePort
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrNoFreePort, lastErr)
}
