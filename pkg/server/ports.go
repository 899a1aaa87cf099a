package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoFreePort is returned when no port is free on both TCP and UDP.
var ErrNoFreePort = errors.New("no free port")

const portAttempts = 32

var (
	reservedMu sync.Mutex
	reserved   = make(map[int]struct{})
)

// FreePort returns a loopback port that is currently free for both TCP and
// UDP and that no other server in this process was handed out.
func FreePort(host string) (int, error) {
	for range portAttempts {
		port, err := tryPort(host)
		if err != nil {
			continue
		}

		reservedMu.Lock()
		_, taken := reserved[port]
		if !taken {
			reserved[port] = struct{}{}
		}
		reservedMu.Unlock()

		if !taken {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w on %s after %d attempts", ErrNoFreePort, host, portAttempts)
}

// ReleasePort makes port available to FreePort again.
func ReleasePort(port int) {
	reservedMu.Lock()
	defer reservedMu.Unlock()

	delete(reserved, port)
}

func tryPort(host string) (int, error) {
	tcp, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer tcp.Close()

	port := tcp.Addr().(*net.TCPAddr).Port

	udp, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	udp.Close()

	return port, nil
}
