// Package activation picks up listening sockets passed in by systemd socket
// activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio).
const firstFD = 3

// Socket is an activated listener with its FileDescriptorName.
type Socket struct {
	Name string
	net.Listener
}

// fds describes the descriptors passed to this process.
type fds struct {
	count int
	names []string
}

// parseEnv reads LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. A zero count means
// the process was not socket-activated.
func parseEnv(getenv func(string) string, pid int) (fds, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return fds{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return fds{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return fds{}, nil
	}

	countStr := getenv("LISTEN_FDS")
	if countStr == "" {
		return fds{}, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return fds{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", countStr, err)
	}
	if count < 1 {
		return fds{}, nil
	}

	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}
	return fds{count: count, names: names}, nil
}

func (f fds) name(i int) string {
	if i < len(f.names) && f.names[i] != "" {
		return f.names[i]
	}
	return "unknown"
}

// Listeners returns every socket passed to this process, or nil when it was
// not socket-activated. The activation variables are cleared so children do
// not inherit them.
func Listeners() ([]Socket, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if env.count == 0 {
		return nil, nil
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+env.name(i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: env.name(i), Listener: l})
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated socket called name, or the first one when
// name is empty. Sockets not returned are closed. It returns nil when the
// process was not socket-activated.
func Listener(name string) (net.Listener, error) {
	sockets, err := Listeners()
	if err != nil || sockets == nil {
		return nil, err
	}
	return pick(sockets, name)
}

func pick(sockets []Socket, name string) (net.Listener, error) {
	idx := -1
	for i, s := range sockets {
		if name == "" || s.Name == name {
			idx = i
			break
		}
	}

	for i, s := range sockets {
		if i != idx {
			_ = s.Close()
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no activated socket named %q", name)
	}
	return sockets[idx].Listener, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Close()
	}
}
