package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	envInheritFD = "CONVOD_INHERIT_FD"
	envFD        = "CONVOD_FD"
)

// Restarter hands the listening socket to a freshly exec'd replacement
// process so connections on the listener are not dropped across a restart.
type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
	Log      zerolog.Logger
}

func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	file, err := listenerFile(r.Listener)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = inheritEnv(r.Env)
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start new process: %w", err)
	}
	r.Log.Info().Int("pid", cmd.Process.Pid).Str("addr", r.Listener.Addr().String()).
		Msg("handed listener to replacement process")
	return nil
}

// inheritEnv strips stale handoff keys before setting fresh ones, so a
// process restarted more than once does not accumulate duplicates.
func inheritEnv(env []string) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, envInheritFD+"=") || strings.HasPrefix(kv, envFD+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, envInheritFD+"=1", envFD+"=3")
}

func listenerFile(listener net.Listener) (*os.File, error) {
	switch ln := listener.(type) {
	case *net.TCPListener:
		file, err := ln.File()
		if err != nil {
			return nil, fmt.Errorf("listener file: %w", err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
}

// ListenerFromEnv recovers the inherited listener in a restarted process.
// It returns nil with no error when this process was started normally.
func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv(envInheritFD) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(envFD)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
