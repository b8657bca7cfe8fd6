// Package daemonize detaches the current program as a background daemon.
//
// Go cannot fork() the traditional way, so detaching is done by re-exec:
// the parent binds its sockets first (so bind errors are reported to the
// invoking shell), then starts a copy of itself in a new session with the
// filesystem root as working directory and std file descriptors on the
// null device. Bound sockets are handed over with the LISTEN_FDS
// convention understood by the gone/sd library, the same protocol systemd
// uses for socket activation.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

const (
	envDetached      = "AESDSOCKETD_DETACHED"
	envListenFds     = "LISTEN_FDS"
	envListenPid     = "LISTEN_PID"
	envListenFdNames = "LISTEN_FDNAMES"
)

// Active reports whether this process is the detached child and should
// not try to detach again.
func Active() bool {
	return os.Getenv(envDetached) != ""
}

// Detach starts a detached copy of the current binary with the same
// arguments, passing the given already-open files as inherited file
// descriptors labeled by names. It returns the pid of the child.
// The caller is expected to exit successfully once Detach returns.
func Detach(names []string, files []*os.File) (int, error) {
	if len(names) != len(files) {
		return 0, fmt.Errorf("daemonize: %d names for %d files", len(names), len(files))
	}

	// Use the original binary location. This works with symlinks such
	// that if the file it points to has been changed we will use the
	// updated symlink.
	argv0, err := exec.LookPath(os.Args[0])
	if err != nil {
		return 0, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	// Pass on the environment, except fd inheritance fields from our own
	// invocation which do not describe the fds we pass on.
	var env []string
	for _, v := range os.Environ() {
		if !(strings.HasPrefix(v, envListenFds+"=") ||
			strings.HasPrefix(v, envListenFdNames+"=") ||
			strings.HasPrefix(v, envListenPid+"=") ||
			strings.HasPrefix(v, envDetached+"=")) {
			env = append(env, v)
		}
	}
	env = append(env, envDetached+"=1")
	env = append(env, fmt.Sprintf("%s=%d", envListenFds, len(files)))
	env = append(env, envListenFdNames+"="+strings.Join(names, ":"))

	attr := &os.ProcAttr{
		Dir:   "/",
		Env:   env,
		Files: append([]*os.File{devnull, devnull, devnull}, files...),
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	process, err := os.StartProcess(argv0, os.Args, attr)
	if err != nil {
		return 0, err
	}
	pid := process.Pid
	process.Release()
	return pid, nil
}
