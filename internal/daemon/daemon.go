// Package daemon handles pidfiles, detaching from the terminal and dropping
// root privileges before the reactor starts.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/matt0x6f/ircbot/internal/logger"
)

// EnvDetached marks the re-executed child of Detach.
const EnvDetached = "IRCBOT_DETACHED"

// ErrAlreadyRunning is returned when the pidfile names a live process
var ErrAlreadyRunning = errors.New("another instance is running")

// DropPrivileges switches to uid and gid when running as root. A pidfile is
// handed to the new owner first so it can still be removed on exit. -1 keeps
// the current id.
func DropPrivileges(uid, gid int, pidfile string) error {
	if uid == -1 || unix.Geteuid() != 0 {
		return nil
	}
	if pidfile != "" {
		if err := os.Chown(pidfile, uid, gid); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Log.Warn().Err(err).Str("pidfile", pidfile).Msg("Failed to chown pidfile")
		}
	}
	if gid != -1 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("cannot set specified group: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("cannot set specified group: %w", err)
		}
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("cannot set specified user: %w", err)
	}
	logger.Log.Info().Int("uid", uid).Int("gid", gid).Msg("Dropped privileges")
	return nil
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pidfile %s: %w", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WritePIDFile records the current pid in path. It fails if the file names
// another live process; a stale file is replaced.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil {
		if pid != os.Getpid() && Alive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		logger.Log.Info().Int("pid", pid).Str("pidfile", path).Msg("Removing stale pidfile")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create pidfile: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// RemovePIDFile deletes path if it still belongs to this process.
func RemovePIDFile(path string) {
	pid, err := ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Log.Warn().Err(err).Str("pidfile", path).Msg("Failed to remove pidfile")
	}
}

// Detached reports whether this process is the background child of Detach.
func Detached() bool {
	return os.Getenv(EnvDetached) == "1"
}

// Detach re-executes the running binary in a new session with its standard
// streams on /dev/null and returns the child's pid once it has started.
// The caller exits afterwards; the child sees Detached() == true.
func Detach() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to locate executable: %w", err)
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), EnvDetached+"=1")
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start background process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release background process: %w", err)
	}
	logger.Log.Info().Int("pid", pid).Msg("Launched in background")
	return pid, nil
}
