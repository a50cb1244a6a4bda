package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFileName        = "watch.pid"
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700
)

// errNoWatcher means no `portal watch` process holds the PID file.
var errNoWatcher = errors.New("no running watcher")

func (cc *CLIContext) watchPIDPath() string {
	return filepath.Join(cc.Cfg.StateDir, pidFileName)
}

// writePIDFile writes the current process ID to path and holds an exclusive
// flock on it, so only one watcher runs per state directory. The returned
// cleanup removes the file and releases the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("PID file path is empty")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another 'portal watch' is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// signalWatcher sends SIGHUP to the watcher recorded at pidPath, which makes
// it re-poll the result listing. A stale PID file is removed.
func signalWatcher(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return errNoWatcher
	}

	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 probes whether the process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return fmt.Errorf("%w: PID %d is gone (stale PID file removed)", errNoWatcher, pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling watcher (PID %d): %w", pid, err)
	}

	return nil
}

// nudgeWatcher asks a running watcher to refresh its results after uploads
// from another process. Absence of a watcher is normal.
func nudgeWatcher(cc *CLIContext) {
	err := signalWatcher(cc.watchPIDPath())

	switch {
	case err == nil:
		cc.Logger.Debug("nudged running watcher")
	case errors.Is(err, errNoWatcher):
	default:
		cc.Logger.Debug("could not nudge watcher", slog.String("error", err.Error()))
	}
}
