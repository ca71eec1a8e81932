package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the pid file written into the data directory
const PIDFileName = "appgen.pid"

// ErrAlreadyRunning is returned when another daemon owns the pid file
var ErrAlreadyRunning = errors.New("daemon is already running")

// LifecycleManager owns the daemon's pid file
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

// NewLifecycleManager creates a new lifecycle manager. Without a data
// directory no pid file is kept.
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	l := &LifecycleManager{daemon: d}
	if d.config.DataDir != "" {
		l.pidFile = PIDFile(d.config.DataDir)
	}
	return l
}

// PIDFile returns the pid file path for a data directory
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// Start writes the pid file, refusing when a live daemon already owns it
func (l *LifecycleManager) Start() error {
	if l.pidFile == "" {
		return nil
	}
	if pid, running := ProcessRunning(l.pidFile); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	zl := l.daemon.logger.Zerolog()
	zl.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
	return nil
}

// Stop removes the pid file
func (l *LifecycleManager) Stop() error {
	if l.pidFile == "" {
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// ReadPID returns the pid stored in pidFile
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// ProcessRunning reports whether the process named by pidFile is alive
func ProcessRunning(pidFile string) (int, bool) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// FindProcess always succeeds on Unix; signal 0 probes for existence.
	return pid, process.Signal(syscall.Signal(0)) == nil
}
