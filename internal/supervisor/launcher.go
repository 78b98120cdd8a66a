package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Launcher starts a monitored process.
type Launcher interface {
	Launch(ctx context.Context) (pid int, err error)
}

// PortClearer frees a TCP port held by a stale listener.
type PortClearer interface {
	ClearPort(ctx context.Context, port int) error
}

// CommandLauncher runs Command through /bin/sh in its own session so the child
// survives the watchdog. Output is discarded.
type CommandLauncher struct {
	Command string
	Dir     string
	// PIDFile, when set, receives the child pid after each launch.
	PIDFile string
}

func (l CommandLauncher) Launch(ctx context.Context) (int, error) {
	if strings.TrimSpace(l.Command) == "" {
		return 0, errors.New("supervisor: launch command not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Not CommandContext: the child must outlive this call and the watchdog.
	cmd := exec.Command("/bin/sh", "-c", l.Command)
	cmd.Dir = l.Dir
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: launch %q: %w", l.Command, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	if l.PIDFile != "" {
		if err := writePIDFile(l.PIDFile, pid); err != nil {
			return pid, err
		}
	}
	return pid, nil
}

func writePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid recorded at path.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("supervisor: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("supervisor: pid file %s holds %q", path, strings.TrimSpace(string(raw)))
	}
	return pid, nil
}

// ToolClearer sends SIGTERM to the processes lsof reports as listening on the
// port. Client sockets connected to the port are left alone, so a peer holding
// a connection to the monitored service is never signalled. A missing lsof is
// skipped. The watchdog's own pid is never signalled.
type ToolClearer struct {
	// Settle is how long to wait after signalling so the kernel releases the port.
	Settle time.Duration
}

func (c ToolClearer) ClearPort(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	var result *multierror.Error

	if path, err := exec.LookPath("lsof"); err == nil {
		out, err := exec.CommandContext(ctx, path, listenerQuery(port)...).Output()
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if err != nil && !(errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0) {
			result = multierror.Append(result, fmt.Errorf("supervisor: lsof port %d: %w", port, err))
		}
		for _, pid := range parsePIDs(out) {
			if pid == os.Getpid() {
				continue
			}
			if err := terminate(pid); err != nil {
				result = multierror.Append(result, fmt.Errorf("supervisor: signal pid %d: %w", pid, err))
			}
		}
	}

	if c.Settle > 0 {
		timer := time.NewTimer(c.Settle)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
		case <-timer.C:
		}
	}
	return result.ErrorOrNil()
}

// listenerQuery selects TCP sockets in LISTEN state bound to port.
func listenerQuery(port int) []string {
	return []string{"-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN"}
}

func parsePIDs(out []byte) []int {
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
