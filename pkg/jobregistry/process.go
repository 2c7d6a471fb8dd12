package jobregistry

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessTable answers liveness and exit-status questions about launched
// jobs. Answers are never cached beyond the call that produced them, with the
// exception of exit statuses reaped from our own children, which can only be
// collected once.
type ProcessTable interface {
	// Alive reports whether pid currently resolves to a live process.
	Alive(pid int) bool

	// ExitCode returns the exit status of a pid that is no longer alive.
	// exitPath is the file the launch trampoline writes the status to.
	// ok is false when the status cannot be determined.
	ExitCode(pid int, exitPath string) (code int, ok bool)

	// Signal delivers sig to the process group led by pid.
	Signal(pid int, sig unix.Signal) error
}

// OSProcessTable queries the host process table.
type OSProcessTable struct {
	mu     sync.Mutex
	reaped map[int]int
}

func NewOSProcessTable() *OSProcessTable {
	return &OSProcessTable{reaped: map[int]int{}}
}

func (t *OSProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	// A job launched by this process stays a zombie until reaped, and a
	// zombie still answers signal 0.
	if t.reap(pid) {
		return false
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the pid exists but belongs to someone else.
	return errors.Is(err, unix.EPERM)
}

func (t *OSProcessTable) ExitCode(pid int, exitPath string) (int, bool) {
	if code, ok := readExitFile(exitPath); ok {
		return code, true
	}

	t.reap(pid)
	t.mu.Lock()
	defer t.mu.Unlock()
	code, ok := t.reaped[pid]
	return code, ok
}

func (t *OSProcessTable) Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	// Jobs are session leaders, so -pid addresses the whole process group.
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// reap collects the exit status of pid if it is an exited child of this
// process. It never blocks.
func (t *OSProcessTable) reap(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reaped[pid]; ok {
		return true
	}

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || wpid != pid {
		return false
	}

	switch {
	case ws.Exited():
		t.reaped[pid] = ws.ExitStatus()
	case ws.Signaled():
		t.reaped[pid] = 128 + int(ws.Signal())
	default:
		return false
	}
	return true
}

func readExitFile(path string) (int, bool) {
	if strings.TrimSpace(path) == "" {
		return 0, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return code, true
}

var _ ProcessTable = (*OSProcessTable)(nil)
