//go:build linux && (386 || amd64)

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/x86backend/pkg/logflags"
	"github.com/go-delve/x86backend/pkg/proc"
)

// Attach to an existing process with the given PID. notify is the
// address the debugged runtime traps at to send notifications, zero if
// it doesn't.
func Attach(pid int, notify uint64) (*Process, error) {
	dbp := newProcess(pid, notify)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		return nil, err
	}
	if err := dbp.waitAttachStop(); err != nil {
		return nil, err
	}
	dbp.log.Debugf("attached to %d", pid)
	return dbp, nil
}

// waitAttachStop waits for the stop caused by PTRACE_ATTACH. If it doesn't
// arrive the process is detached and the ptrace goroutine terminated.
func (dbp *Process) waitAttachStop() error {
	sig, err := dbp.Wait()
	if err != nil {
		if _, exited := err.(proc.ErrProcessExited); !exited {
			dbp.execPtraceFunc(func() { ptraceDetach(dbp.pid, 0) })
			dbp.postExit()
		}
		return err
	}
	if sig == proc.SIGSTOP {
		// the stop caused by the attach itself must not be delivered
		dbp.pending = 0
	}
	return nil
}

// Continue resumes the process delivering the pending signal.
func (dbp *Process) Continue() error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid}
	}
	sig := dbp.pending
	var err error
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, sig) })
	if err != nil {
		return err
	}
	dbp.pending = 0
	if logflags.Ptrace() {
		dbp.log.Debugf("continue %d (signal %d)", dbp.pid, sig)
	}
	return nil
}

// Wait blocks until the process stops and returns the stop signal.
// Signals other than SIGTRAP and SIGSTOP become the pending signal, they
// are delivered to the process when it is resumed. Returns
// proc.ErrProcessExited if the process terminated.
func (dbp *Process) Wait() (proc.Signal, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid}
	}
	var s sys.WaitStatus
	var err error
	dbp.execPtraceFunc(func() {
		for {
			_, err = sys.Wait4(dbp.pid, &s, sys.WALL, nil)
			if err != sys.EINTR {
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}
	switch {
	case s.Exited():
		dbp.postExit()
		return 0, proc.ErrProcessExited{Pid: dbp.pid, Status: s.ExitStatus()}
	case s.Signaled():
		dbp.postExit()
		return 0, proc.ErrProcessExited{Pid: dbp.pid, Status: -int(s.Signal())}
	}
	sig := s.StopSignal()
	if sig != sys.SIGTRAP && sig != sys.SIGSTOP {
		dbp.pending = int(sig)
	}
	if logflags.Ptrace() {
		dbp.log.Debugf("process %d stopped with %v", dbp.pid, sig)
	}
	return proc.Signal(sig), nil
}

// Kill sends SIGKILL to the process and waits for it to terminate.
func (dbp *Process) Kill() error {
	if dbp.exited {
		return nil
	}
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil {
		return err
	}
	for {
		if _, err := dbp.Wait(); err != nil {
			if _, exited := err.(proc.ErrProcessExited); exited {
				return nil
			}
			return err
		}
		dbp.pending = int(sys.SIGKILL)
		if err := dbp.Continue(); err != nil {
			return err
		}
	}
}
