//go:build linux

// Package processmgr implements C2: spawn a child program, capture exit,
// restart with cooldown while a supervision flag is set, and signal a
// running child by its logical name.
//
// Processes are keyed by name ("encoder", "bonder") rather
// than a high-cardinality id pool, since there are only ever a handful of
// fixed logical children; SignalByName lets C6 send SIGHUP to a live
// child to prompt it to re-read runtime files.
package processmgr

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// LogSink receives stderr/stdout lines from a supervised process. Wired to
// Redis-backed per-process ring buffers so recent output survives a
// control-daemon restart; nil is a valid no-op sink.
type LogSink interface {
	Append(name, line string)
}

// ProcessManager coordinates the set of supervised children. Safe for
// concurrent use; Start/Stop are idempotent and non-blocking, mirroring the
// teacher's "fast restart" semantics (Stop followed immediately by Start
// runs the new instance without waiting for the old one to fully exit).
type ProcessManager struct {
	log  *zap.Logger
	env  []string
	sink LogSink

	mu        sync.RWMutex
	processes map[string]*managedProcess
}

func NewProcessManager(log *zap.Logger, sink LogSink) *ProcessManager {
	return &ProcessManager{
		log:       log.Named("processmgr"),
		env:       os.Environ(),
		sink:      sink,
		processes: make(map[string]*managedProcess),
	}
}

// Start spawns a supervised process under name. Idempotent: a no-op if name
// is already running.
func (mng *ProcessManager) Start(name string, argv []string, restartCooldown time.Duration) {
	mng.mu.Lock()
	if _, ok := mng.processes[name]; ok {
		mng.mu.Unlock()
		return
	}
	p := newManagedProcess(name, argv, restartCooldown)
	mng.processes[name] = p
	mng.mu.Unlock()

	go mng.supervise(p)
}

// Stop terminates the supervised process under name. Idempotent, and
// non-blocking: the caller may immediately Start the same name again.
func (mng *ProcessManager) Stop(name string) {
	mng.mu.Lock()
	p, ok := mng.processes[name]
	if !ok {
		mng.mu.Unlock()
		return
	}
	delete(mng.processes, name)
	mng.mu.Unlock()

	p.cancel()
}

// IsRunning reports whether name currently has a supervisor registered.
func (mng *ProcessManager) IsRunning(name string) bool {
	mng.mu.RLock()
	defer mng.mu.RUnlock()
	_, ok := mng.processes[name]
	return ok
}

// SignalByName sends sig to the live process group registered under name
// (the same logical name passed to Start, e.g. "encoder"/"bonder"). Used
// to deliver SIGHUP as "re-read runtime files" without tearing the child
// down.
func (mng *ProcessManager) SignalByName(name string, sig syscall.Signal) {
	mng.mu.RLock()
	defer mng.mu.RUnlock()

	for key, p := range mng.processes {
		if key != name {
			continue
		}
		pid := p.pid.Load()
		if pid == 0 {
			continue
		}
		if err := syscall.Kill(-int(pid), sig); err != nil {
			mng.log.Warn("signalByName failed", zap.String("name", name), zap.Int64("pid", pid), zap.Error(err))
		}
	}
}

// supervise runs the restart loop for one managed process until its
// context is cancelled via Stop.
func (mng *ProcessManager) supervise(proc *managedProcess) {
	log := mng.log.With(zap.String("name", proc.name), zap.Strings("argv", proc.argv))
	log.Info("supervisor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-proc.ctx.Done():
			return

		case <-timer.C:
			cmd := exec.Command(proc.argv[0], proc.argv[1:]...)
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Pdeathsig: syscall.SIGKILL,
				Setpgid:   true,
			}
			cmd.Env = mng.env

			stdout, err := cmd.StdoutPipe()
			if err != nil {
				log.Error("stdout pipe failed", zap.Error(err))
				timer.Reset(proc.restartCooldown)
				continue
			}
			stderr, err := cmd.StderrPipe()
			if err != nil {
				log.Error("stderr pipe failed", zap.Error(err))
				timer.Reset(proc.restartCooldown)
				continue
			}

			if err := cmd.Start(); err != nil {
				log.Error("spawn failed", zap.Error(err))
				timer.Reset(proc.restartCooldown)
				continue
			}

			pid := cmd.Process.Pid
			proc.pid.Store(int64(pid))
			log.Info("process started", zap.Int("pid", pid))

			go mng.drain(proc.name, stdout)
			go mng.drain(proc.name, stderr)

			doneCh := make(chan error, 1)
			go func() { doneCh <- cmd.Wait() }()

			select {
			case err := <-doneCh:
				proc.pid.Store(0)
				if err != nil {
					log.Warn("process exited abnormally", zap.Int("pid", pid), zap.Error(err))
				} else {
					log.Info("process exited cleanly", zap.Int("pid", pid))
				}
				timer.Reset(proc.restartCooldown)
				continue

			case <-proc.ctx.Done():
				_ = syscall.Kill(-pid, syscall.SIGTERM)
				log.Info("SIGTERM sent to process group", zap.Int("pid", pid))

				t := time.NewTimer(3 * time.Second)
				select {
				case <-doneCh:
					t.Stop()
					proc.pid.Store(0)
					log.Info("process exited after SIGTERM", zap.Int("pid", pid))
				case <-t.C:
					_ = syscall.Kill(-pid, syscall.SIGKILL)
					<-doneCh
					proc.pid.Store(0)
					log.Warn("grace timeout; sent SIGKILL", zap.Int("pid", pid))
				}
				return
			}
		}
	}
}

func (mng *ProcessManager) drain(name string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if mng.sink != nil {
			mng.sink.Append(name, sc.Text())
		}
	}
}
