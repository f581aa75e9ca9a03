// Package procgroup runs the external renderer, encoder, and relay processes
// of one stream inside a single OS process group so the whole pipeline can be
// torn down with one signal, including grandchildren the tools spawn.
package procgroup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Start once the group has been terminated.
var ErrClosed = errors.New("procgroup: group closed")

// ErrLingering reports processes that survived both SIGTERM and SIGKILL.
var ErrLingering = errors.New("procgroup: processes still alive after kill")

// DefaultKillWait bounds how long Terminate waits for reaping after SIGKILL.
const DefaultKillWait = 2 * time.Second

// Spec describes one process to launch inside a group.
type Spec struct {
	Role string
	Path string
	Args []string
	// Env is appended to the orchestrator's environment.
	Env []string
	Dir string
	// Stdout receives the process's standard output. Output is logged line by
	// line when nil.
	Stdout io.Writer
	// Stdin requests a writable pipe connected to the process's standard input.
	Stdin bool
	// ReadyLine marks the process ready when a line of its output contains it.
	ReadyLine string
	// ReadyAfter marks the process ready once it has stayed alive this long.
	ReadyAfter time.Duration
}

// Member is the view of a running process handed to the components that
// feed or watch it.
type Member interface {
	Role() string
	PID() int
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Stdin() io.WriteCloser
	MarkReady()
}

// Runner launches and tears down the processes of one pipeline attempt.
// *Group is the production implementation.
type Runner interface {
	Launch(ctx context.Context, spec Spec) (Member, error)
	Stop(member Member, grace time.Duration) error
	Terminate(grace time.Duration) error
	Live() int
}

var _ Runner = (*Group)(nil)

// Process is a running member of a Group.
type Process struct {
	role  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	err       error
}

// Role returns the role the process was started with.
func (p *Process) Role() string { return p.role }

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Ready is closed once the process has signalled readiness.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stdin returns the input pipe requested through Spec.Stdin, or nil.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// MarkReady closes the Ready channel. It is safe to call more than once.
func (p *Process) MarkReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Group owns every process launched for one pipeline attempt.
type Group struct {
	name     string
	logger   *slog.Logger
	killWait time.Duration

	mu     sync.Mutex
	pgid   int
	pgids  map[int]struct{}
	procs  []*Process
	closed bool
}

// New creates an empty group. Name is used in log records only.
func New(name string, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		name:     name,
		logger:   logger.With("group", name),
		killWait: DefaultKillWait,
		pgids:    make(map[int]struct{}),
	}
}

// Start launches spec inside the group. The first process becomes the group
// leader; later processes join its process group.
func (g *Group) Start(ctx context.Context, spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("procgroup: %s: executable path is required", spec.Role)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	proc, err := g.spawn(spec, g.pgid)
	if err != nil && g.pgid != 0 {
		// The previous group may have emptied out; start a fresh one.
		g.logger.Debug("join process group failed, creating new group", "role", spec.Role, "error", err)
		proc, err = g.spawn(spec, 0)
		if err == nil {
			g.pgid = 0
		}
	}
	if err != nil {
		return nil, fmt.Errorf("procgroup: start %s: %w", spec.Role, err)
	}
	if g.pgid == 0 {
		g.pgid = proc.PID()
	}
	if pgid, err := unix.Getpgid(proc.PID()); err == nil {
		g.pgids[pgid] = struct{}{}
	} else {
		g.pgids[proc.PID()] = struct{}{}
	}
	g.procs = append(g.procs, proc)
	g.logger.Info("process started", "role", spec.Role, "pid", proc.PID(), "pgid", g.pgid)
	return proc, nil
}

func (g *Group) spawn(spec Spec, pgid int) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = sysProcAttr(pgid)
	cmd.WaitDelay = g.killWait

	proc := &Process{
		role:  spec.Role,
		cmd:   cmd,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	var readyFn func()
	if spec.ReadyLine != "" {
		readyFn = proc.MarkReady
	}
	stderr := newLineLogger(g.logger, spec.Role, "stderr", spec.ReadyLine, readyFn)
	cmd.Stderr = stderr
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout = newLineLogger(g.logger, spec.Role, "stdout", spec.ReadyLine, readyFn)
	}

	if spec.Stdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		proc.stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if spec.ReadyLine == "" && spec.ReadyAfter <= 0 {
		proc.MarkReady()
	}

	go func() {
		err := cmd.Wait()
		proc.err = err
		close(proc.done)
		if err != nil {
			g.logger.Info("process exited", "role", spec.Role, "pid", cmd.Process.Pid, "error", err)
		} else {
			g.logger.Info("process exited", "role", spec.Role, "pid", cmd.Process.Pid)
		}
	}()

	if spec.ReadyAfter > 0 {
		go func() {
			timer := time.NewTimer(spec.ReadyAfter)
			defer timer.Stop()
			select {
			case <-timer.C:
				proc.MarkReady()
			case <-proc.done:
			}
		}()
	}
	return proc, nil
}

// Live counts the processes that have not exited yet.
func (g *Group) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	live := 0
	for _, proc := range g.procs {
		select {
		case <-proc.done:
		default:
			live++
		}
	}
	return live
}

// Launch is Start behind the Member interface.
func (g *Group) Launch(ctx context.Context, spec Spec) (Member, error) {
	proc, err := g.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Stop ends a single member of the group with SIGTERM, escalating to SIGKILL
// once grace elapses.
func (g *Group) Stop(member Member, grace time.Duration) error {
	proc, ok := member.(*Process)
	if !ok || proc == nil || proc.cmd.Process == nil {
		return nil
	}
	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}
	if !isDone(proc) {
		_ = proc.cmd.Process.Signal(unix.SIGTERM)
	}
	if waitAll([]*Process{proc}, grace) {
		return nil
	}
	_ = proc.cmd.Process.Signal(unix.SIGKILL)
	if waitAll([]*Process{proc}, g.killWait) {
		return nil
	}
	return fmt.Errorf("%w: %s pid %d", ErrLingering, proc.role, proc.PID())
}

// Terminate signals every process group with SIGTERM, waits up to grace, then
// sends SIGKILL to whatever is left. The group cannot be reused afterwards.
func (g *Group) Terminate(grace time.Duration) error {
	g.mu.Lock()
	g.closed = true
	procs := append([]*Process(nil), g.procs...)
	pgids := make([]int, 0, len(g.pgids))
	for pgid := range g.pgids {
		pgids = append(pgids, pgid)
	}
	g.mu.Unlock()

	if len(procs) == 0 {
		return nil
	}

	for _, proc := range procs {
		if proc.stdin != nil {
			_ = proc.stdin.Close()
		}
	}
	signalGroups(pgids, unix.SIGTERM)
	if waitAll(procs, grace) {
		return nil
	}

	g.logger.Warn("grace period elapsed, killing process group", "grace", grace)
	signalGroups(pgids, unix.SIGKILL)
	if waitAll(procs, g.killWait) {
		return nil
	}

	var lingering []int
	for _, proc := range procs {
		if !isDone(proc) {
			lingering = append(lingering, proc.PID())
		}
	}
	return fmt.Errorf("%w: pids %v", ErrLingering, lingering)
}

func signalGroups(pgids []int, sig syscall.Signal) {
	for _, pgid := range pgids {
		if pgid <= 0 {
			continue
		}
		if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			slog.Debug("signal process group", "pgid", pgid, "signal", sig.String(), "error", err)
		}
	}
}

func waitAll(procs []*Process, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-deadline.C:
			return false
		}
	}
	return true
}

func isDone(proc *Process) bool {
	select {
	case <-proc.done:
		return true
	default:
		return false
	}
}
