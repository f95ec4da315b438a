// Package workerpool implements the Worker Pool: a bounded,
// admission-gated facility that runs each plugin call in a freshly spawned,
// isolated child process, relays progress, and escalates soft-terminate to
// hard-kill on cancellation.
//
// Go has no fork-and-inherit-loaded-code primitive, so each child is the
// same binary (os.Args[0]) re-executed with a hidden worker-entry
// subcommand; it rebuilds the built-in plugin table from the same
// init-time registration the supervisor used, or — for script-backed
// plugins — recompiles the ECMAScript source shipped inline in the Call
// (see internal/aimm/worker).
package workerpool

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hat-open/aimm/internal/aimm/aimmerr"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Call describes a plugin invocation to run in a child process. Closures
// cannot cross the process boundary, so Builtin call sites are re-resolved
// by (Kind, Key) inside the child against the same compiled-in registry;
// Script call sites carry their own ECMAScript source and need no lookup.
type Call struct {
	Kind                 string
	Key                  string
	Builtin              bool
	Script               string
	Args                 []any
	Kwargs               map[string]any
	StateCallbackArgName string
}

// Frame is one progress message relayed from a child's state channel.
type Frame struct {
	Value any
}

// wireResult is what the child writes to stdout exactly once before exiting.
type wireResult struct {
	Value      any
	Failed     bool
	ErrMsg     string
	Terminated bool
}

// Pool bounds the number of concurrently live children to maxChildren,
// admitting new children only when a periodic check finds room.
type Pool struct {
	maxChildren    int
	checkPeriod    time.Duration
	sigtermTimeout time.Duration
	workerArgv0    string
	workerArg      string

	mu      sync.Mutex
	cond    *sync.Cond
	current int
	closing bool
	doneCh  chan struct{}
}

// New creates a pool. workerArgv0/workerArg identify how to re-exec this
// binary as a worker child (typically os.Args[0] and a hidden flag such as
// "--aimm-worker-exec").
func New(maxChildren int, checkPeriod, sigtermTimeout time.Duration, workerArgv0, workerArg string) *Pool {
	p := &Pool{
		maxChildren:    maxChildren,
		checkPeriod:    checkPeriod,
		sigtermTimeout: sigtermTimeout,
		workerArgv0:    workerArgv0,
		workerArg:      workerArg,
		doneCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.admissionLoop()
	return p
}

// admissionLoop wakes every admission waiter once per checkPeriod so each
// rechecks whether a slot is free; only as many as there are free slots get
// admitted, the rest wait again. release itself wakes no waiter.
func (p *Pool) admissionLoop() {
	ticker := time.NewTicker(p.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-p.doneCh:
			return
		}
	}
}

// Shutdown stops admitting new children. In-flight children are not
// forcibly killed by Shutdown; callers should Close their handlers first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()
	close(p.doneCh)
}

// Live reports the current number of admitted (live) children, for
// invariant checks and the admin health surface.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pool) admit(ctx context.Context) error {
	done := ctx.Done()
	if done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-stop:
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closing {
			return aimmerr.ErrAdmissionFailed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.current < p.maxChildren {
			p.current++
			return nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.current--
	p.mu.Unlock()
}

// Handler is a one-shot handle: Run schedules exactly one child process and
// resolves exactly once; Close cancels an in-flight run.
type Handler struct {
	pool     *Pool
	onState  func(any)
	cancelCh chan struct{}
	once     sync.Once
}

// CreateHandler returns a one-shot handle whose progress is relayed to
// onState on the pool's scheduling goroutine (never on the child).
func (p *Pool) CreateHandler(onState func(any)) *Handler {
	if onState == nil {
		onState = func(any) {}
	}
	return &Handler{pool: p, onState: onState, cancelCh: make(chan struct{})}
}

// Close cancels the in-flight run, if any. Idempotent.
func (h *Handler) Close() {
	h.once.Do(func() { close(h.cancelCh) })
}

// Run spawns a child process for call and blocks until it resolves: the
// child's value on success, PluginException on a raised error, or
// ProcessTerminated if cancelled, killed, or crashed before replying.
func (h *Handler) Run(ctx context.Context, call Call) (any, error) {
	if err := h.pool.admit(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, aimmerr.ErrProcessTerminated
		}
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			h.pool.release()
			released = true
		}
	}
	defer release()

	cmd, stdin, stdout, stateRead, stateWriteLocal, err := h.spawn()
	if err != nil {
		return nil, fmt.Errorf("%w: spawn child: %v", aimmerr.ErrProcessTerminated, err)
	}
	// Parent's copy of the write end must be closed so EOF propagates once
	// the child's own copy is closed too (the worker closes it before
	// writing its result — see internal/aimm/worker).
	_ = stateWriteLocal.Close()

	enc := gob.NewEncoder(stdin)
	encodeErr := enc.Encode(&call)
	_ = stdin.Close()
	if encodeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: encode call: %v", aimmerr.ErrProcessTerminated, encodeErr)
	}

	reapedCh := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reapedCh)
	}()

	resultCh := make(chan wireResult, 1)
	go func() {
		var res wireResult
		dec := gob.NewDecoder(stdout)
		if err := dec.Decode(&res); err != nil {
			resultCh <- wireResult{Terminated: true}
			return
		}
		resultCh <- res
	}()

	go h.relayState(stateRead)

	var (
		res       wireResult
		gotResult bool
	)

	select {
	case res = <-resultCh:
		gotResult = true
		<-reapedCh
	case <-h.cancelCh:
		h.terminate(cmd, reapedCh)
	case <-ctx.Done():
		h.terminate(cmd, reapedCh)
	case <-reapedCh:
		select {
		case res = <-resultCh:
			gotResult = true
		default:
		}
	}

	if !gotResult || res.Terminated {
		return nil, aimmerr.ErrProcessTerminated
	}
	if res.Failed {
		return nil, &aimmerr.PluginException{Cause: errors.New(res.ErrMsg)}
	}
	return res.Value, nil
}

// terminate escalates soft-terminate to hard-kill after sigtermTimeout,
// per the cancellation design. It always waits for the process
// to be reaped before returning (invariant ii: no zombies).
func (h *Handler) terminate(cmd *exec.Cmd, reapedCh <-chan struct{}) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(h.pool.sigtermTimeout)
	defer timer.Stop()
	select {
	case <-reapedCh:
		return
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-reapedCh
	}
}

// relayState forwards decoded Frames to onState until the reader hits EOF
// or a malformed frame — either of which simply ends the loop without
// error, per the progress-relay contract.
func (h *Handler) relayState(r io.ReadCloser) {
	defer r.Close()
	dec := gob.NewDecoder(r)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		h.onState(f.Value)
	}
}

func (h *Handler) spawn() (cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, stateRead *os.File, stateWriteLocal *os.File, err error) {
	stateReadF, stateWriteF, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	c := exec.Command(h.pool.workerArgv0, h.pool.workerArg)
	c.ExtraFiles = []*os.File{stateWriteF}
	c.Stderr = os.Stderr

	stdinPipe, err := c.StdinPipe()
	if err != nil {
		stateReadF.Close()
		stateWriteF.Close()
		return nil, nil, nil, nil, nil, err
	}
	stdoutPipe, err := c.StdoutPipe()
	if err != nil {
		stateReadF.Close()
		stateWriteF.Close()
		return nil, nil, nil, nil, nil, err
	}

	if err := c.Start(); err != nil {
		stateReadF.Close()
		stateWriteF.Close()
		return nil, nil, nil, nil, nil, err
	}

	return c, stdinPipe, stdoutPipe, stateReadF, stateWriteF, nil
}
