// Package reactor implements the single-threaded cooperative event
// loop of spec.md §4.6: a binary-heap timer queue, descriptor
// read/write/error dispatch, and a self-pipe so that callers on other
// goroutines can safely register readers, writers, and scheduled
// calls without touching the loop's internal state directly.
//
// The loop itself only ever blocks in one place — the poll(2) wait —
// matching §5's "the only blocking point is the I/O-wait call". Heap
// and descriptor-map mutation is guarded by ordinary mutexes rather
// than routed through a closure queue: that is the idiomatic Go
// rendering of the teacher's session_manager.go pattern, which already
// pairs a sync.Mutex-protected map with channels used purely to wake a
// monitor goroutine (monitorDestroyChan, monitorOtReleaseChan).
package reactor

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/halvorsen/vtsd/internal/metrics"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/vlog"
)

// ReadWriteFunc is invoked when a registered descriptor becomes
// readable or writable. A non-nil return is treated as a fatal
// descriptor error: the reactor removes that read or write handler and
// invokes the descriptor's error hook, if any.
type ReadWriteFunc func() error

type fdEntry struct {
	onRead  ReadWriteFunc
	onWrite ReadWriteFunc
	onError func(error)
}

// Call is a handle to a call scheduled with Schedule or ScheduleGroup.
// Cancellation is idempotent and lazy: a cancelled call that is about
// to fire is silently skipped (spec.md §4.6 "Cancellation").
type Call struct {
	c *scheduledCall
	r *Reactor
}

// Cancel marks the call cancelled. Safe to call from any goroutine,
// any number of times.
func (call *Call) Cancel() {
	call.r.callsMu.Lock()
	defer call.r.callsMu.Unlock()
	if call.c.cancelled {
		return
	}
	call.c.cancelled = true
	if call.c.callgroup != "" {
		if group, ok := call.r.groups[call.c.callgroup]; ok {
			delete(group, call.c)
			if len(group) == 0 {
				delete(call.r.groups, call.c.callgroup)
			}
		}
	}
}

// Reactor is a single-threaded event loop: one goroutine runs Run()
// and owns all descriptor dispatch and timer execution; every other
// method is safe to call from any goroutine.
type Reactor struct {
	log vlog.Logger

	callsMu sync.Mutex
	calls   callHeap
	groups  map[string]map[*scheduledCall]struct{}
	seq     int64

	fdMu    sync.Mutex
	readFDs map[int]*fdEntry

	pipeR, pipeW int
	stopCh       chan struct{}
	stopOnce     sync.Once
	stopped      bool
}

// New builds a Reactor with its self-pipe opened but not yet running;
// call Run to start the loop.
func New(log vlog.Logger) (*Reactor, error) {
	if log == nil {
		log = vlog.Default()
	}
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("%w: self-pipe: %v", verr.ErrResource, err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, fmt.Errorf("%w: self-pipe nonblock: %v", verr.ErrResource, err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, fmt.Errorf("%w: self-pipe nonblock: %v", verr.ErrResource, err)
	}
	r := &Reactor{
		log:     log,
		groups:  make(map[string]map[*scheduledCall]struct{}),
		readFDs: make(map[int]*fdEntry),
		pipeR:   fds[0],
		pipeW:   fds[1],
		stopCh:  make(chan struct{}),
	}
	return r, nil
}

// wake unblocks a loop currently parked in poll(2) by writing one byte
// to the self-pipe. EAGAIN (pipe already has a pending wake byte) is
// expected and ignored.
func (r *Reactor) wake() {
	_, err := syscall.Write(r.pipeW, []byte{0})
	if err != nil && err != syscall.EAGAIN {
		r.log.Warnf("reactor: self-pipe write failed: %v", err)
	}
}

func (r *Reactor) drainPipe() {
	var buf [64]byte
	for {
		n, err := syscall.Read(r.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Schedule runs fn after delay on the reactor's loop goroutine.
func (r *Reactor) Schedule(delay time.Duration, fn func()) *Call {
	return r.scheduleIn(delay, "", fn)
}

// ScheduleGroup is Schedule plus membership in callgroup, so the whole
// group can later be cancelled atomically with CancelGroup.
func (r *Reactor) ScheduleGroup(delay time.Duration, callgroup string, fn func()) *Call {
	return r.scheduleIn(delay, callgroup, fn)
}

func (r *Reactor) scheduleIn(delay time.Duration, callgroup string, fn func()) *Call {
	r.callsMu.Lock()
	r.seq++
	c := &scheduledCall{
		when:      time.Now().Add(delay).UnixNano(),
		seq:       r.seq,
		callgroup: callgroup,
		fn:        fn,
	}
	pushCall(&r.calls, c)
	if callgroup != "" {
		group, ok := r.groups[callgroup]
		if !ok {
			group = make(map[*scheduledCall]struct{})
			r.groups[callgroup] = group
		}
		group[c] = struct{}{}
	}
	pending := len(r.calls)
	r.callsMu.Unlock()

	metrics.ReactorScheduledCallsTotal.Inc()
	metrics.ReactorPendingCalls.Set(float64(pending))
	r.wake()
	return &Call{c: c, r: r}
}

// CancelGroup cancels every still-pending call in callgroup.
func (r *Reactor) CancelGroup(callgroup string) {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	group, ok := r.groups[callgroup]
	if !ok {
		return
	}
	for c := range group {
		c.cancelled = true
	}
	delete(r.groups, callgroup)
}

// AddReader registers fn to run whenever fd becomes readable.
func (r *Reactor) AddReader(fd int, fn ReadWriteFunc) {
	r.fdMu.Lock()
	e := r.entryLocked(fd)
	e.onRead = fn
	r.fdMu.Unlock()
	r.wake()
}

// AddWriter registers fn to run whenever fd becomes writable.
func (r *Reactor) AddWriter(fd int, fn ReadWriteFunc) {
	r.fdMu.Lock()
	e := r.entryLocked(fd)
	e.onWrite = fn
	r.fdMu.Unlock()
	r.wake()
}

// SetErrorHook registers fn to run once when fd reports a poll error.
func (r *Reactor) SetErrorHook(fd int, fn func(error)) {
	r.fdMu.Lock()
	e := r.entryLocked(fd)
	e.onError = fn
	r.fdMu.Unlock()
}

func (r *Reactor) entryLocked(fd int) *fdEntry {
	e, ok := r.readFDs[fd]
	if !ok {
		e = &fdEntry{}
		r.readFDs[fd] = e
	}
	return e
}

// RemoveReader unregisters fd's read handler.
func (r *Reactor) RemoveReader(fd int) {
	r.fdMu.Lock()
	if e, ok := r.readFDs[fd]; ok {
		e.onRead = nil
		r.gcLocked(fd, e)
	}
	r.fdMu.Unlock()
	r.wake()
}

// RemoveWriter unregisters fd's write handler.
func (r *Reactor) RemoveWriter(fd int) {
	r.fdMu.Lock()
	if e, ok := r.readFDs[fd]; ok {
		e.onWrite = nil
		r.gcLocked(fd, e)
	}
	r.fdMu.Unlock()
	r.wake()
}

func (r *Reactor) gcLocked(fd int, e *fdEntry) {
	if e.onRead == nil && e.onWrite == nil {
		delete(r.readFDs, fd)
	}
}

// Stop ends the loop after its current iteration. Idempotent.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wake()
	})
}

// Run drives the event loop until Stop is called. It must be invoked
// from exactly one goroutine, which becomes "the reactor thread" for
// the lifetime of the call.
func (r *Reactor) Run() error {
	defer func() {
		syscall.Close(r.pipeR)
		syscall.Close(r.pipeW)
	}()
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}

		timeout := r.pollTimeoutMs()
		pollFDs := r.buildPollSet()
		n, err := unix.Poll(pollFDs, timeout)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("%w: poll: %v", verr.ErrResource, err)
		}
		if n > 0 {
			r.dispatch(pollFDs)
		}

		select {
		case <-r.stopCh:
			return nil
		default:
		}

		r.runDueCalls()
	}
}

func (r *Reactor) pollTimeoutMs() int {
	r.callsMu.Lock()
	defer r.callsMu.Unlock()
	if len(r.calls) == 0 {
		return -1
	}
	next := r.calls[0].when
	remaining := time.Until(time.Unix(0, next))
	if remaining <= 0 {
		return 0
	}
	ms := remaining.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return int(ms)
}

func (r *Reactor) buildPollSet() []unix.PollFd {
	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	fds := make([]unix.PollFd, 0, len(r.readFDs)+1)
	fds = append(fds, unix.PollFd{Fd: int32(r.pipeR), Events: unix.POLLIN})
	for fd, e := range r.readFDs {
		var events int16
		if e.onRead != nil {
			events |= unix.POLLIN
		}
		if e.onWrite != nil {
			events |= unix.POLLOUT
		}
		if events != 0 {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	return fds
}

func (r *Reactor) dispatch(pollFDs []unix.PollFd) {
	for _, pfd := range pollFDs {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if fd == r.pipeR {
			if pfd.Revents&unix.POLLIN != 0 {
				r.drainPipe()
			}
			continue
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			r.handleError(fd)
			continue
		}
		if pfd.Revents&unix.POLLIN != 0 {
			r.handleReady(fd, true)
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			r.handleReady(fd, false)
		}
	}
}

func (r *Reactor) handleReady(fd int, readable bool) {
	r.fdMu.Lock()
	e, ok := r.readFDs[fd]
	var fn ReadWriteFunc
	var onError func(error)
	if ok {
		if readable {
			fn = e.onRead
		} else {
			fn = e.onWrite
		}
		onError = e.onError
	}
	r.fdMu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		r.log.Warnf("reactor: descriptor %d handler failed: %v", fd, err)
		if readable {
			r.RemoveReader(fd)
		} else {
			r.RemoveWriter(fd)
		}
		if onError != nil {
			onError(err)
		}
	}
}

func (r *Reactor) handleError(fd int) {
	r.fdMu.Lock()
	e, ok := r.readFDs[fd]
	delete(r.readFDs, fd)
	r.fdMu.Unlock()
	if ok && e.onError != nil {
		e.onError(fmt.Errorf("%w: descriptor %d reported an error event", verr.ErrResource, fd))
	}
}

func (r *Reactor) runDueCalls() {
	var due []*scheduledCall
	r.callsMu.Lock()
	now := time.Now().UnixNano()
	for len(r.calls) > 0 && r.calls[0].when <= now {
		c := popCall(&r.calls)
		if c.callgroup != "" {
			if group, ok := r.groups[c.callgroup]; ok {
				delete(group, c)
				if len(group) == 0 {
					delete(r.groups, c.callgroup)
				}
			}
		}
		due = append(due, c)
	}
	metrics.ReactorPendingCalls.Set(float64(len(r.calls)))
	r.callsMu.Unlock()

	for _, c := range due {
		if c.cancelled {
			continue
		}
		r.runOne(c)
	}
}

// runOne executes a single scheduled call, recovering a panic the way
// spec.md §7 requires ("Scheduled-call exceptions are caught by the
// loop, logged at ERROR, and do not terminate the reactor").
func (r *Reactor) runOne(c *scheduledCall) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("reactor: scheduled call panicked: %v", p)
		}
	}()
	c.fn()
}
