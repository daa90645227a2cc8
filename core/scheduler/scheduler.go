// Package scheduler implements the cooperative two-tier run queue that all
// asynchronous completions in tickstore are delivered through.
//
// The scheduler maintains an immediate-continuation queue, drained to empty
// before the current tick ends, and a deferred queue whose entries each run
// in a tick of their own. There is no parallelism: the scheduler and
// everything scheduled on it run on a single goroutine, and the caller pumps
// it explicitly with Step or Drain. This makes every interleaving
// reproducible, which is what the transaction lifecycle tests rely on.
package scheduler

import (
	"fmt"

	"go.uber.org/zap"

	commonutils "github.com/tickstore/tickstore/internal/common_utils"
)

// Tick is an opaque, monotonically increasing tick identifier. Tick 0 is the
// synchronous span before the first deferred entry runs.
type Tick uint64

// Scheduler is the deterministic cooperative run queue. The zero value is not
// usable; construct with New.
type Scheduler struct {
	logger *zap.Logger

	immediate []func()
	deferred  []func()

	tick Tick

	// hooks fire once per tick boundary, after the immediate queue has been
	// drained and before the tick counter advances.
	hooks      map[uint64]func(ended Tick)
	hookOrder  []uint64
	nextHookID uint64

	// gid pins the scheduler to the goroutine that created it.
	gid int64
}

// New creates a Scheduler bound to the calling goroutine.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger.Named("scheduler"),
		hooks:  make(map[uint64]func(Tick)),
		gid:    commonutils.GoID(),
	}
}

// CurrentTick returns the identifier of the tick the scheduler is currently
// in. Client code running between Step calls observes the counter as-is.
func (s *Scheduler) CurrentTick() Tick {
	s.checkGoroutine()
	return s.tick
}

// RunImmediate enqueues fn to execute before the current tick ends, after all
// currently queued immediate continuations.
func (s *Scheduler) RunImmediate(fn func()) {
	s.checkGoroutine()
	s.immediate = append(s.immediate, fn)
}

// RunDeferred enqueues fn to execute in a later tick of its own. Entries run
// in FIFO order, one tick each.
func (s *Scheduler) RunDeferred(fn func()) {
	s.checkGoroutine()
	s.deferred = append(s.deferred, fn)
}

// OnTickEnd registers a hook invoked at every tick boundary with the
// identifier of the tick that just ended. The returned cancel function
// removes the hook.
func (s *Scheduler) OnTickEnd(hook func(ended Tick)) (cancel func()) {
	s.checkGoroutine()
	id := s.nextHookID
	s.nextHookID++
	s.hooks[id] = hook
	s.hookOrder = append(s.hookOrder, id)
	return func() {
		delete(s.hooks, id)
	}
}

// Pending reports how many deferred entries are queued.
func (s *Scheduler) Pending() int {
	return len(s.deferred)
}

// Idle reports whether both queues are empty.
func (s *Scheduler) Idle() bool {
	return len(s.immediate) == 0 && len(s.deferred) == 0
}

// Step ends the current tick and runs the next deferred entry, if any, in a
// new tick. Ending a tick means draining the immediate queue, firing the
// tick-boundary hooks, draining anything the hooks queued immediately, and
// only then advancing the counter. Returns true if a deferred entry ran.
func (s *Scheduler) Step() bool {
	s.checkGoroutine()

	s.drainImmediate()
	ended := s.tick
	// Hooks may be removed while iterating (a hook can finish a transaction
	// which deregisters itself), so walk a registration-order snapshot.
	for _, id := range append([]uint64(nil), s.hookOrder...) {
		if hook, ok := s.hooks[id]; ok {
			hook(ended)
		}
	}
	s.compactHookOrder()
	s.drainImmediate()

	s.tick++

	if len(s.deferred) == 0 {
		return false
	}
	fn := s.deferred[0]
	s.deferred = s.deferred[1:]
	fn()
	s.drainImmediate()
	return true
}

// Drain pumps the scheduler until both queues are empty and a final tick
// boundary has been processed. Tick-boundary hooks frequently queue new
// deferred entries (auto-commit checks), so this loops until a Step neither
// ran an entry nor left work behind.
func (s *Scheduler) Drain() {
	s.checkGoroutine()
	for {
		ran := s.Step()
		if !ran && s.Idle() {
			return
		}
	}
}

func (s *Scheduler) drainImmediate() {
	for len(s.immediate) > 0 {
		fn := s.immediate[0]
		s.immediate = s.immediate[1:]
		fn()
	}
}

func (s *Scheduler) compactHookOrder() {
	if len(s.hookOrder) == len(s.hooks) {
		return
	}
	kept := s.hookOrder[:0]
	for _, id := range s.hookOrder {
		if _, ok := s.hooks[id]; ok {
			kept = append(kept, id)
		}
	}
	s.hookOrder = kept
}

// checkGoroutine enforces the single-goroutine cooperative contract. Calling
// scheduler methods from another goroutine is a programming error, not a
// recoverable condition.
func (s *Scheduler) checkGoroutine() {
	if gid := commonutils.GoID(); gid != s.gid {
		panic(fmt.Sprintf("scheduler used from goroutine %d, owned by goroutine %d", gid, s.gid))
	}
}
