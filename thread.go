package uthread

import (
	"strconv"
	"time"

	"github.com/joeycumines/go-uthread/internal/fiber"
)

// ThreadID identifies a thread. Ids are dense, in the range [0, MaxThreads),
// and are reused after the owning thread terminates.
type ThreadID int

// MainThreadID is the id of the thread that called New.
const MainThreadID ThreadID = 0

// DefaultMaxThreads is the default capacity of the thread table, including
// the main thread.
const DefaultMaxThreads = 100

// EntryPoint is the body of a thread. Returning from it is equivalent to the
// thread terminating itself.
type EntryPoint func()

// ThreadState is the visible state of an occupied slot.
//
// State Machine:
//
//	(spawn)  → Ready
//	Ready    → Running   [head of the ready queue, on a scheduling event]
//	Running  → Ready     [tick, Yield]
//	Running  → Blocked   [Block(self), Sleep]
//	Ready    → Blocked   [Block]
//	Blocked  → Ready     [Resume, if not sleeping; countdown expiry, if not blocked]
//	any      → (free)    [Terminate]
type ThreadState uint8

const (
	// StateReady indicates the thread is waiting in the ready queue.
	StateReady ThreadState = iota + 1
	// StateRunning indicates the thread currently holds the CPU.
	StateRunning
	// StateBlocked indicates the thread is blocked, sleeping, or both.
	StateBlocked
)

// String returns a human-readable representation of the state.
func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// thread is a record in the thread table.
type thread struct {
	entry    EntryPoint
	ctx      *fiber.Fiber
	since    time.Time // entered Running
	gid      uint64    // owning goroutine, 0 until it first runs
	quantums int
	// sleep countdown, only meaningful while in the sleeping set
	sleep int
	id    ThreadID
	state ThreadState
}

// threadTable is a fixed-capacity arena, indexed by id. A nil slot is free.
type threadTable struct {
	slots []*thread
	live  int
}

func newThreadTable(capacity int) threadTable {
	return threadTable{slots: make([]*thread, capacity)}
}

// get returns the occupied slot for tid, or nil.
func (x *threadTable) get(tid ThreadID) *thread {
	if tid < 0 || int(tid) >= len(x.slots) {
		return nil
	}
	return x.slots[tid]
}

// claim emplaces a fresh record in the smallest free slot >= from, returning
// nil if the table is full.
func (x *threadTable) claim(from ThreadID) *thread {
	for i := int(from); i < len(x.slots); i++ {
		if x.slots[i] == nil {
			t := &thread{id: ThreadID(i)}
			x.slots[i] = t
			x.live++
			return t
		}
	}
	return nil
}

func (x *threadTable) free(tid ThreadID) {
	if x.slots[tid] != nil {
		x.slots[tid] = nil
		x.live--
	}
}

func (x *threadTable) capacity() int { return len(x.slots) }
