// Package uthread implements user-level threads, multiplexed onto a single
// flow of control, with round-robin scheduling and quantum-based preemption.
//
// # Threads
//
// A Scheduler is created by New, which adopts the calling goroutine as the
// main thread, id 0. Further threads are created by Scheduler.Spawn, and are
// identified by the smallest free id, in the range [1, MaxThreads). Each
// thread is backed by its own goroutine, which acts as its stack, but only
// one thread executes at a time: the others are parked, waiting to be
// selected.
//
// # Scheduling
//
// Ready threads wait in a FIFO queue. A scheduling event occurs whenever the
// running thread is preempted, yields, blocks, sleeps, or terminates. Every
// event increments the total quantum count, ages sleeping threads, then
// selects the head of the ready queue, which is charged a new quantum, and
// has the timer rearmed for a full quantum.
//
// # Preemption
//
// The preemption timer (see Timer) never touches scheduler state. It raises
// a pending tick, which the running thread delivers when it next leaves a
// critical section (every method of Scheduler ends with one), or reaches a
// preemption point, Scheduler.Checkpoint. Firings that occur before delivery
// coalesce. Threads that never call into the Scheduler are never preempted.
//
// # Blocking and sleeping
//
// Blocking (Scheduler.Block) and sleeping (Scheduler.Sleep) are independent.
// A thread that is both blocked and sleeping becomes Ready only once it has
// been resumed, and its countdown has expired. The main thread can be neither
// blocked nor put to sleep.
//
// # Termination
//
// Terminating the main thread tears down the library, and exits the process
// (see WithExitFunc).
//
// The goroutine of a terminated thread unwinds via runtime.Goexit, one at a
// time, while every other thread is suspended. Deferred calls in thread
// bodies therefore never run alongside another thread.
package uthread
