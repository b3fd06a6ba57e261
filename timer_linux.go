//go:build linux

package uthread

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// NewTimer returns the preferred Timer for the platform. On Linux, this is a
// timerfd on CLOCK_MONOTONIC, read via the runtime poller.
func NewTimer() Timer {
	return NewTimerfdTimer()
}

// NewTimerfdTimer returns a Timer backed by timerfd_create(2).
func NewTimerfdTimer() Timer {
	return &timerfdTimer{}
}

type timerfdTimer struct {
	file    *os.File
	done    chan struct{}
	quantum time.Duration
	fd      int
	mu      sync.Mutex
	stopped bool
}

func (x *timerfdTimer) Start(quantum time.Duration, fire func()) error {
	if quantum <= 0 || fire == nil {
		return ErrInvalidQuantum
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.file != nil || x.stopped {
		return errTimerStarted
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("timerfd_create: %w", err)
	}
	x.fd = fd
	x.quantum = quantum
	if err := x.settime(); err != nil {
		_ = unix.Close(fd)
		return err
	}

	// a non-blocking fd is registered with the netpoller, so Close unblocks Read
	x.file = os.NewFile(uintptr(fd), "timerfd")
	x.done = make(chan struct{})
	go x.run(x.file, fire)
	return nil
}

func (x *timerfdTimer) settime() error {
	ts := unix.NsecToTimespec(x.quantum.Nanoseconds())
	if err := unix.TimerfdSettime(x.fd, 0, &unix.ItimerSpec{Interval: ts, Value: ts}, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (x *timerfdTimer) run(file *os.File, fire func()) {
	defer close(x.done)
	var buf [8]byte // expiration count, ignored: multiple expiries coalesce
	for {
		_, err := file.Read(buf[:])
		if err == nil {
			fire()
			continue
		}
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		// closed (os.ErrClosed) or broken, either way no more expiries
		return
	}
}

func (x *timerfdTimer) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return nil
	}
	if x.file == nil {
		return errTimerNotStarted
	}
	return x.settime()
}

func (x *timerfdTimer) Stop() error {
	x.mu.Lock()
	if x.stopped || x.file == nil {
		x.stopped = true
		x.mu.Unlock()
		return nil
	}
	x.stopped = true
	err := x.file.Close()
	done := x.done
	x.mu.Unlock()
	<-done
	return err
}
