package reaper

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Exit is one collected child.
type Exit struct {
	PID    int
	Status unix.WaitStatus
}

// Waiter blocks until a child of this process has exited and collects it.
// It returns unix.ECHILD when there are no children at all.
type Waiter interface {
	Wait(ctx context.Context) (Exit, error)
}

// SignalWaiter collects any child with wait4(-1, WNOHANG), sleeping on
// SIGCHLD between attempts. Poll bounds the sleep in case a signal was
// coalesced with one that arrived before Notify.
type SignalWaiter struct {
	sigs chan os.Signal
	poll time.Duration
}

func NewSignalWaiter(poll time.Duration) *SignalWaiter {
	if poll <= 0 {
		poll = time.Second
	}
	w := &SignalWaiter{sigs: make(chan os.Signal, 1), poll: poll}
	signal.Notify(w.sigs, syscall.SIGCHLD)
	return w
}

// Stop detaches from SIGCHLD.
func (w *SignalWaiter) Stop() {
	signal.Stop(w.sigs)
}

func (w *SignalWaiter) Wait(ctx context.Context) (Exit, error) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return Exit{}, err
		case pid > 0:
			return Exit{PID: pid, Status: ws}, nil
		}

		timer := time.NewTimer(w.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Exit{}, ctx.Err()
		case <-w.sigs:
		case <-timer.C:
		}
		timer.Stop()
	}
}
