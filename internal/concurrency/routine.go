package concurrency

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer recoverPanic(onPanic)
		fn()
	}()
}

// SafeGoTracked is SafeGo with wg accounting, so callers can wait for
// detached work (sandbox releases) during shutdown.
func SafeGoTracked(wg *sync.WaitGroup, fn func(), onPanic func(interface{})) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverPanic(onPanic)
		fn()
	}()
}

func recoverPanic(onPanic func(interface{})) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		slog.Error("Panic recovered", "panic", r, "stack", string(stack))
		if onPanic != nil {
			onPanic(r)
		}
	}
}
