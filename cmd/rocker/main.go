package main

import (
	"os"
	"runtime"

	"github.com/harunnryd/rocker/internal/sandbox"
)

// The guard names itself through prctl, which acts on the calling thread.
// Pin main to the initial thread so /proc/<pid>/comm shows that name.
func init() {
	if len(os.Args) > 1 && os.Args[1] == sandbox.GuardCommand {
		runtime.LockOSThread()
	}
}

func main() {
	Execute()
}
