//go:build !windows

package bridge

import (
	"os"
	"syscall"
)

func nilSignal() os.Signal { return syscall.Signal(0) }
